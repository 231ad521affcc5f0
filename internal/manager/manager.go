// Package manager implements the Stream Manager of spec.md §4.10: the only
// externally addressable component, owning every pipeline and serializing
// registry mutation behind one coarse lock. Lifecycle choreography (context
// cancellation, idempotent start/stop, a registry mutex never held across
// I/O) is grounded on internal/supervisor.Run's errCh/done pattern, adapted
// from supervising OS subprocesses to supervising in-process pipelines.
package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/hls2dvb/gateway/internal/alerts"
	"github.com/hls2dvb/gateway/internal/config"
	"github.com/hls2dvb/gateway/internal/metrics"
	"github.com/hls2dvb/gateway/internal/pipeline"
)

// StreamStatusView is the read-only projection spec.md §4.10's
// list_streams/get_stream return to the HTTP collaborator.
type StreamStatusView struct {
	ID               string
	Name             string
	HLSInputURL      string
	MulticastGroupIP string
	MulticastPort    int
	Enabled          bool
	State            pipeline.State
	Stats            pipeline.Stats
	Error            string
	RunID            string
}

// entry is one registered stream: its last-known configuration plus the
// pipeline instance backing it while running. A nil Pipeline means the
// stream is registered but has never been started, or was cleanly stopped
// and is waiting to be started again.
type entry struct {
	cfg config.StreamConfig
	pl  *pipeline.Pipeline
}

// Manager owns every pipeline. Its registry mutex must never be held across
// pipeline I/O (Start/Stop do network setup and goroutine joins) — lock,
// copy what's needed, unlock, then act, per spec.md §4.10's concurrency note.
type Manager struct {
	sink    alerts.Sink
	metrics *metrics.Collectors

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	streams map[string]*entry
}

// New constructs a Manager. sink and collectors are injected capabilities,
// never package globals, matching spec.md §9's singleton-alert-store note.
func New(sink alerts.Sink, collectors *metrics.Collectors) *Manager {
	if sink == nil {
		sink = alerts.Noop{}
	}
	return &Manager{
		sink:    sink,
		metrics: collectors,
		streams: make(map[string]*entry),
	}
}

// Start arms the Manager with a root context (cancelled by Stop) and then
// starts every registered, enabled stream, per spec.md §4.10's start():
// "iterate configured streams; for each with enabled and valid config, call
// start_stream(id)". A per-stream failure is collected but does not stop
// the iteration over the rest.
func (m *Manager) Start(ctx context.Context, streams []config.StreamConfig) []error {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.mu.Unlock()

	var errs []error
	for _, cfg := range streams {
		if err := m.AddStream(cfg); err != nil {
			errs = append(errs, fmt.Errorf("register stream %q: %w", cfg.ID, err))
			continue
		}
		if !cfg.Enabled {
			continue
		}
		if err := m.StartStream(cfg.ID); err != nil {
			errs = append(errs, fmt.Errorf("start stream %q: %w", cfg.ID, err))
		}
	}
	return errs
}

// Stop stops every running pipeline and tears down the Manager's root
// context. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	cancel := m.cancel
	m.started = false
	m.mu.Unlock()

	for _, id := range ids {
		m.StopStream(id)
	}
	if cancel != nil {
		cancel()
	}
}

// AddStream registers a new stream configuration (spec.md §4.10's
// add_stream), validating it first. Registering an already-known ID
// replaces its stored configuration only if that stream is not currently
// running; use UpdateStream to change a running stream's configuration.
func (m *Manager) AddStream(cfg config.StreamConfig) error {
	if err := config.ValidateStreamConfig(cfg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.streams[cfg.ID]; ok && e.pl != nil && e.pl.State() == pipeline.StateRunning {
		return fmt.Errorf("manager: stream %q is running; stop it before changing its configuration", cfg.ID)
	}
	m.streams[cfg.ID] = &entry{cfg: cfg}
	return nil
}

// UpdateStream replaces a stream's stored configuration, per spec.md
// §4.10's update_stream. Does not itself restart a running pipeline: the
// caller decides whether to StopStream/StartStream to apply the change.
func (m *Manager) UpdateStream(cfg config.StreamConfig) error {
	if err := config.ValidateStreamConfig(cfg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.streams[cfg.ID]
	if !ok {
		return fmt.Errorf("manager: unknown stream %q", cfg.ID)
	}
	e.cfg = cfg
	return nil
}

// RemoveStream stops (if running) and forgets a stream, per spec.md
// §4.10's remove_stream.
func (m *Manager) RemoveStream(id string) error {
	m.mu.Lock()
	_, ok := m.streams[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: unknown stream %q", id)
	}
	m.StopStream(id)

	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.Forget(id)
	}
	return nil
}

// StartStream constructs and starts the pipeline for id, per spec.md
// §4.10's start_stream: "validate, construct, transition. Idempotent —
// starting a running stream is a no-op success."
func (m *Manager) StartStream(id string) error {
	m.mu.Lock()
	e, ok := m.streams[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("manager: unknown stream %q", id)
	}
	if e.pl != nil {
		switch e.pl.State() {
		case pipeline.StateRunning, pipeline.StateStarting:
			m.mu.Unlock()
			return nil
		}
	}
	var recorder *metrics.StreamRecorder
	if m.metrics != nil {
		recorder = m.metrics.ForStream(id)
	}
	p := pipeline.New(e.cfg, m.sink, recorder)
	e.pl = p
	ctx := m.ctx
	m.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	return p.Start(ctx)
}

// StopStream stops id's pipeline if running, per spec.md §4.10's
// stop_stream: "idempotent — stopping a stopped stream is success."
func (m *Manager) StopStream(id string) error {
	m.mu.Lock()
	e, ok := m.streams[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: unknown stream %q", id)
	}
	if e.pl == nil {
		return nil
	}
	e.pl.Stop()
	return nil
}

// IsStreamRunning reports whether id's pipeline is in the Running state.
func (m *Manager) IsStreamRunning(id string) bool {
	m.mu.Lock()
	e, ok := m.streams[id]
	m.mu.Unlock()
	if !ok || e.pl == nil {
		return false
	}
	return e.pl.State() == pipeline.StateRunning
}

// GetStreamStats returns id's current statistics snapshot, per spec.md
// §4.10's get_stream_stats(id) → Option<StreamStats>.
func (m *Manager) GetStreamStats(id string) (pipeline.Stats, bool) {
	m.mu.Lock()
	e, ok := m.streams[id]
	m.mu.Unlock()
	if !ok || e.pl == nil {
		return pipeline.Stats{}, false
	}
	return e.pl.Stats(), true
}

// SetStreamBufferSize updates the stream's configured buffer size for
// future starts, and resizes the live Buffer in place if the stream is
// currently running.
func (m *Manager) SetStreamBufferSize(id string, n int) error {
	if n < 1 {
		return fmt.Errorf("manager: buffer size must be >= 1, got %d", n)
	}
	m.mu.Lock()
	e, ok := m.streams[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("manager: unknown stream %q", id)
	}
	e.cfg.BufferSize = n
	pl := e.pl
	m.mu.Unlock()

	if pl != nil {
		pl.ResizeBuffer(n)
	}
	return nil
}

// ListStreams returns a status snapshot for every registered stream, per
// spec.md §4.10's list_streams.
func (m *Manager) ListStreams() []StreamStatusView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StreamStatusView, 0, len(m.streams))
	for _, id := range orderedIDs(m.streams) {
		out = append(out, statusViewLocked(m.streams[id]))
	}
	return out
}

// GetStream returns one stream's status view, per spec.md §4.10's
// get_stream(id) → StreamStatusView | NotFound.
func (m *Manager) GetStream(id string) (StreamStatusView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.streams[id]
	if !ok {
		return StreamStatusView{}, false
	}
	return statusViewLocked(e), true
}

func statusViewLocked(e *entry) StreamStatusView {
	v := StreamStatusView{
		ID:               e.cfg.ID,
		Name:             e.cfg.Name,
		HLSInputURL:      e.cfg.HLSInputURL,
		MulticastGroupIP: e.cfg.MulticastGroupIP,
		MulticastPort:    e.cfg.MulticastPort,
		Enabled:          e.cfg.Enabled,
		State:            pipeline.StateCreated,
	}
	if e.pl != nil {
		v.State = e.pl.State()
		v.Stats = e.pl.Stats()
		v.RunID = e.pl.RunID()
		if v.State == pipeline.StateFailed {
			if cause := e.pl.FailCause(); cause != nil {
				v.Error = cause.Error()
			}
		}
	}
	return v
}

func orderedIDs(streams map[string]*entry) []string {
	ids := make([]string, 0, len(streams))
	for id := range streams {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}
