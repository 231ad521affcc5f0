package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hls2dvb/gateway/internal/alerts"
	"github.com/hls2dvb/gateway/internal/config"
	"github.com/hls2dvb/gateway/internal/dvbprocessor"
	"github.com/hls2dvb/gateway/internal/hlsclient"
	"github.com/hls2dvb/gateway/internal/metrics"
	"github.com/hls2dvb/gateway/internal/segbuf"
	"github.com/hls2dvb/gateway/internal/sender"
	"github.com/hls2dvb/gateway/internal/tsconverter"
)

// State is one point in spec.md §4.9's per-channel state machine.
type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// allStates is used to drive the metrics PipelineState gauge set, which
// needs every known state name to zero out the ones not current.
var allStates = []string{
	string(StateCreated), string(StateStarting), string(StateRunning),
	string(StateStopping), string(StateStopped), string(StateFailed),
}

const (
	bufferPopPoll  = 0
	emptyPullSleep = 100 * time.Millisecond

	// defaultTransportStreamID, defaultNetworkID and defaultOriginalNetworkID
	// are fixed PSI identifiers shared by every pipeline; StreamConfig
	// carries no per-stream DVB identity.
	defaultTransportStreamID uint16 = 1
	defaultNetworkID         uint16 = 1
	defaultOriginalNetworkID uint16 = 1
	defaultNetworkName              = "HLS2DVB Gateway"
)

// Stats mirrors spec.md §3's StreamStats, read by the Stream Manager's
// get_stream_stats.
type Stats struct {
	State                   State
	SegmentsProcessed       uint64
	DiscontinuitiesDetected uint64
	BufferFill              int
	BufferCapacity          int
	PacketsTransmitted      uint64
	BitrateBps              float64
	Resolution              string
	Bandwidth               uint32
	Codecs                  string
	LastPCR                 uint64
	HavePCR                 bool
}

// Pipeline is one channel's worker, owning its HLS Client, Converter,
// Buffer, and Sender exclusively (spec.md §3's ownership rule). Nothing
// here is shared across pipelines except the (stateless) StreamConfig it
// was built from.
type Pipeline struct {
	cfg       config.StreamConfig
	runID     string
	alertSink alerts.Sink
	recorder  *metrics.StreamRecorder

	state atomic.Value // State

	// resMu guards the resource pointers below. Start assigns them once and
	// the worker goroutine only reads them thereafter, except for snd, which
	// the worker may swap out in place after a restart (see
	// tryRestartSender); resMu exists so a concurrent Stats()/ResizeBuffer()
	// call from the Stream Manager never races with any of that.
	resMu     sync.RWMutex
	hls       *hlsclient.Client
	info      hlsclient.StreamInfo
	converter *tsconverter.Converter
	buffer    *segbuf.Buffer
	snd       *sender.Sender

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// senderErrorsSeen is the sender error count already reported to the
	// recorder; only the worker goroutine touches it.
	senderErrorsSeen uint64

	mu              sync.Mutex
	lastAlertID     string
	failCause       error
	senderRestarted bool
}

// New constructs a Created pipeline for cfg. It does no I/O; Start does.
func New(cfg config.StreamConfig, sink alerts.Sink, recorder *metrics.StreamRecorder) *Pipeline {
	p := &Pipeline{cfg: cfg, runID: uuid.NewString(), alertSink: sink, recorder: recorder}
	p.setState(StateCreated)
	return p
}

func (p *Pipeline) setState(s State) {
	p.state.Store(s)
	log.Printf("pipeline[%s] run=%s: state -> %s", p.cfg.ID, p.runID, s)
	if p.recorder != nil {
		p.recorder.PipelineState(string(s), allStates)
	}
}

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() State {
	if v, ok := p.state.Load().(State); ok {
		return v
	}
	return StateCreated
}

// Start runs spec.md §4.9's Starting sequence: validate the multicast
// address, construct the Buffer/Converter/Sender, initialize the Sender,
// start the HLS Client, and on success spawn the worker goroutine.
func (p *Pipeline) Start(ctx context.Context) error {
	p.setState(StateStarting)
	p.alert(alerts.Info, "pipeline starting")

	if err := config.ValidateMulticastAddress(p.cfg.MulticastGroupIP); err != nil {
		return p.fail(newError(KindUnsupportedSource, fmt.Errorf("invalid multicast address: %w", err)))
	}

	bufSize := p.cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 3
	}
	buffer := segbuf.New(bufSize)
	buffer.SetLabel(p.cfg.ID)
	buffer.SetDropHandler(func() {
		if p.recorder != nil {
			p.recorder.SegmentDropped("buffer")
		}
	})

	processor := dvbprocessor.New(defaultTransportStreamID, defaultNetworkID, defaultOriginalNetworkID, defaultNetworkName)
	converter := tsconverter.New(processor)

	sndCfg := sender.Config{
		Group:         net.ParseIP(p.cfg.MulticastGroupIP),
		Port:          p.cfg.MulticastPort,
		InterfaceName: p.cfg.Interface,
	}
	snd, err := sender.Initialize(sndCfg)
	if err != nil {
		return p.fail(newError(KindSenderInit, err))
	}

	hlsCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	client, info, err := hlsclient.Start(hlsCtx, hlsclient.Config{URL: p.cfg.HLSInputURL})
	if err != nil {
		snd.Close()
		cancel()
		if errors.Is(err, hlsclient.ErrNotLive) || errors.Is(err, hlsclient.ErrUnsupportedSource) {
			return p.fail(newError(KindUnsupportedSource, err))
		}
		return p.fail(newError(KindUnknown, err))
	}

	p.resMu.Lock()
	p.buffer = buffer
	p.converter = converter
	p.snd = snd
	p.hls = client
	p.info = info
	p.resMu.Unlock()

	p.setState(StateRunning)
	p.alert(alerts.Info, "pipeline running")

	p.wg.Add(1)
	go p.runWorker(hlsCtx)
	return nil
}

// Stop runs spec.md §4.9's Stopping sequence: signal the worker to drain,
// join it, stop the Sender, and discard the Buffer. Idempotent: stopping an
// already-stopped or never-started pipeline is a no-op.
func (p *Pipeline) Stop() {
	switch p.State() {
	case StateStopped, StateCreated:
		return
	}
	p.setState(StateStopping)
	if p.cancel != nil {
		p.cancel()
	}
	p.resMu.RLock()
	hls, snd := p.hls, p.snd
	p.resMu.RUnlock()
	if hls != nil {
		hls.Stop()
	}
	p.wg.Wait()
	if snd != nil {
		snd.Close()
	}
	p.resMu.Lock()
	p.buffer = nil
	p.resMu.Unlock()
	p.setState(StateStopped)
	p.alert(alerts.Info, "pipeline stopped")
}

func (p *Pipeline) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		if snd := p.currentSender(); snd != nil && snd.Stopped() {
			if err := p.tryRestartSender(); err != nil {
				p.failDuringRun(newError(KindSenderInit, fmt.Errorf("sender restart: %w", err)))
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case seg, ok := <-p.hls.Segments():
			if !ok {
				if fatal := p.hls.FatalErr(); fatal != nil {
					p.failDuringRun(newError(KindTransientNetwork, fatal))
				}
				return
			}
			p.processSegment(seg)
		case <-time.After(emptyPullSleep):
		}
	}
}

func (p *Pipeline) currentSender() *sender.Sender {
	p.resMu.RLock()
	defer p.resMu.RUnlock()
	return p.snd
}

// tryRestartSender implements spec.md §4.9's "if the Sender has stopped,
// try one restart" step: reinitialize the socket once per pipeline run and
// swap it in place of the dead one. A second stop after that is fatal,
// signaled by returning an error here.
func (p *Pipeline) tryRestartSender() error {
	p.mu.Lock()
	if p.senderRestarted {
		p.mu.Unlock()
		return errors.New("sender stopped again after a restart was already attempted")
	}
	p.senderRestarted = true
	p.mu.Unlock()

	sndCfg := sender.Config{
		Group:         net.ParseIP(p.cfg.MulticastGroupIP),
		Port:          p.cfg.MulticastPort,
		InterfaceName: p.cfg.Interface,
	}
	newSnd, err := sender.Initialize(sndCfg)
	if err != nil {
		return err
	}

	p.resMu.Lock()
	old := p.snd
	p.snd = newSnd
	p.resMu.Unlock()
	if old != nil {
		old.Close()
	}
	log.Printf("pipeline[%s] run=%s: sender restarted after stopping", p.cfg.ID, p.runID)
	p.alert(alerts.Warning, "sender restarted after stopping")
	return nil
}

func (p *Pipeline) processSegment(seg hlsclient.Segment) {
	converted, err := p.converter.Convert(seg.Bytes, seg.Discontinuity)
	if err != nil {
		log.Printf("pipeline[%s]: convert segment seq=%d: %v (dropped)", p.cfg.ID, seg.SequenceNumber, err)
		return
	}
	if p.recorder != nil {
		p.recorder.SegmentProcessed()
		if seg.Discontinuity {
			p.recorder.Discontinuity()
		}
	}

	p.buffer.Push(segbuf.Segment{Bytes: converted, Discontinuity: seg.Discontinuity})
	if p.recorder != nil {
		p.recorder.BufferFill(p.buffer.CurrentSize(), p.buffer.Capacity())
	}

	out, ok := p.buffer.Pop(bufferPopPoll)
	if !ok {
		return
	}
	snd := p.currentSender()
	snd.Send(out.Bytes, out.Discontinuity)
	stats := snd.Stats()
	if p.recorder != nil {
		p.recorder.Sent(stats.PacketsSent, stats.BytesSent)
		p.recorder.Bitrate(stats.EWMABitrateBps)
		if stats.Errors < p.senderErrorsSeen {
			p.senderErrorsSeen = 0 // a restarted sender counts from zero
		}
		for n := p.senderErrorsSeen; n < stats.Errors; n++ {
			p.recorder.SenderError()
		}
		p.senderErrorsSeen = stats.Errors
	}
}

// failDuringRun handles a fatal error surfacing mid-Running (e.g. the HLS
// Client gives up after sustained transient failures): log, alert, and
// transition to Failed without tearing down resources the caller's Stop
// will still need to release.
func (p *Pipeline) failDuringRun(err *Error) {
	p.mu.Lock()
	p.failCause = err
	p.mu.Unlock()
	p.setState(StateFailed)
	p.alert(alerts.Error, fmt.Sprintf("pipeline failed: %v", err))
}

func (p *Pipeline) fail(err *Error) error {
	p.mu.Lock()
	p.failCause = err
	p.mu.Unlock()
	p.setState(StateFailed)
	p.alert(alerts.Error, fmt.Sprintf("pipeline failed to start: %v", err))
	return err
}

func (p *Pipeline) alert(level alerts.Level, msg string) {
	if p.alertSink == nil {
		return
	}
	p.alertSink.Push(level, "pipeline:"+p.cfg.ID, msg, level == alerts.Error)
}

// FailCause returns the error that put the pipeline into Failed, if any.
func (p *Pipeline) FailCause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failCause
}

// Stats returns a snapshot for the Stream Manager's get_stream_stats.
func (p *Pipeline) Stats() Stats {
	s := Stats{State: p.State()}

	p.resMu.RLock()
	buffer, snd, hls, info, converter := p.buffer, p.snd, p.hls, p.info, p.converter
	p.resMu.RUnlock()

	if buffer != nil {
		s.BufferFill = buffer.CurrentSize()
		s.BufferCapacity = buffer.Capacity()
	}
	if snd != nil {
		st := snd.Stats()
		s.PacketsTransmitted = st.PacketsSent
		s.BitrateBps = st.EWMABitrateBps
	}
	if hls != nil {
		segs, discs := hls.Stats()
		s.SegmentsProcessed = segs
		s.DiscontinuitiesDetected = discs
	}
	if converter != nil {
		s.LastPCR, s.HavePCR = converter.LastPCR()
	}
	s.Resolution = fmt.Sprintf("%dx%d", info.Width, info.Height)
	s.Bandwidth = info.Bandwidth
	s.Codecs = info.Codecs
	return s
}

// ResizeBuffer changes the live Buffer's capacity, per spec.md §4.10's
// set_stream_buffer_size. A no-op if the pipeline has no live buffer (not
// yet started, or already stopped).
func (p *Pipeline) ResizeBuffer(n int) {
	p.resMu.RLock()
	buffer := p.buffer
	p.resMu.RUnlock()
	if buffer != nil {
		buffer.Resize(n)
	}
}

// RunID returns the stable per-run identifier used for log correlation,
// the way the teacher correlates proxy requests by reqID.
func (p *Pipeline) RunID() string {
	return p.runID
}
