// Package sender implements the multicast UDP emitter of spec.md §4.8:
// socket setup with multicast options, 1316-byte datagram chunking, rate
// pacing, and discontinuity-triggered queue pruning. Socket setup is
// grounded on internal/hdhomerun/discover.go's net.ListenUDP/WriteToUDP
// pattern, extended to true multicast sender options via
// golang.org/x/net/ipv4 (the raw net.UDPConn API has no equivalent of
// IP_MULTICAST_TTL/IP_MULTICAST_LOOP/IP_MULTICAST_IF for a sender role) and
// golang.org/x/sys/unix for SO_REUSEADDR/SO_REUSEPORT, which net.ListenConfig
// exposes only via a raw Control callback.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// ChunkSize is the datagram payload size: 7 TS packets, 1316 bytes.
const ChunkSize = 1316

// SentinelProbeSize is the size of the sentinel packet sent during
// Initialize to confirm the destination path is reachable.
const SentinelProbeSize = 188

const (
	defaultTTL         = 4
	defaultSendBufSize = 1 << 20 // 1 MiB
	pruneQueueDepth    = 10
	pruneKeepRecent    = 5
	ewmaAlpha          = 0.1

	// maxConsecutiveSendErrors is how many back-to-back failed writes the
	// sender tolerates before treating the socket as dead and stopping
	// itself, per spec.md §4.9's "if the Sender has stopped, try one
	// restart" step.
	maxConsecutiveSendErrors = 20
)

// ErrNotMulticast is returned when the configured group is outside
// 224.0.0.0/4.
var ErrNotMulticast = errors.New("sender: destination address is not in the multicast range 224.0.0.0/4")

// Config describes one sender's destination and socket options.
type Config struct {
	Group           net.IP
	Port            int
	InterfaceName   string // optional; primary IPv4 of this interface is used for IP_MULTICAST_IF
	TTL             int    // default 4
	BitrateKbps     int    // 0 disables pacing
	SendBufferBytes int    // default 1 MiB
}

// Stats are the running counters spec.md §3's StreamStats draws from.
type Stats struct {
	PacketsSent       uint64
	BytesSent         uint64
	Errors            uint64
	InstantBitrateBps float64
	EWMABitrateBps    float64
}

// item is one queued send: concatenated TS packets plus whether the segment
// they came from was flagged discontinuous.
type item struct {
	bytes         []byte
	discontinuity bool
}

// Sender owns one UDP multicast socket and its outbound queue.
type Sender struct {
	cfg  Config
	dst  *net.UDPAddr
	conn *net.UDPConn

	queueMu sync.Mutex
	queueCV *sync.Cond
	queue   []item
	closed  bool

	statsMu           sync.Mutex
	stats             Stats
	consecutiveErrors int

	stopped atomic.Bool

	limiter *rate.Limiter
	windowStart time.Time
	windowBytes int

	wg sync.WaitGroup
}

// Initialize validates cfg, creates and configures the UDP socket, and sends
// a sentinel probe packet to confirm the path, per spec.md §4.8.
func Initialize(cfg Config) (*Sender, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.SendBufferBytes <= 0 {
		cfg.SendBufferBytes = defaultSendBufSize
	}
	if !isMulticastV4(cfg.Group) {
		return nil, ErrNotMulticast
	}

	lc := net.ListenConfig{Control: setReuseAddrPort}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("sender: listen: %w", err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, errors.New("sender: listener is not a UDP connection")
	}

	if err := conn.SetWriteBuffer(cfg.SendBufferBytes); err != nil {
		log.Printf("sender: SetWriteBuffer(%d) failed: %v", cfg.SendBufferBytes, err)
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetMulticastTTL(cfg.TTL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sender: SetMulticastTTL: %w", err)
	}
	if err := pconn.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sender: SetMulticastLoopback: %w", err)
	}
	if cfg.InterfaceName != "" {
		iface, err := net.InterfaceByName(cfg.InterfaceName)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("sender: resolve interface %q: %w", cfg.InterfaceName, err)
		}
		if err := pconn.SetMulticastInterface(iface); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sender: SetMulticastInterface: %w", err)
		}
	}

	dst := &net.UDPAddr{IP: cfg.Group, Port: cfg.Port}

	s := &Sender{
		cfg:  cfg,
		dst:  dst,
		conn: conn,
	}
	s.queueCV = sync.NewCond(&s.queueMu)
	if cfg.BitrateKbps > 0 {
		bytesPerSecond := float64(cfg.BitrateKbps) * 1000 / 8
		s.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), ChunkSize*4)
	}

	probe := make([]byte, SentinelProbeSize)
	probe[0] = 0x47
	if _, err := conn.WriteToUDP(probe, dst); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sender: sentinel probe: %w", err)
	}

	s.wg.Add(1)
	go s.workerLoop()
	return s, nil
}

func isMulticastV4(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	return v4[0] >= 224 && v4[0] <= 239
}

// setReuseAddrPort sets SO_REUSEADDR and SO_REUSEPORT where the platform
// supports them, so multiple sender instances can share the bind port the
// way a single-interface broadcast box typically wants.
func setReuseAddrPort(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	// SO_REUSEPORT is "when supported"; ignore its failure.
	_ = sockErr
	return nil
}

// Send enqueues bytes for transmission. If discontinuity is set and the
// queue is already deeper than pruneQueueDepth, only the most recent
// pruneKeepRecent entries are retained first, per spec.md §4.8, so the
// sender doesn't spend the next several seconds catching up through stale
// pre-break data.
func (s *Sender) Send(bytes []byte, discontinuity bool) {
	s.queueMu.Lock()
	if discontinuity && len(s.queue) > pruneQueueDepth {
		s.queue = append([]item{}, s.queue[len(s.queue)-pruneKeepRecent:]...)
	}
	s.queue = append(s.queue, item{bytes: bytes, discontinuity: discontinuity})
	s.queueMu.Unlock()
	s.queueCV.Signal()
}

func (s *Sender) dequeue() (item, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.queueCV.Wait()
	}
	if len(s.queue) == 0 {
		return item{}, false
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return next, true
}

func (s *Sender) workerLoop() {
	defer s.wg.Done()
	for {
		it, ok := s.dequeue()
		if !ok {
			return
		}
		s.sendChunked(it.bytes)
	}
}

func (s *Sender) sendChunked(b []byte) {
	for off := 0; off < len(b); off += ChunkSize {
		end := off + ChunkSize
		if end > len(b) {
			end = len(b)
		}
		chunk := b[off:end]
		if s.limiter != nil {
			_ = s.limiter.WaitN(context.Background(), len(chunk))
		}
		n, err := s.conn.WriteToUDP(chunk, s.dst)
		s.recordSend(n, err)
	}
}

func (s *Sender) recordSend(n int, err error) {
	s.statsMu.Lock()
	if err != nil {
		s.stats.Errors++
		s.consecutiveErrors++
		stop := s.consecutiveErrors >= maxConsecutiveSendErrors
		s.statsMu.Unlock()
		log.Printf("sender: write to %s failed: %v", s.dst, err)
		if stop {
			s.stopSelf()
		}
		return
	}
	s.consecutiveErrors = 0
	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(n)

	now := time.Now()
	if s.windowStart.IsZero() {
		s.windowStart = now
	}
	s.windowBytes += n
	if elapsed := now.Sub(s.windowStart); elapsed >= time.Second {
		instant := float64(s.windowBytes) * 8 / elapsed.Seconds()
		s.stats.InstantBitrateBps = instant
		if s.stats.EWMABitrateBps == 0 {
			s.stats.EWMABitrateBps = instant
		} else {
			s.stats.EWMABitrateBps = ewmaAlpha*instant + (1-ewmaAlpha)*s.stats.EWMABitrateBps
		}
		s.windowStart = now
		s.windowBytes = 0
	}
	s.statsMu.Unlock()
}

// stopSelf marks the sender permanently stopped after sustained write
// failures, the way an unplugged interface or a revoked multicast route
// would manifest, without waiting for an explicit Close. Idempotent.
func (s *Sender) stopSelf() {
	if s.stopped.Swap(true) {
		return
	}
	log.Printf("sender: stopping after %d consecutive send errors", maxConsecutiveSendErrors)
	s.queueMu.Lock()
	s.closed = true
	s.queueMu.Unlock()
	s.queueCV.Broadcast()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// Stopped reports whether the sender has stopped itself after sustained
// send failures (as opposed to being stopped explicitly via Close).
func (s *Sender) Stopped() bool {
	return s.stopped.Load()
}

// Stats returns a snapshot of the running counters.
func (s *Sender) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Close stops the worker goroutine and releases the socket.
func (s *Sender) Close() error {
	s.queueMu.Lock()
	s.closed = true
	s.queueMu.Unlock()
	s.queueCV.Broadcast()
	s.wg.Wait()
	return s.conn.Close()
}
