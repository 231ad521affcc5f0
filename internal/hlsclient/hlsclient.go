// Package hlsclient implements spec.md §4.3: given an HLS URL, produce a
// lazy sequence of HLSSegment values plus an immutable HLSStreamInfo.
// Variant selection, discontinuity detection, and the bounded drop-oldest
// internal queue are grounded on spec.md §4.3 directly; network resilience
// is borrowed wholesale from the teacher's internal/httpclient
// (DoWithRetry, RetryPolicy, GlobalHostSem) the way the teacher's own
// indexer and smoketest packages use it for playlist/API fetches.
package hlsclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/hls2dvb/gateway/internal/httpclient"
	"github.com/hls2dvb/gateway/internal/playlist"
	"github.com/hls2dvb/gateway/internal/safeurl"
)

// Sentinel errors matching spec.md §4.3 and §7's error kinds.
var (
	// ErrNotLive is returned when the manifest (master or media) carries
	// #EXT-X-ENDLIST: VOD playlists are refused.
	ErrNotLive = errors.New("hlsclient: playlist is VOD (ENDLIST present), live ingest only")
	// ErrUnsupportedSource covers a non-HTTP(S) URL or a master playlist
	// with no viable variant at all.
	ErrUnsupportedSource = errors.New("hlsclient: source is not a usable live MPEG-TS HLS stream")
	// ErrFatalIngest is surfaced after sustained transient failures
	// (persistent auth/DNS errors), per spec.md §4.3's failure semantics.
	ErrFatalIngest = errors.New("hlsclient: fatal ingest failure after retry budget exhausted")
)

// codecsConsideredTS is the allow-list spec.md §4.3 step 2 names for
// "codecs in {H.264, H.265, MPEG-2 video, AAC, MP3, AC-3}".
var codecsConsideredTS = []string{"avc1", "hev1", "hvc1", "mp2v", "mp4a", "ac-3", "mp3"}

const (
	internalQueueCap  = 3
	defaultDuration   = 4.0
	maxRetryBackoff   = 5 * time.Second
	fatalAfterFailures = 8
)

// Segment is spec.md §3's HLSSegment: raw bytes, a monotonic
// session-scoped sequence number, duration, discontinuity flag, and source
// timestamp.
type Segment struct {
	Bytes         []byte
	SequenceNumber uint64
	Duration      float64
	Discontinuity bool
	Timestamp     time.Time
}

// StreamInfo is spec.md §4.3's immutable HLSStreamInfo, populated once at
// startup from the selected variant (cosmetic fields default when the
// manifest omits them).
type StreamInfo struct {
	URL       string
	Bandwidth uint32
	Codecs    string
	Width     int
	Height    int
}

// Config configures one Client instance.
type Config struct {
	URL string
	// PollInterval overrides the refetch cadence; zero means "the shorter
	// of target duration or 1s" is used, computed from each media
	// playlist's observed segment durations.
	PollInterval time.Duration
}

// Client produces a lazy, possibly-unbounded sequence of Segment values for
// one HLS input, per spec.md §4.3. Restartable only by destroying and
// recreating (Stop then Start), matching spec.md's "restartable only by
// destroying and recreating".
type Client struct {
	cfg       Config
	http      *http.Client
	info      StreamInfo
	mediaURL  string

	queue  chan Segment
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu                      sync.Mutex
	segmentsProcessed       uint64
	discontinuitiesDetected uint64
	lastFatal               error

	seqCounter    uint64
	lastMediaSeq  uint64
	haveMediaSeq  bool
	durationBySeq map[uint64]float64
	avgDuration   float64
	fetchedURLs   map[string]bool
}

// Start fetches and classifies the manifest at cfg.URL (spec.md §4.3 steps
// 1-6), then spawns the background refetch/download worker. On success it
// returns a Client ready to be drained via Segments() and the immutable
// StreamInfo for the selected variant.
func Start(ctx context.Context, cfg Config) (*Client, StreamInfo, error) {
	if !safeurl.IsHTTPOrHTTPS(cfg.URL) {
		return nil, StreamInfo{}, fmt.Errorf("%w: %q is not http(s)", ErrUnsupportedSource, cfg.URL)
	}

	c := &Client{
		cfg:           cfg,
		http:          httpclient.ForStreaming(),
		queue:         make(chan Segment, internalQueueCap),
		stopCh:        make(chan struct{}),
		durationBySeq: make(map[uint64]float64),
		fetchedURLs:   make(map[string]bool),
	}

	body, err := c.fetch(ctx, cfg.URL)
	if err != nil {
		return nil, StreamInfo{}, fmt.Errorf("%w: fetch manifest: %v", ErrUnsupportedSource, err)
	}

	master, media, err := playlist.Parse(body, cfg.URL)
	if err != nil {
		return nil, StreamInfo{}, fmt.Errorf("%w: parse manifest: %v", ErrUnsupportedSource, err)
	}

	if master != nil {
		variant, err := selectVariant(ctx, c, master)
		if err != nil {
			return nil, StreamInfo{}, err
		}
		c.info = StreamInfo{
			URL:       variant.URL,
			Bandwidth: variant.Bandwidth,
			Codecs:    defaultString(variant.Codecs, "h264,aac"),
			Width:     defaultInt(variant.Width, 1280),
			Height:    defaultInt(variant.Height, 720),
		}
		if c.info.Bandwidth == 0 {
			c.info.Bandwidth = 2_000_000
		}
		c.mediaURL = variant.URL

		mbody, err := c.fetch(ctx, c.mediaURL)
		if err != nil {
			return nil, StreamInfo{}, fmt.Errorf("%w: fetch selected variant: %v", ErrUnsupportedSource, err)
		}
		_, media, err = playlist.Parse(mbody, c.mediaURL)
		if err != nil || media == nil {
			return nil, StreamInfo{}, fmt.Errorf("%w: selected variant is not a media playlist", ErrUnsupportedSource)
		}
	} else if media != nil {
		c.mediaURL = cfg.URL
		c.info = StreamInfo{URL: cfg.URL, Bandwidth: 2_000_000, Codecs: "h264,aac", Width: 1280, Height: 720}
	} else {
		return nil, StreamInfo{}, fmt.Errorf("%w: manifest is neither master nor media", ErrUnsupportedSource)
	}

	if media.HasEndlist {
		return nil, StreamInfo{}, ErrNotLive
	}

	c.primeDurations(media)

	c.wg.Add(1)
	go c.run(ctx)

	return c, c.info, nil
}

// selectVariant runs spec.md §4.3 step 2: sort by descending bandwidth,
// pick the first whose media playlist contains a .ts URI or whose codecs
// are in the allow-list; fall back to the highest-bandwidth variant if none
// qualifies strictly.
func selectVariant(ctx context.Context, c *Client, master *playlist.MasterPlaylist) (playlist.Variant, error) {
	variants := append([]playlist.Variant(nil), master.Variants...)
	if len(variants) == 0 {
		return playlist.Variant{}, fmt.Errorf("%w: master playlist has no usable variants", ErrUnsupportedSource)
	}
	sortVariantsByBandwidthDesc(variants)

	for _, v := range variants {
		if hasTSCodec(v.Codecs) {
			return v, nil
		}
		if mbody, err := c.fetch(ctx, v.URL); err == nil {
			if _, media, err := playlist.Parse(mbody, v.URL); err == nil && media != nil {
				if mediaHasTSSegment(media) {
					return v, nil
				}
			}
		}
	}
	return variants[0], nil
}

func sortVariantsByBandwidthDesc(vs []playlist.Variant) {
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j-1].Bandwidth < vs[j].Bandwidth; j-- {
			vs[j-1], vs[j] = vs[j], vs[j-1]
		}
	}
}

func hasTSCodec(codecs string) bool {
	if codecs == "" {
		return false
	}
	lower := strings.ToLower(codecs)
	for _, want := range codecsConsideredTS {
		if strings.Contains(lower, want) {
			return true
		}
	}
	return false
}

func mediaHasTSSegment(m *playlist.MediaPlaylist) bool {
	for _, seg := range m.Segments {
		if strings.Contains(strings.ToLower(seg.URL), ".ts") {
			return true
		}
	}
	return false
}

// primeDurations pre-extracts segment durations keyed by sequence number
// (spec.md §4.3 step 6) and establishes the average for the "else average
// duration" fallback.
func (c *Client) primeDurations(m *playlist.MediaPlaylist) {
	seq := m.MediaSequence
	var total float64
	for _, s := range m.Segments {
		c.durationBySeq[seq] = s.Duration
		total += s.Duration
		seq++
	}
	if len(m.Segments) > 0 {
		c.avgDuration = total / float64(len(m.Segments))
	}
	c.lastMediaSeq = m.MediaSequence
	c.haveMediaSeq = true
}

// Segments returns the channel segments are emitted on. Closed when the
// client stops (VOD reached, or a fatal ingest error).
func (c *Client) Segments() <-chan Segment {
	return c.queue
}

// Stats returns the monotonic counters spec.md §4.3 names.
func (c *Client) Stats() (segmentsProcessed, discontinuitiesDetected uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.segmentsProcessed, c.discontinuitiesDetected
}

// FatalErr returns the error that ended ingest, if any.
func (c *Client) FatalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFatal
}

// Stop signals the background worker to exit and waits for it.
func (c *Client) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	c.wg.Wait()
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.queue)

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		media, err := c.fetchMediaPlaylist(ctx)
		if err != nil {
			consecutiveFailures++
			log.Printf("hlsclient: refetch %s failed (%d consecutive): %v", c.mediaURL, consecutiveFailures, err)
			if consecutiveFailures >= fatalAfterFailures {
				c.mu.Lock()
				c.lastFatal = fmt.Errorf("%w: %v", ErrFatalIngest, err)
				c.mu.Unlock()
				return
			}
			if !c.sleep(ctx, backoff(consecutiveFailures)) {
				return
			}
			continue
		}
		consecutiveFailures = 0

		if media.HasEndlist {
			// Upstream transitioned to VOD mid-session: spec.md treats this
			// as the sequence becoming finite, so stop cleanly.
			return
		}

		c.downloadNewSegments(ctx, media)

		if !c.sleep(ctx, c.pollInterval(media)) {
			return
		}
	}
}

func (c *Client) pollInterval(m *playlist.MediaPlaylist) time.Duration {
	if c.cfg.PollInterval > 0 {
		return c.cfg.PollInterval
	}
	target := c.avgDuration
	if target <= 0 {
		target = defaultDuration
	}
	d := time.Duration(target * float64(time.Second))
	if d > time.Second {
		return time.Second
	}
	if d <= 0 {
		return time.Second
	}
	return d
}

func (c *Client) fetchMediaPlaylist(ctx context.Context) (*playlist.MediaPlaylist, error) {
	body, err := c.fetch(ctx, c.mediaURL)
	if err != nil {
		return nil, err
	}
	_, media, err := playlist.Parse(body, c.mediaURL)
	if err != nil {
		return nil, err
	}
	if media == nil {
		return nil, fmt.Errorf("hlsclient: %s is no longer a media playlist", c.mediaURL)
	}
	return media, nil
}

// downloadNewSegments walks the refreshed playlist's segment list,
// downloads any URL not yet fetched, and emits each onto the bounded
// internal queue. Per spec.md §4.3: discontinuity = true iff the line was
// preceded by DISCONTINUITY, or the media-sequence jumped by more than 1.
func (c *Client) downloadNewSegments(ctx context.Context, m *playlist.MediaPlaylist) {
	seq := m.MediaSequence
	seqJump := c.haveMediaSeq && m.MediaSequence > c.lastMediaSeq+1
	c.primeDurations(m)
	for i, s := range m.Segments {
		thisSeq := seq
		seq++
		if c.fetchedURLs[s.URL] {
			continue
		}

		body, err := c.fetch(ctx, s.URL)
		if err != nil {
			log.Printf("hlsclient: segment fetch %s failed: %v", s.URL, err)
			continue
		}
		c.fetchedURLs[s.URL] = true

		discontinuity := s.DiscontinuityBefore || (i == 0 && seqJump)
		duration := s.Duration
		if duration <= 0 {
			if d, ok := c.durationBySeq[thisSeq]; ok && d > 0 {
				duration = d
			} else if c.avgDuration > 0 {
				duration = c.avgDuration
			} else {
				duration = defaultDuration
			}
		}

		c.mu.Lock()
		c.segmentsProcessed++
		if discontinuity {
			c.discontinuitiesDetected++
		}
		c.mu.Unlock()

		c.seqCounter++
		seg := Segment{
			Bytes:         body,
			SequenceNumber: c.seqCounter,
			Duration:      duration,
			Discontinuity: discontinuity,
			Timestamp:     time.Now(),
		}
		c.enqueue(seg)
	}
}

// enqueue implements the drop-oldest bounded queue spec.md §4.3 requires:
// capped at 3 segments, dropping the oldest with a warning when full rather
// than blocking the fetch loop.
func (c *Client) enqueue(seg Segment) {
	select {
	case c.queue <- seg:
		return
	default:
	}
	select {
	case old := <-c.queue:
		log.Printf("hlsclient: internal queue full, dropping oldest segment seq=%d", old.SequenceNumber)
	default:
	}
	select {
	case c.queue <- seg:
	default:
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// fetch performs a GET with the retry/backoff policy, transparently
// decompressing a brotli-encoded response body (the domain-stack addition
// SPEC_FULL.md calls for: some HLS origins send Content-Encoding: br).
func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "br, gzip")

	resp, err := httpclient.DoWithRetry(ctx, c.http, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "br") {
		r = brotli.NewReader(resp.Body)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// backoff implements spec.md §4.3's "bounded exponential backoff (cap 5s)"
// for transient fetch errors.
func backoff(consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 1 {
		return 500 * time.Millisecond
	}
	if consecutiveFailures > 8 {
		return maxRetryBackoff
	}
	d := 500 * time.Millisecond << uint(consecutiveFailures-1)
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}

func defaultString(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
