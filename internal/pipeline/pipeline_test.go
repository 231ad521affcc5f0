package pipeline

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hls2dvb/gateway/internal/alerts"
	"github.com/hls2dvb/gateway/internal/config"
)

func tsBytes(n int) []byte {
	b := make([]byte, n*188)
	for i := 0; i < n; i++ {
		b[i*188] = 0x47
	}
	return b
}

func freeMulticastPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestPipeline_StartRunStop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/live.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:1\n#EXTINF:4.0,\nseg1.ts\n"))
	})
	mux.HandleFunc("/seg1.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write(tsBytes(4))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	port := freeMulticastPort(t)
	cfg := config.StreamConfig{
		ID:               "test-chan",
		Name:             "Test Channel",
		HLSInputURL:      srv.URL + "/live.m3u8",
		MulticastGroupIP: "239.10.10.10",
		MulticastPort:    port,
		BufferSize:       3,
	}

	p := New(cfg, alerts.Noop{}, nil)
	if p.State() != StateCreated {
		t.Fatalf("initial state = %v, want Created", p.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.State() != StateRunning {
		t.Fatalf("state after Start = %v, want Running", p.State())
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().SegmentsProcessed > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if p.Stats().SegmentsProcessed == 0 {
		t.Error("expected at least one segment processed before timeout")
	}

	p.Stop()
	if p.State() != StateStopped {
		t.Errorf("state after Stop = %v, want Stopped", p.State())
	}

	// Stopping twice must not panic or block.
	p.Stop()
}

func TestPipeline_StartRejectsNonMulticastAddress(t *testing.T) {
	cfg := config.StreamConfig{
		ID:               "bad-chan",
		HLSInputURL:      "http://example.invalid/live.m3u8",
		MulticastGroupIP: "10.0.0.1",
		MulticastPort:    16001,
		BufferSize:       3,
	}
	p := New(cfg, alerts.Noop{}, nil)
	err := p.Start(context.Background())
	if err == nil {
		t.Fatal("expected error for a non-multicast address")
	}
	if KindOf(err) != KindUnsupportedSource {
		t.Errorf("KindOf(err) = %v, want KindUnsupportedSource", KindOf(err))
	}
	if p.State() != StateFailed {
		t.Errorf("state = %v, want Failed", p.State())
	}
}

func TestPipeline_StartRejectsUnsupportedSource(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/vod.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:4.0,\nseg0.ts\n#EXT-X-ENDLIST\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	port := freeMulticastPort(t)
	cfg := config.StreamConfig{
		ID:               "vod-chan",
		HLSInputURL:      srv.URL + "/vod.m3u8",
		MulticastGroupIP: "239.10.10.11",
		MulticastPort:    port,
		BufferSize:       3,
	}
	p := New(cfg, alerts.Noop{}, nil)
	err := p.Start(context.Background())
	if err == nil {
		t.Fatal("expected error for a VOD source")
	}
	if KindOf(err) != KindUnsupportedSource {
		t.Errorf("KindOf(err) = %v, want KindUnsupportedSource", KindOf(err))
	}
	if p.State() != StateFailed {
		t.Errorf("state = %v, want Failed", p.State())
	}
}
