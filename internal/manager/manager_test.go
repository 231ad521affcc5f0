package manager

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hls2dvb/gateway/internal/alerts"
	"github.com/hls2dvb/gateway/internal/config"
	"github.com/hls2dvb/gateway/internal/pipeline"
)

func tsBytes(n int) []byte {
	b := make([]byte, n*188)
	for i := 0; i < n; i++ {
		b[i*188] = 0x47
	}
	return b
}

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func liveServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/live.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:1\n#EXTINF:4.0,\nseg1.ts\n"))
	})
	mux.HandleFunc("/seg1.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write(tsBytes(2))
	})
	return httptest.NewServer(mux)
}

func TestManager_StartStopIdempotent(t *testing.T) {
	srv := liveServer(t)
	defer srv.Close()

	m := New(alerts.NewMemory(16), nil)
	cfg := config.StreamConfig{
		ID: "chan-a", Name: "Channel A",
		HLSInputURL: srv.URL + "/live.m3u8",
		MulticastGroupIP: "239.20.20.20", MulticastPort: freePort(t),
		BufferSize: 3, Enabled: true,
	}

	errs := m.Start(context.Background(), []config.StreamConfig{cfg})
	if len(errs) != 0 {
		t.Fatalf("Start errors: %v", errs)
	}
	if !m.IsStreamRunning(cfg.ID) {
		t.Fatal("expected chan-a to be running after Start")
	}

	// Starting an already-running stream is a no-op success.
	if err := m.StartStream(cfg.ID); err != nil {
		t.Fatalf("StartStream on already-running stream: %v", err)
	}

	if err := m.StopStream(cfg.ID); err != nil {
		t.Fatalf("StopStream: %v", err)
	}
	if m.IsStreamRunning(cfg.ID) {
		t.Error("expected chan-a to be stopped")
	}
	// Stopping an already-stopped stream is a no-op success.
	if err := m.StopStream(cfg.ID); err != nil {
		t.Fatalf("StopStream on already-stopped stream: %v", err)
	}

	m.Stop()
}

func TestManager_GetStreamStatsAndList(t *testing.T) {
	srv := liveServer(t)
	defer srv.Close()

	m := New(alerts.Noop{}, nil)
	cfg := config.StreamConfig{
		ID: "chan-b", HLSInputURL: srv.URL + "/live.m3u8",
		MulticastGroupIP: "239.20.20.21", MulticastPort: freePort(t),
		BufferSize: 3, Enabled: true,
	}
	if errs := m.Start(context.Background(), []config.StreamConfig{cfg}); len(errs) != 0 {
		t.Fatalf("Start errors: %v", errs)
	}
	defer m.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if stats, ok := m.GetStreamStats(cfg.ID); ok && stats.SegmentsProcessed > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	stats, ok := m.GetStreamStats(cfg.ID)
	if !ok {
		t.Fatal("expected stats for chan-b")
	}
	if stats.SegmentsProcessed == 0 {
		t.Error("expected at least one segment processed")
	}

	views := m.ListStreams()
	if len(views) != 1 || views[0].ID != cfg.ID {
		t.Fatalf("ListStreams = %+v, want one entry for %q", views, cfg.ID)
	}

	view, ok := m.GetStream(cfg.ID)
	if !ok || view.State != pipeline.StateRunning {
		t.Errorf("GetStream(%q) = %+v, ok=%v, want Running", cfg.ID, view, ok)
	}

	if _, ok := m.GetStream("no-such-stream"); ok {
		t.Error("GetStream should report not-found for an unknown ID")
	}
}

func TestManager_RejectsUnsupportedSourceStream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/vod.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:4.0,\nseg0.ts\n#EXT-X-ENDLIST\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := New(alerts.NewMemory(16), nil)
	cfg := config.StreamConfig{
		ID: "chan-vod", HLSInputURL: srv.URL + "/vod.m3u8",
		MulticastGroupIP: "239.20.20.22", MulticastPort: freePort(t),
		BufferSize: 3, Enabled: true,
	}
	errs := m.Start(context.Background(), []config.StreamConfig{cfg})
	if len(errs) != 1 {
		t.Fatalf("Start errors = %v, want exactly one for the VOD stream", errs)
	}
	if pipeline.KindOf(errs[0]) != pipeline.KindUnsupportedSource {
		t.Errorf("KindOf(errs[0]) = %v, want KindUnsupportedSource", pipeline.KindOf(errs[0]))
	}
	view, ok := m.GetStream(cfg.ID)
	if !ok || view.State != pipeline.StateFailed {
		t.Errorf("GetStream(%q) = %+v, ok=%v, want Failed", cfg.ID, view, ok)
	}
	if view.Error == "" {
		t.Error("GetStream() Error should be populated for a Failed stream")
	}

	m.Stop()
}

func TestManager_StreamViewCarriesRunID(t *testing.T) {
	srv := liveServer(t)
	defer srv.Close()

	m := New(alerts.NewMemory(16), nil)
	cfg := config.StreamConfig{
		ID: "chan-c", HLSInputURL: srv.URL + "/live.m3u8",
		MulticastGroupIP: "239.20.20.23", MulticastPort: freePort(t),
		BufferSize: 3, Enabled: true,
	}
	if errs := m.Start(context.Background(), []config.StreamConfig{cfg}); len(errs) != 0 {
		t.Fatalf("Start errors: %v", errs)
	}
	defer m.Stop()

	view, ok := m.GetStream(cfg.ID)
	if !ok {
		t.Fatal("expected chan-c to be registered")
	}
	if view.RunID == "" {
		t.Error("GetStream() RunID should be populated once a stream has started")
	}
}
