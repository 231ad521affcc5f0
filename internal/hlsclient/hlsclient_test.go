package hlsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func tsBytes(n int) []byte {
	b := make([]byte, n*188)
	for i := 0; i < n; i++ {
		b[i*188] = 0x47
	}
	return b
}

func TestStart_mastersSelectsHighestBandwidthTS(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n" +
			"#EXT-X-STREAM-INF:BANDWIDTH=500000,CODECS=\"avc1.42001e,mp4a.40.2\"\n" +
			"low.m3u8\n" +
			"#EXT-X-STREAM-INF:BANDWIDTH=5000000,CODECS=\"avc1.640028,mp4a.40.2\"\n" +
			"high.m3u8\n"))
	})
	mux.HandleFunc("/high.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:1\n#EXTINF:4.0,\nseg1.ts\n"))
	})
	mux.HandleFunc("/seg1.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write(tsBytes(2))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, info, err := Start(ctx, Config{URL: srv.URL + "/master.m3u8"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer client.Stop()

	if info.Bandwidth != 5000000 {
		t.Errorf("selected variant bandwidth = %d, want 5000000 (highest)", info.Bandwidth)
	}

	select {
	case seg, ok := <-client.Segments():
		if !ok {
			t.Fatal("segments channel closed unexpectedly")
		}
		if len(seg.Bytes) != 2*188 {
			t.Errorf("segment bytes = %d, want %d", len(seg.Bytes), 2*188)
		}
		if seg.SequenceNumber != 1 {
			t.Errorf("first segment SequenceNumber = %d, want 1", seg.SequenceNumber)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first segment")
	}
}

func TestStart_refusesVOD(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/vod.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:4.0,\nseg0.ts\n#EXT-X-ENDLIST\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, _, err := Start(context.Background(), Config{URL: srv.URL + "/vod.m3u8"})
	if err == nil {
		t.Fatal("expected ErrNotLive for a VOD playlist")
	}
}

func TestStart_rejectsNonHTTP(t *testing.T) {
	_, _, err := Start(context.Background(), Config{URL: "file:///etc/passwd"})
	if err == nil {
		t.Fatal("expected ErrUnsupportedSource for a non-http(s) URL")
	}
}

func TestDiscontinuityOnMediaSequenceJump(t *testing.T) {
	seq := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/live.m3u8", func(w http.ResponseWriter, r *http.Request) {
		seq++
		switch seq {
		case 1, 2: // Start's manifest fetch, then the worker's first refresh
			w.Write([]byte("#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:1\n#EXTINF:4.0,\nseg1.ts\n"))
		default:
			// Sequence jumps from 1 to 5: a gap of more than 1.
			w.Write([]byte("#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:5\n#EXTINF:4.0,\nseg5.ts\n"))
		}
	})
	mux.HandleFunc("/seg1.ts", func(w http.ResponseWriter, r *http.Request) { w.Write(tsBytes(1)) })
	mux.HandleFunc("/seg5.ts", func(w http.ResponseWriter, r *http.Request) { w.Write(tsBytes(1)) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, _, err := Start(ctx, Config{URL: srv.URL + "/live.m3u8", PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer client.Stop()

	var sawDiscontinuity bool
	timeout := time.After(3 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case seg, ok := <-client.Segments():
			if !ok {
				t.Fatal("segments channel closed")
			}
			if seg.SequenceNumber == 2 && seg.Discontinuity {
				sawDiscontinuity = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for second segment")
		}
	}
	if !sawDiscontinuity {
		t.Error("expected discontinuity flag on the segment after a media-sequence jump")
	}
}
