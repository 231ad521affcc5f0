package dvbprocessor

import (
	"testing"

	"github.com/hls2dvb/gateway/internal/dvbtables"
	"github.com/hls2dvb/gateway/internal/tspacket"
)

func makePacket(pid uint16) []byte {
	p := make([]byte, tspacket.Size)
	p[0] = tspacket.SyncByte
	p[1] = byte(pid >> 8 & 0x1F)
	p[2] = byte(pid)
	p[3] = 0x10 // payload only, cc=0
	for i := 4; i < tspacket.Size; i++ {
		p[i] = 0xAB
	}
	return p
}

func contentSegment(pid uint16, count int) []byte {
	out := make([]byte, 0, count*tspacket.Size)
	for i := 0; i < count; i++ {
		out = append(out, makePacket(pid)...)
	}
	return out
}

func TestUpdatePSITablesPrependsPSIPackets(t *testing.T) {
	p := New(1, 1, 1, "Test Network")
	segment := contentSegment(0x0200, 5)
	out := p.UpdatePSITables(segment, false)
	if len(out)%tspacket.Size != 0 {
		t.Fatalf("output length %d not a multiple of %d", len(out), tspacket.Size)
	}
	packets := tspacket.Split(out)
	foundPAT := false
	for _, pkt := range packets[:4] {
		if tspacket.PID(pkt) == dvbtables.PIDPAT {
			foundPAT = true
		}
	}
	if !foundPAT {
		t.Error("expected a PAT packet near the front of the output")
	}
}

func TestUpdatePSITablesStripsExistingPSIPIDs(t *testing.T) {
	p := New(1, 1, 1, "Test Network")
	segment := append(contentSegment(dvbtables.PIDPAT, 1), contentSegment(0x0200, 2)...)
	out := p.UpdatePSITables(segment, false)
	packets := tspacket.Split(out)
	count := 0
	for _, pkt := range packets {
		if tspacket.PID(pkt) == dvbtables.PIDPAT {
			count++
		}
	}
	// Exactly our own freshly built PAT packets should remain, not the
	// stripped input one too.
	fresh := dvbtables.BuildPAT(p.Services(), 1, 0, new(uint8))
	if count != len(fresh) {
		t.Errorf("PAT packet count = %d, want %d (only freshly built copies)", count, len(fresh))
	}
}

func TestUpdatePSITablesNonMultipleOf188PassesThroughUnchanged(t *testing.T) {
	p := New(1, 1, 1, "Test Network")
	malformed := make([]byte, 300)
	out := p.UpdatePSITables(malformed, false)
	if len(out) != len(malformed) {
		t.Fatalf("len(out) = %d, want %d (pass-through)", len(out), len(malformed))
	}
}

func TestDiscontinuityBumpsVersionsModulo32(t *testing.T) {
	p := New(1, 1, 1, "Test Network")
	segment := contentSegment(0x0200, 1)
	p.UpdatePSITables(segment, false)
	before := p.vPAT
	p.UpdatePSITables(segment, true)
	after := p.vPAT
	if after != (before+1)%32 {
		t.Errorf("vPAT = %d, want %d", after, (before+1)%32)
	}
}

func TestDefaultServiceSynthesisFromObservedPIDs(t *testing.T) {
	p := New(1, 1, 1, "Test Network")
	p.RemoveService(1)
	segment := contentSegment(0x0300, 1)
	p.UpdatePSITables(segment, false)
	services := p.Services()
	if len(services) != 1 {
		t.Fatalf("expected exactly one synthesized service, got %d", len(services))
	}
	if _, ok := services[0].Components[0x0300]; !ok {
		t.Errorf("expected synthesized service to include observed PID 0x0300, components=%v", services[0].Components)
	}
}

func TestPeriodicReinsertionOfPATAndPMT(t *testing.T) {
	p := New(1, 1, 1, "Test Network")
	// Large enough segment that the interval (>=50) fires more than once.
	segment := contentSegment(0x0200, 400)
	out := p.UpdatePSITables(segment, false)
	packets := tspacket.Split(out)
	patCount := 0
	for _, pkt := range packets {
		if tspacket.PID(pkt) == dvbtables.PIDPAT {
			patCount++
		}
	}
	if patCount < 2 {
		t.Errorf("expected PAT to be reinserted at least once beyond the initial copy, got %d occurrences", patCount)
	}
}
