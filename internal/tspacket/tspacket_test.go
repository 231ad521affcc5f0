package tspacket

import "testing"

func blankPacket(pid uint16, adaptation bool, payload bool) []byte {
	p := make([]byte, Size)
	p[0] = SyncByte
	p[1] = byte(pid >> 8 & 0x1F)
	p[2] = byte(pid)
	ac := byte(0)
	switch {
	case adaptation && payload:
		ac = 0x03
	case adaptation && !payload:
		ac = 0x02
	case !adaptation && payload:
		ac = 0x01
	}
	p[3] = ac << 4
	if adaptation {
		p[4] = byte(Size - 5) // fill remainder as adaptation stuffing
		for i := 5; i < Size; i++ {
			p[i] = 0xFF
		}
		p[5] = 0x00 // adaptation flags byte: no flags set
	}
	return p
}

func withPCR(p []byte, pcr uint64) []byte {
	p[4] = 7 // adaptation_field_length covers flags+6 PCR bytes
	p[5] = 0x10
	SetPCR(p, pcr)
	return p
}

func TestPIDRoundTrip(t *testing.T) {
	tests := []uint16{0x0000, 0x0010, 0x0011, 0x1FFF, 0x0100}
	for _, pid := range tests {
		p := blankPacket(pid, false, true)
		if got := PID(p); got != pid {
			t.Errorf("PID() = %#x, want %#x", got, pid)
		}
	}
}

func TestContinuityCounterWrap(t *testing.T) {
	p := blankPacket(0x0100, false, true)
	SetContinuityCounter(p, 15)
	if got := ContinuityCounter(p); got != 15 {
		t.Fatalf("ContinuityCounter() = %d, want 15", got)
	}
	SetContinuityCounter(p, (15+1)%16)
	if got := ContinuityCounter(p); got != 0 {
		t.Fatalf("ContinuityCounter() = %d, want 0 after wrap", got)
	}
}

func TestHasAdaptationAndPayload(t *testing.T) {
	cases := []struct {
		name               string
		adaptation, payload bool
	}{
		{"payload-only", false, true},
		{"adaptation-only", true, false},
		{"both", true, true},
	}
	for _, c := range cases {
		p := blankPacket(0x0100, c.adaptation, c.payload)
		if got := HasAdaptation(p); got != c.adaptation {
			t.Errorf("%s: HasAdaptation() = %v, want %v", c.name, got, c.adaptation)
		}
		if got := HasPayload(p); got != c.payload {
			t.Errorf("%s: HasPayload() = %v, want %v", c.name, got, c.payload)
		}
	}
}

func TestPCRRoundTrip(t *testing.T) {
	p := blankPacket(0x0100, true, true)
	const want = uint64(1234567890123) % (1 << 42)
	withPCR(p, want)
	if !HasPCR(p) {
		t.Fatal("HasPCR() = false, want true")
	}
	got, ok := PCR(p)
	if !ok {
		t.Fatal("PCR() ok = false")
	}
	if got != want {
		t.Errorf("PCR() = %d, want %d", got, want)
	}
}

func TestDiscontinuityIndicator(t *testing.T) {
	p := blankPacket(0x0100, true, true)
	if DiscontinuityIndicator(p) {
		t.Fatal("expected discontinuity_indicator clear on fresh packet")
	}
	if !SetDiscontinuityIndicator(p, true) {
		t.Fatal("SetDiscontinuityIndicator() = false, want true (has adaptation field)")
	}
	if !DiscontinuityIndicator(p) {
		t.Fatal("expected discontinuity_indicator set")
	}
	if !SetDiscontinuityIndicator(p, false) {
		t.Fatal("SetDiscontinuityIndicator(false) = false")
	}
	if DiscontinuityIndicator(p) {
		t.Fatal("expected discontinuity_indicator cleared")
	}
}

func TestSetDiscontinuityIndicatorNoAdaptation(t *testing.T) {
	p := blankPacket(0x0100, false, true)
	if SetDiscontinuityIndicator(p, true) {
		t.Fatal("SetDiscontinuityIndicator() = true on packet without adaptation field")
	}
}

func TestCloneIndependence(t *testing.T) {
	p := blankPacket(0x0100, false, true)
	clone := Clone(p)
	SetContinuityCounter(p, 5)
	if ContinuityCounter(clone) == 5 {
		t.Fatal("Clone() shares backing array with original")
	}
}

func TestSplitAndTruncate(t *testing.T) {
	raw := make([]byte, Size*3+10)
	for i := 0; i < 3; i++ {
		raw[i*Size] = SyncByte
	}
	packets := Split(raw)
	if len(packets) != 3 {
		t.Fatalf("Split() returned %d packets, want 3", len(packets))
	}
	truncated := TruncateToPacketBoundary(raw)
	if len(truncated) != Size*3 {
		t.Fatalf("TruncateToPacketBoundary() len = %d, want %d", len(truncated), Size*3)
	}
}

func TestValid(t *testing.T) {
	p := blankPacket(0x0100, false, true)
	if !Valid(p) {
		t.Fatal("Valid() = false for well-formed packet")
	}
	bad := append([]byte(nil), p...)
	bad[0] = 0x00
	if Valid(bad) {
		t.Fatal("Valid() = true without sync byte")
	}
	if Valid(p[:100]) {
		t.Fatal("Valid() = true for short slice")
	}
}
