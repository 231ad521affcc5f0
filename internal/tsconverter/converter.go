// Package tsconverter turns raw HLS segment bytes into DVB-ready MPEG-TS
// segments: continuity-counter rewriting and PCR discontinuity flagging,
// grounded on the teacher's passive PID/PCR bookkeeping in
// internal/tuner/ts_inspector.go (tsPIDStats, recordTickGeneric, parseTSPCR),
// adapted here from observation to active rewriting, then handed to a
// dvbprocessor.Processor for PSI/SI insertion.
package tsconverter

import (
	"errors"
	"fmt"
	"log"

	"github.com/hls2dvb/gateway/internal/dvbprocessor"
	"github.com/hls2dvb/gateway/internal/tspacket"
)

// ErrInvalidSegment is returned when a segment has no usable 188-byte
// packets at all (spec.md §7's InvalidSegment kind).
var ErrInvalidSegment = errors.New("tsconverter: segment has no complete 188-byte packets")

// maxPCR is the largest value a 42-bit PCR (33-bit base, 9-bit extension)
// can hold before it wraps to zero.
const maxPCR = (uint64(1)<<33 - 1) * 300 + 299

// wrapMargin bounds how close the previous PCR must be to maxPCR for a
// smaller successor to be treated as a legitimate wraparound rather than a
// backwards jump, per spec.md §4.6's "warn if PCR went backwards outside wrap".
const wrapMargin = maxPCR / 10

// Converter rewrites continuity counters and PCR discontinuity flags for one
// stream, then runs the result through a Processor for PSI/SI maintenance.
// State (the continuity-counter map and PCR bookkeeping) is exclusively
// owned by one pipeline, matching spec.md §3's ownership rule.
type Converter struct {
	processor *dvbprocessor.Processor

	ccByPID map[uint16]uint8
	seenPID map[uint16]bool
	pcrPID  uint16
	lastPCR uint64
	havePCR bool

	reissuedThisSegment map[uint16]bool
}

// New constructs a Converter bound to processor. pcrPID starts at the null
// PID sentinel (0x1FFF) until the first PCR-bearing PID is observed.
func New(processor *dvbprocessor.Processor) *Converter {
	return &Converter{
		processor: processor,
		ccByPID:   map[uint16]uint8{},
		seenPID:   map[uint16]bool{},
		pcrPID:    tspacket.NullPID,
	}
}

// Convert runs spec.md §4.6's per-segment algorithm: truncate to a packet
// boundary, rewrite continuity counters, flag the first PCR after a
// discontinuity, then hand the result to the Processor.
func (c *Converter) Convert(raw []byte, discontinuity bool) ([]byte, error) {
	truncated := tspacket.TruncateToPacketBoundary(raw)
	if len(truncated) == 0 {
		return nil, fmt.Errorf("%w: input length %d", ErrInvalidSegment, len(raw))
	}

	packets := tspacket.Split(truncated)
	c.reissuedThisSegment = map[uint16]bool{}

	if c.pcrPID == tspacket.NullPID {
		for _, pkt := range packets {
			if tspacket.HasPCR(pkt) {
				c.pcrPID = tspacket.PID(pkt)
				break
			}
		}
	}

	firstPCRFlagged := false
	out := make([]byte, 0, len(truncated))
	for _, pkt := range packets {
		pkt = tspacket.Clone(pkt)
		pid := tspacket.PID(pkt)
		if pid == tspacket.NullPID {
			out = append(out, pkt...)
			continue
		}

		if tspacket.HasPayload(pkt) {
			resetCC := !c.seenPID[pid] || (discontinuity && !c.reissuedThisSegment[pid])
			if resetCC {
				c.ccByPID[pid] = 0
				c.reissuedThisSegment[pid] = true
			} else {
				c.ccByPID[pid] = (c.ccByPID[pid] + 1) % 16
			}
			c.seenPID[pid] = true
			tspacket.SetContinuityCounter(pkt, c.ccByPID[pid])
		}

		if tspacket.HasPCR(pkt) {
			if discontinuity && !firstPCRFlagged {
				tspacket.SetDiscontinuityIndicator(pkt, true)
				firstPCRFlagged = true
			}
			if pcr, ok := tspacket.PCR(pkt); ok {
				if c.havePCR && pcr < c.lastPCR && c.lastPCR < maxPCR-wrapMargin {
					log.Printf("tsconverter: PCR went backwards on PID %d: %d -> %d", pid, c.lastPCR, pcr)
				}
				c.havePCR = true
				c.lastPCR = pcr
			}
		}

		out = append(out, pkt...)
	}

	return c.processor.UpdatePSITables(out, discontinuity), nil
}

// LastPCR returns the most recently observed PCR value and whether one has
// been seen yet.
func (c *Converter) LastPCR() (uint64, bool) {
	return c.lastPCR, c.havePCR
}

// PCRPID returns the PID this converter has locked onto for PCR tracking,
// or the null PID sentinel if none has been observed yet.
func (c *Converter) PCRPID() uint16 {
	return c.pcrPID
}
