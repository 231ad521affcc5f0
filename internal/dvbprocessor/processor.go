// Package dvbprocessor owns the PSI/SI table state for one transport
// stream: analyzing elementary-stream PIDs, building PAT/PMT/SDT/NIT, and
// deciding where those tables get inserted into the packet stream. Grounded
// on the teacher's tsInspector PID classification (internal/tuner/ts_inspector.go)
// and scaled-down single-mutex serialization matching internal/httpclient's
// host semaphore style.
package dvbprocessor

import (
	"log"
	"sync"

	"github.com/hls2dvb/gateway/internal/dvbtables"
	"github.com/hls2dvb/gateway/internal/tspacket"
)

// minInsertionInterval is the floor on content packets between PAT/PMT
// reinsertions (spec.md §4.5: N = max(50, total/(2*psi_packets))).
const minInsertionInterval = 50

// audioFrequencyThreshold: a non-PCR PID appearing in more than this share
// of content packets is classified as audio rather than private data.
const audioFrequencyThreshold = 0.05

// Processor analyzes segment PIDs and maintains PAT/PMT/SDT/NIT state for a
// single transport stream. The zero value is not usable; construct with New.
type Processor struct {
	mu sync.Mutex

	transportStreamID uint16
	networkID         uint16
	originalNetworkID uint16
	networkName       string

	services map[uint16]dvbtables.Service // keyed by ServiceID

	vPAT, vSDT, vNIT uint8
	vPMT             map[uint16]uint8

	ccPAT, ccSDT, ccNIT uint8
	ccPMT               map[uint16]uint8
}

// New constructs a Processor and runs the equivalent of spec.md §4.5's
// "initialize": it installs the single default service (ID 1, PMT PID
// 0x1000); SetService and RemoveService change the set afterwards.
func New(transportStreamID, networkID, originalNetworkID uint16, networkName string) *Processor {
	p := &Processor{
		transportStreamID: transportStreamID,
		networkID:         networkID,
		originalNetworkID: originalNetworkID,
		networkName:       networkName,
		services:          map[uint16]dvbtables.Service{},
		vPMT:              map[uint16]uint8{},
		ccPMT:             map[uint16]uint8{},
	}
	p.services[1] = defaultService()
	return p
}

func defaultService() dvbtables.Service {
	return dvbtables.Service{
		ServiceID:   1,
		PMTPID:      0x1000,
		Name:        "Service HLS",
		Provider:    "HLS to DVB",
		ServiceType: dvbtables.ServiceTypeDigitalTV,
		Components: map[uint16]uint8{
			0x1001: dvbtables.StreamTypeH264,
			0x1002: dvbtables.StreamTypeMPEG1Audio,
		},
	}
}

// SetService installs or replaces a service definition.
func (p *Processor) SetService(svc dvbtables.Service) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services[svc.ServiceID] = svc
}

// RemoveService deletes a service definition by ID.
func (p *Processor) RemoveService(serviceID uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.services, serviceID)
	delete(p.vPMT, serviceID)
	delete(p.ccPMT, serviceID)
}

// Services returns a snapshot of the current service set.
func (p *Processor) Services() []dvbtables.Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serviceListLocked()
}

func (p *Processor) serviceListLocked() []dvbtables.Service {
	out := make([]dvbtables.Service, 0, len(p.services))
	for _, sid := range orderedServiceIDs(p.services) {
		out = append(out, p.services[sid])
	}
	return out
}

func orderedServiceIDs(services map[uint16]dvbtables.Service) []uint16 {
	ids := make([]uint16, 0, len(services))
	for id := range services {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// UpdatePSITables runs spec.md §4.5's update_psi_tables algorithm: bump
// versions on discontinuity, analyze PIDs, rebuild PAT/PMT/SDT/NIT, strip
// any PSI PIDs already present in the input, and reinsert fresh tables at
// the front plus a periodic reinsertion cadence through the body.
//
// On malformed input (not a multiple of 188 bytes) the segment is returned
// unchanged with a logged warning, per spec.md §4.5 step 2 and the
// TableBuildFailure contract in §7: never drop a segment over a PSI
// failure.
func (p *Processor) UpdatePSITables(segment []byte, discontinuity bool) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(segment)%tspacket.Size != 0 {
		log.Printf("dvbprocessor: segment length %d not a multiple of %d bytes, passing through unchanged", len(segment), tspacket.Size)
		return segment
	}

	if discontinuity {
		p.bumpVersionsLocked()
	}

	packets := tspacket.Split(segment)
	if len(p.services) == 0 {
		p.synthesizeDefaultServiceLocked(packets)
	}

	services := p.serviceListLocked()
	psiPIDs := p.psiPIDSetLocked(services)

	patPackets := dvbtables.BuildPAT(services, p.transportStreamID, p.vPAT, &p.ccPAT)
	sdtPackets := dvbtables.BuildSDT(services, p.transportStreamID, p.originalNetworkID, p.vSDT, &p.ccSDT)
	nitPackets := dvbtables.BuildNIT(services, p.networkID, p.transportStreamID, p.originalNetworkID, p.networkName, p.vNIT, &p.ccNIT)

	pmtPackets := make(map[uint16][][]byte, len(services))
	for _, svc := range services {
		cc := p.ccPMT[svc.ServiceID]
		pmtPackets[svc.ServiceID] = dvbtables.BuildPMT(svc, p.vPMT[svc.ServiceID], &cc)
		p.ccPMT[svc.ServiceID] = cc
	}

	var psi [][]byte
	psi = append(psi, patPackets...)
	psi = append(psi, sdtPackets...)
	psi = append(psi, nitPackets...)
	for _, svc := range services {
		psi = append(psi, pmtPackets[svc.ServiceID]...)
	}

	var content [][]byte
	for _, pkt := range packets {
		if _, stripped := psiPIDs[tspacket.PID(pkt)]; stripped {
			continue
		}
		content = append(content, pkt)
	}

	interval := minInsertionInterval
	if len(psi) > 0 {
		if n := len(content) / (2 * len(psi)); n > interval {
			interval = n
		}
	}

	out := make([][]byte, 0, len(psi)+len(content)+len(content)/interval*(len(patPackets)+len(pmtPackets)))
	out = append(out, psi...)
	for i, pkt := range content {
		out = append(out, pkt)
		if (i+1)%interval == 0 {
			out = append(out, patPackets...)
			for _, svc := range services {
				out = append(out, pmtPackets[svc.ServiceID]...)
			}
		}
	}

	result := make([]byte, 0, len(out)*tspacket.Size)
	for _, pkt := range out {
		result = append(result, pkt...)
	}
	return result
}

func (p *Processor) bumpVersionsLocked() {
	p.vPAT = (p.vPAT + 1) % 32
	p.vSDT = (p.vSDT + 1) % 32
	p.vNIT = (p.vNIT + 1) % 32
	for sid := range p.vPMT {
		p.vPMT[sid] = (p.vPMT[sid] + 1) % 32
	}
	for sid := range p.services {
		if _, ok := p.vPMT[sid]; !ok {
			p.vPMT[sid] = 0
		}
	}
}

func (p *Processor) psiPIDSetLocked(services []dvbtables.Service) map[uint16]struct{} {
	set := map[uint16]struct{}{
		dvbtables.PIDPAT: {},
		dvbtables.PIDNIT: {},
		dvbtables.PIDSDT: {},
		dvbtables.PIDEIT: {},
	}
	for _, svc := range services {
		set[svc.PMTPID] = struct{}{}
	}
	return set
}

// synthesizeDefaultServiceLocked implements spec.md §4.5 step 3's fallback:
// when no services are configured, invent one from the PIDs actually
// observed in this segment. Per the open question in spec.md §9, when more
// than one apparent program's worth of PIDs is observed, all discovered
// components are kept under the single synthetic service rather than
// split or rejected — documented in DESIGN.md.
func (p *Processor) synthesizeDefaultServiceLocked(packets [][]byte) {
	freq := map[uint16]int{}
	carriesPCR := map[uint16]bool{}
	total := 0
	for _, pkt := range packets {
		pid := tspacket.PID(pkt)
		if isReservedOrPSIPID(pid) {
			continue
		}
		total++
		freq[pid]++
		if tspacket.HasPCR(pkt) {
			carriesPCR[pid] = true
		}
	}

	components := map[uint16]uint8{}
	for pid, count := range freq {
		switch {
		case carriesPCR[pid]:
			components[pid] = dvbtables.StreamTypeH264
		case total > 0 && float64(count)/float64(total) > audioFrequencyThreshold:
			components[pid] = dvbtables.StreamTypeAAC
		default:
			components[pid] = 0x06 // private data, stream_type unspecified
		}
	}
	if len(components) == 0 {
		components = defaultService().Components
	}

	p.services[1] = dvbtables.Service{
		ServiceID:   1,
		PMTPID:      0x1000,
		Name:        "Service HLS",
		Provider:    "HLS to DVB",
		ServiceType: dvbtables.ServiceTypeDigitalTV,
		Components:  components,
	}
}

func isReservedOrPSIPID(pid uint16) bool {
	if pid < 0x20 {
		return true
	}
	switch pid {
	case dvbtables.PIDPAT, dvbtables.PIDNIT, dvbtables.PIDSDT, dvbtables.PIDEIT:
		return true
	}
	return false
}
