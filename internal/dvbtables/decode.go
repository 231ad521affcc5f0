package dvbtables

import "errors"

// ErrShortSection is returned when packet payload does not hold a complete
// section (this gateway never emits split PAT/SDT sections in its own
// builders, but a decoder needs to say so explicitly rather than panic).
var ErrShortSection = errors.New("dvbtables: section truncated across packet boundary")

// sectionPayload extracts the section bytes (after the pointer field) from
// the first packet of a table, mirroring the teacher's tsPayload/syncOffset
// pattern of stripping TS framing before parsing PSI content.
func sectionPayload(packets [][]byte) ([]byte, error) {
	if len(packets) == 0 {
		return nil, ErrShortSection
	}
	first := packets[0]
	if len(first) != packetSize || first[0] != syncByte {
		return nil, ErrShortSection
	}
	pointer := int(first[4])
	body := first[5+pointer:]
	sectionLen := (int(body[1]&0x0F) << 8) | int(body[2])
	if 3+sectionLen <= len(body) {
		return body[:3+sectionLen], nil
	}
	out := make([]byte, 0, 3+sectionLen)
	out = append(out, body...)
	for _, pkt := range packets[1:] {
		if len(out) >= 3+sectionLen {
			break
		}
		out = append(out, pkt[4:]...)
	}
	if len(out) < 3+sectionLen {
		return nil, ErrShortSection
	}
	return out[:3+sectionLen], nil
}

// DecodedPAT is the result of parsing a PAT section back into its logical
// fields, used to verify the builder's round-trip law in tests.
type DecodedPAT struct {
	TransportStreamID uint16
	Version           uint8
	Programs          map[uint16]uint16 // service_id -> pmt_pid
}

// ParsePAT decodes the PAT carried in packets (as returned by BuildPAT).
func ParsePAT(packets [][]byte) (DecodedPAT, error) {
	section, err := sectionPayload(packets)
	if err != nil {
		return DecodedPAT{}, err
	}
	if len(section) < 8 || section[0] != tableIDPAT {
		return DecodedPAT{}, errors.New("dvbtables: not a PAT section")
	}
	out := DecodedPAT{
		TransportStreamID: uint16(section[3])<<8 | uint16(section[4]),
		Version:           (section[5] >> 1) & 0x1F,
		Programs:          map[uint16]uint16{},
	}
	body := section[8 : len(section)-4]
	for i := 0; i+4 <= len(body); i += 4 {
		serviceID := uint16(body[i])<<8 | uint16(body[i+1])
		pmtPID := (uint16(body[i+2])&0x1F)<<8 | uint16(body[i+3])
		out.Programs[serviceID] = pmtPID
	}
	return out, nil
}

// DecodedSDT mirrors DecodedPAT for service descriptions.
type DecodedSDT struct {
	TransportStreamID uint16
	OriginalNetworkID uint16
	Version           uint8
	Services          map[uint16]struct {
		ServiceType uint8
		Provider    string
		Name        string
	}
}

// ParseSDT decodes the SDT carried in packets (as returned by BuildSDT).
func ParseSDT(packets [][]byte) (DecodedSDT, error) {
	section, err := sectionPayload(packets)
	if err != nil {
		return DecodedSDT{}, err
	}
	if len(section) < 11 || section[0] != tableIDSDT {
		return DecodedSDT{}, errors.New("dvbtables: not an SDT section")
	}
	out := DecodedSDT{
		TransportStreamID: uint16(section[3])<<8 | uint16(section[4]),
		Version:           (section[5] >> 1) & 0x1F,
		OriginalNetworkID: uint16(section[8])<<8 | uint16(section[9]),
		Services: map[uint16]struct {
			ServiceType uint8
			Provider    string
			Name        string
		}{},
	}
	body := section[11 : len(section)-4]
	i := 0
	for i+5 <= len(body) {
		serviceID := uint16(body[i])<<8 | uint16(body[i+1])
		loopLen := int(body[i+3]&0x0F)<<8 | int(body[i+4])
		descStart := i + 5
		descEnd := descStart + loopLen
		if descEnd > len(body) {
			break
		}
		desc := body[descStart:descEnd]
		entry := struct {
			ServiceType uint8
			Provider    string
			Name        string
		}{}
		if len(desc) >= 2 && desc[0] == descriptorTagService {
			payload := desc[2:]
			if len(payload) >= 1 {
				entry.ServiceType = payload[0]
				payload = payload[1:]
			}
			if len(payload) >= 1 {
				provLen := int(payload[0])
				payload = payload[1:]
				if provLen <= len(payload) {
					entry.Provider = string(payload[:provLen])
					payload = payload[provLen:]
				}
			}
			if len(payload) >= 1 {
				nameLen := int(payload[0])
				payload = payload[1:]
				if nameLen <= len(payload) {
					entry.Name = string(payload[:nameLen])
				}
			}
		}
		out.Services[serviceID] = entry
		i = descEnd
	}
	return out, nil
}
