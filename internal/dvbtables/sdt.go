package dvbtables

const tableIDSDT = 0x42
const descriptorTagService = 0x48

// BuildSDT returns the TS packets for the Service Description Table
// (actual TS, table_id 0x42). cc is the caller-owned continuity counter for
// PID 0x0011.
func BuildSDT(services []Service, transportStreamID, originalNetworkID uint16, version uint8, cc *uint8) [][]byte {
	body := make([]byte, 0, 16+16*len(services))
	body = append(body, byte(transportStreamID>>8), byte(transportStreamID))
	body = append(body, versionByte(version))
	body = append(body, 0x00, 0x00) // section_number, last_section_number
	body = append(body, byte(originalNetworkID>>8), byte(originalNetworkID))
	body = append(body, 0xFF) // reserved_future_use

	for _, svc := range services {
		body = append(body, byte(svc.ServiceID>>8), byte(svc.ServiceID))
		body = append(body, 0xFC) // reserved(6) + EIT_schedule=0 + EIT_present_following=0

		desc := serviceDescriptor(svc)
		loopLen := len(desc)
		// running_status(3)=100 (running) + free_CA_mode(1)=0 + descriptors_loop_length(12)
		body = append(body, 0x80|byte((loopLen>>8)&0x0F), byte(loopLen))
		body = append(body, desc...)
	}

	section := buildSection(tableIDSDT, body)
	return packSection(PIDSDT, section, cc)
}

// serviceDescriptor builds a single service_descriptor (tag 0x48) carrying
// service_type, provider_name and service_name, each DVB-encoded.
func serviceDescriptor(svc Service) []byte {
	provider := EncodeDVBString(svc.Provider)
	name := EncodeDVBString(svc.Name)
	d := make([]byte, 0, 3+len(provider)+len(name))
	d = append(d, svc.ServiceType)
	d = append(d, byte(len(provider)))
	d = append(d, provider...)
	d = append(d, byte(len(name)))
	d = append(d, name...)

	out := make([]byte, 0, 2+len(d))
	out = append(out, descriptorTagService, byte(len(d)))
	out = append(out, d...)
	return out
}

// EncodeDVBString encodes s as DVB text per ETSI EN 300 468 annex A: plain
// ISO/IEC 6937 bytes with no character-table selector byte, which is correct
// for strings that are already within the default Latin alphabet subset
// this gateway's operator-supplied names use.
func EncodeDVBString(s string) []byte {
	return []byte(s)
}
