package dvbtables

const tableIDPAT = 0x00

// BuildPAT returns the TS packets for a Program Association Table listing
// one program per service, each pointing at that service's PMT PID.
// transportStreamID identifies this TS; version is the PAT version (mod 32).
// cc is the caller-owned continuity counter for PID 0x0000; it is advanced
// in place by one per packet emitted.
func BuildPAT(services []Service, transportStreamID uint16, version uint8, cc *uint8) [][]byte {
	body := make([]byte, 0, 5+4*len(services))
	body = append(body, byte(transportStreamID>>8), byte(transportStreamID))
	body = append(body, versionByte(version))
	body = append(body, 0x00, 0x00) // section_number, last_section_number

	for _, svc := range services {
		body = append(body, byte(svc.ServiceID>>8), byte(svc.ServiceID))
		hi, lo := pidField(0xE0, svc.PMTPID)
		body = append(body, hi, lo)
	}

	section := buildSection(tableIDPAT, body)
	return packSection(PIDPAT, section, cc)
}
