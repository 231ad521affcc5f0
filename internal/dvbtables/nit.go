package dvbtables

const tableIDNIT = 0x40
const descriptorTagNetworkName = 0x40

// BuildNIT returns the TS packets for the Network Information Table (actual
// network, table_id 0x40), carrying a network_name descriptor and a single
// transport_stream_loop entry for this TS. The entry has no descriptors, so
// service IDs are not listed in the NIT. cc is the caller-owned continuity
// counter for PID 0x0010.
func BuildNIT(services []Service, networkID, transportStreamID, originalNetworkID uint16, networkName string, version uint8, cc *uint8) [][]byte {
	nameDesc := networkNameDescriptor(networkName)

	body := make([]byte, 0, 32)
	body = append(body, byte(networkID>>8), byte(networkID))
	body = append(body, versionByte(version))
	body = append(body, 0x00, 0x00) // section_number, last_section_number
	body = append(body, 0xF0|byte((len(nameDesc)>>8)&0x0F), byte(len(nameDesc)))
	body = append(body, nameDesc...)

	tsLoop := transportStreamLoop(services, transportStreamID, originalNetworkID)
	body = append(body, 0xF0|byte((len(tsLoop)>>8)&0x0F), byte(len(tsLoop)))
	body = append(body, tsLoop...)

	section := buildSection(tableIDNIT, body)
	return packSection(PIDNIT, section, cc)
}

func networkNameDescriptor(name string) []byte {
	enc := EncodeDVBString(name)
	out := make([]byte, 0, 2+len(enc))
	out = append(out, descriptorTagNetworkName, byte(len(enc)))
	out = append(out, enc...)
	return out
}

// transportStreamLoop builds the single transport_stream_loop entry for this
// TS. It carries no service_list_descriptor (Non-goal: EIT/full SI detail);
// downstream equipment sees the TS and its services via the PAT/SDT instead.
func transportStreamLoop(services []Service, transportStreamID, originalNetworkID uint16) []byte {
	_ = services
	out := make([]byte, 0, 6)
	out = append(out, byte(transportStreamID>>8), byte(transportStreamID))
	out = append(out, byte(originalNetworkID>>8), byte(originalNetworkID))
	out = append(out, 0xF0, 0x00) // transport_descriptors_length = 0
	return out
}
