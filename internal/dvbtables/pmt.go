package dvbtables

const tableIDPMT = 0x02

// descriptorForStreamType returns the elementary-stream descriptor bytes for
// a component's stream_type per spec.md §4.4. Unknown types get no
// descriptor (nil).
func descriptorForStreamType(streamType uint8) []byte {
	switch streamType {
	case StreamTypeMPEG2Video:
		// video_stream_descriptor (tag 0x02): minimal flags, no profile info.
		return []byte{0x02, 0x01, 0x00}
	case StreamTypeH264:
		// AVC_video_descriptor (tag 0x28): profile/level left at zero, the
		// decoder derives the real values from the bitstream itself.
		return []byte{0x28, 0x04, 0x00, 0x00, 0x00, 0x00}
	case StreamTypeHEVC:
		// HEVC_video_descriptor (tag 0x38).
		return []byte{0x38, 0x0D, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	case StreamTypeMPEG1Audio, StreamTypeMPEG2Audio:
		// audio_stream_descriptor (tag 0x03).
		return []byte{0x03, 0x01, 0x00}
	case StreamTypeAAC:
		// audio_stream_descriptor reused for AAC; absent a dedicated AAC
		// descriptor this still signals "an audio elementary stream".
		return []byte{0x03, 0x01, 0x00}
	default:
		return nil
	}
}

// BuildPMT returns the TS packets for one service's Program Map Table.
// cc is the caller-owned continuity counter for the service's PMT PID.
func BuildPMT(svc Service, version uint8, cc *uint8) [][]byte {
	pcrPID := svc.PCRPID()

	body := make([]byte, 0, 64)
	body = append(body, byte(svc.ServiceID>>8), byte(svc.ServiceID))
	body = append(body, versionByte(version))
	body = append(body, 0x00, 0x00) // section_number, last_section_number
	hi, lo := pidField(0xE0, pcrPID)
	body = append(body, hi, lo)
	body = append(body, 0xF0, 0x00) // program_info_length = 0

	for _, pid := range orderedComponentPIDs(svc.Components) {
		streamType := svc.Components[pid]
		desc := descriptorForStreamType(streamType)
		esHi, esLo := pidField(0xE0, pid)
		body = append(body, streamType, esHi, esLo)
		esInfoLen := len(desc)
		body = append(body, 0xF0|byte((esInfoLen>>8)&0x0F), byte(esInfoLen))
		body = append(body, desc...)
	}

	section := buildSection(tableIDPMT, body)
	return packSection(svc.PMTPID, section, cc)
}

func orderedComponentPIDs(components map[uint16]uint8) []uint16 {
	pids := make([]uint16, 0, len(components))
	for pid := range components {
		pids = append(pids, pid)
	}
	for i := 1; i < len(pids); i++ {
		for j := i; j > 0 && pids[j-1] > pids[j]; j-- {
			pids[j-1], pids[j] = pids[j], pids[j-1]
		}
	}
	return pids
}
