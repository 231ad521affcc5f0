// Package playlist decodes M3U8 bodies via github.com/mogiioin/hls-m3u8 and
// projects the result into domain shapes so the rest of the pipeline never
// imports the upstream library's types directly.
package playlist

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/mogiioin/hls-m3u8/m3u8"
)

// Variant is one rendition listed in a master playlist.
type Variant struct {
	URL        string
	Bandwidth  uint32
	Codecs     string
	Width      int
	Height     int
}

// MasterPlaylist lists the variants of an HLS stream.
type MasterPlaylist struct {
	Variants []Variant
}

// MediaSegment is one segment line of a media playlist.
type MediaSegment struct {
	URL                 string
	Duration            float64
	DiscontinuityBefore bool
}

// MediaPlaylist lists the segments of one HLS rendition.
type MediaPlaylist struct {
	Segments       []MediaSegment
	HasEndlist     bool
	MediaSequence  uint64
}

// Parse decodes body (relative to baseURL for later URL resolution) and
// returns exactly one of a *MasterPlaylist or *MediaPlaylist. A playlist is
// a master iff the underlying decoder classifies it as m3u8.MASTER, which
// happens precisely when a STREAM-INF tag is present.
func Parse(body []byte, baseURL string) (master *MasterPlaylist, media *MediaPlaylist, err error) {
	buf := bytes.NewBuffer(body)
	pl, listType, err := m3u8.Decode(*buf, false)
	if err != nil {
		return nil, nil, err
	}
	switch listType {
	case m3u8.MASTER:
		mp, ok := pl.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, nil, errNotMaster
		}
		return projectMaster(mp, baseURL), nil, nil
	case m3u8.MEDIA:
		mp, ok := pl.(*m3u8.MediaPlaylist)
		if !ok {
			return nil, nil, errNotMedia
		}
		return nil, projectMedia(mp, baseURL), nil
	default:
		return nil, nil, errUnknownType
	}
}

func projectMaster(mp *m3u8.MasterPlaylist, baseURL string) *MasterPlaylist {
	out := &MasterPlaylist{}
	for _, v := range mp.Variants {
		if v == nil || v.Iframe {
			continue
		}
		if v.Bandwidth == 0 {
			// BANDWIDTH is required; a variant missing it is rejected.
			continue
		}
		w, h := parseResolution(v.Resolution)
		out.Variants = append(out.Variants, Variant{
			URL:       ResolveURL(baseURL, v.URI),
			Bandwidth: v.Bandwidth,
			Codecs:    v.Codecs,
			Width:     w,
			Height:    h,
		})
	}
	return out
}

func projectMedia(mp *m3u8.MediaPlaylist, baseURL string) *MediaPlaylist {
	out := &MediaPlaylist{
		HasEndlist:    mp.Closed,
		MediaSequence: mp.SeqNo,
	}
	for _, seg := range mp.Segments {
		if seg == nil || seg.URI == "" {
			continue
		}
		out.Segments = append(out.Segments, MediaSegment{
			URL:                 ResolveURL(baseURL, seg.URI),
			Duration:            seg.Duration,
			DiscontinuityBefore: seg.Discontinuity,
		})
	}
	return out
}

func parseResolution(s string) (int, int) {
	parts := strings.SplitN(s, "x", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return w, h
}
