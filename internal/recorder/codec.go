package recorder

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"
)

// Codec is one live-capture encoding the engine may negotiate.
type Codec struct {
	Name       string
	Capability webrtc.RTPCodecCapability
	Container  string // mime type of the finalized asset
	Extension  string
	Format     string // ffmpeg muxer
	Video      string // ffmpeg video encoder
	Audio      string // ffmpeg audio encoder
}

var knownCodecs = map[string]Codec{
	"vp9": {
		Name:       "vp9",
		Capability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000},
		Container:  "video/webm",
		Extension:  ".webm",
		Format:     "webm",
		Video:      "libvpx-vp9",
		Audio:      "libopus",
	},
	"vp8": {
		Name:       "vp8",
		Capability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		Container:  "video/webm",
		Extension:  ".webm",
		Format:     "webm",
		Video:      "libvpx",
		Audio:      "libopus",
	},
	"h264": {
		Name:       "h264",
		Capability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		Container:  "video/x-matroska",
		Extension:  ".mkv",
		Format:     "matroska",
		Video:      "libx264",
		Audio:      "aac",
	},
}

// ParseCodecs resolves configured codec names (case-insensitive, either the
// short name or the RTP mime type such as video/VP9) in negotiation order.
func ParseCodecs(names []string) ([]Codec, error) {
	out := make([]Codec, 0, len(names))
	seen := make(map[string]bool)
	for _, n := range names {
		c, ok := lookupCodec(n)
		if !ok {
			return nil, fmt.Errorf("unknown codec %q", n)
		}
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no codecs configured")
	}
	return out, nil
}

func lookupCodec(name string) (Codec, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if c, ok := knownCodecs[name]; ok {
		return c, true
	}
	for _, c := range knownCodecs {
		if strings.EqualFold(c.Capability.MimeType, name) {
			return c, true
		}
	}
	return Codec{}, false
}
