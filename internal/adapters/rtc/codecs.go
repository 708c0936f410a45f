package rtc

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/dkeye/callserver/internal/domain"
	"github.com/pion/webrtc/v4"
)

const (
	AudioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	audioLevelID  = 1

	firstDynamicPayloadType = 100
)

var videoFeedback = []domain.RtcpFeedback{
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "goog-remb"},
	{Type: "transport-cc"},
}

// BuildCapabilities assigns payload types to the configured codecs and adds
// the header extensions the router understands.
func BuildCapabilities(codecs []domain.RtpCodecCapability) (domain.RtpCapabilities, error) {
	caps := domain.RtpCapabilities{
		Codecs: make([]domain.RtpCodecCapability, 0, len(codecs)),
		HeaderExtensions: []domain.RtpHeaderExtension{
			{Kind: domain.MediaKindAudio, URI: AudioLevelURI, PreferredID: audioLevelID, Direction: "sendrecv"},
			{Kind: domain.MediaKindAudio, URI: TransportCCURI, PreferredID: transportCCID, Direction: "sendrecv"},
			{Kind: domain.MediaKindVideo, URI: TransportCCURI, PreferredID: transportCCID, Direction: "sendrecv"},
		},
	}
	pt := uint8(firstDynamicPayloadType)
	for _, c := range codecs {
		kind := c.Kind
		if kind == "" {
			kind = kindOfMime(c.MimeType)
		}
		if kind != domain.MediaKindAudio && kind != domain.MediaKindVideo {
			return domain.RtpCapabilities{}, fmt.Errorf("codec %q: unknown kind", c.MimeType)
		}
		if c.ClockRate == 0 {
			return domain.RtpCapabilities{}, fmt.Errorf("codec %q: missing clock rate", c.MimeType)
		}
		if pt > 127 {
			return domain.RtpCapabilities{}, fmt.Errorf("too many codecs")
		}
		c.Kind = kind
		c.PreferredPayloadType = pt
		if kind == domain.MediaKindVideo && len(c.RtcpFeedback) == 0 {
			c.RtcpFeedback = slices.Clone(videoFeedback)
		}
		caps.Codecs = append(caps.Codecs, c)
		pt++
	}
	return caps, nil
}

func kindOfMime(mime string) domain.MediaKind {
	kind, _, _ := strings.Cut(strings.ToLower(mime), "/")
	return domain.MediaKind(kind)
}

// fmtpLine renders codec parameters the way SDP carries them, keys sorted.
func fmtpLine(params map[string]any) string {
	parts := make([]string, 0, len(params))
	for _, k := range slices.Sorted(maps.Keys(params)) {
		parts = append(parts, k+"="+formatParam(params[k]))
	}
	return strings.Join(parts, ";")
}

func formatParam(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func pionFeedback(fb []domain.RtcpFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func pionCodecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.MediaKindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func pionCapability(c domain.RtpCodecCapability) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: pionFeedback(c.RtcpFeedback),
	}
}

// newMediaEngine registers the router capabilities with pion.
func newMediaEngine(caps domain.RtpCapabilities) (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range caps.Codecs {
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: pionCapability(c),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}
		if err := m.RegisterCodec(params, pionCodecType(c.Kind)); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}
	for _, ext := range caps.HeaderExtensions {
		if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext.URI}, pionCodecType(ext.Kind)); err != nil {
			return nil, fmt.Errorf("register header extension %s: %w", ext.URI, err)
		}
	}
	return m, nil
}

// matchCodec finds the codec of caps that can carry a stream encoded with c.
func matchCodec(c domain.RtpCodecParameters, caps domain.RtpCapabilities) (domain.RtpCodecCapability, bool) {
	for _, cc := range caps.Codecs {
		if cc.Matches(c.MimeType, c.ClockRate, c.Channels) {
			return cc, true
		}
	}
	return domain.RtpCodecCapability{}, false
}

// canConsume reports whether any codec of a producer is understood by caps.
func canConsume(params domain.RtpParameters, caps domain.RtpCapabilities) bool {
	for _, c := range params.Codecs {
		if isRtx(c.MimeType) {
			continue
		}
		if _, ok := matchCodec(c, caps); ok {
			return true
		}
	}
	return false
}

func isRtx(mime string) bool {
	return strings.HasSuffix(strings.ToLower(mime), "/rtx")
}

// mainCodec is the first non-RTX codec of params.
func mainCodec(params domain.RtpParameters) (domain.RtpCodecParameters, bool) {
	for _, c := range params.Codecs {
		if !isRtx(c.MimeType) {
			return c, true
		}
	}
	return domain.RtpCodecParameters{}, false
}
