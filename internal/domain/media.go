package domain

import "strings"

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

// Matches reports whether two codecs describe the same media format.
func (c RtpCodecCapability) Matches(mimeType string, clockRate uint32, channels uint16) bool {
	if !strings.EqualFold(c.MimeType, mimeType) || c.ClockRate != clockRate {
		return false
	}
	if c.Kind == MediaKindAudio || strings.HasPrefix(strings.ToLower(mimeType), "audio/") {
		return normChannels(c.Channels) == normChannels(channels)
	}
	return true
}

func normChannels(ch uint16) uint16 {
	if ch == 0 {
		return 1
	}
	return ch
}

type RtpHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
	Direction   string    `json:"direction,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RtxParameters struct {
	SSRC uint32 `json:"ssrc"`
}

type RtpEncodingParameters struct {
	SSRC       uint32         `json:"ssrc,omitempty"`
	RID        string         `json:"rid,omitempty"`
	Rtx        *RtxParameters `json:"rtx,omitempty"`
	MaxBitrate int            `json:"maxBitrate,omitempty"`
	Dtx        bool           `json:"dtx,omitempty"`
}

type RtcpParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize"`
}

type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp"`
}

// HeaderExtensionID returns the negotiated id of uri, or 0.
func (p RtpParameters) HeaderExtensionID(uri string) int {
	for _, ext := range p.HeaderExtensions {
		if ext.URI == uri {
			return ext.ID
		}
	}
	return 0
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

type SctpCapabilities struct {
	NumStreams struct {
		OS  int `json:"OS"`
		MIS int `json:"MIS"`
	} `json:"numStreams"`
}

type ProducerScore struct {
	EncodingIdx int    `json:"encodingIdx"`
	SSRC        uint32 `json:"ssrc"`
	RID         string `json:"rid,omitempty"`
	Score       int    `json:"score"`
}

type ConsumerScore struct {
	Score          int   `json:"score"`
	ProducerScore  int   `json:"producerScore"`
	ProducerScores []int `json:"producerScores"`
}

type ConsumerLayers struct {
	SpatialLayer  int  `json:"spatialLayer"`
	TemporalLayer *int `json:"temporalLayer,omitempty"`
}

// BweTrace is an outgoing bandwidth estimation sample of a transport.
type BweTrace struct {
	DesiredBitrate          int `json:"desiredBitrate"`
	EffectiveDesiredBitrate int `json:"effectiveDesiredBitrate"`
	AvailableBitrate        int `json:"availableBitrate"`
}
