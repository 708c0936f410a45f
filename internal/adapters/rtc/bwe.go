package rtc

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/callserver/internal/app/sfu"
	"github.com/dkeye/callserver/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/gcc"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

const (
	TransportCCURI = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
	transportCCID  = 3

	defaultOutgoingBitrate = 600_000
)

// downlinkBwe runs a send side congestion controller for the consumers of
// one transport. Outgoing packets are stamped with a transport-wide sequence
// number; the client answers with transport-cc feedback, which moves the
// target bitrate.
type downlinkBwe struct {
	bwe    *gcc.SendSideBWE
	logger zerolog.Logger
	now    func() time.Time

	seq  atomic.Uint32
	sent atomic.Int64 // bytes since the last trace

	mu        sync.Mutex
	onTrace   func(domain.BweTrace)
	lastTrace time.Time
}

func newDownlinkBwe(initialBitrate int, logger zerolog.Logger) (*downlinkBwe, error) {
	if initialBitrate <= 0 {
		initialBitrate = defaultOutgoingBitrate
	}
	bwe, err := gcc.NewSendSideBWE(
		gcc.SendSideBWEInitialBitrate(initialBitrate),
		gcc.SendSideBWEPacer(gcc.NewNoOpPacer()),
	)
	if err != nil {
		return nil, err
	}
	d := &downlinkBwe{bwe: bwe, logger: logger, now: time.Now}
	d.lastTrace = d.now()
	bwe.OnTargetBitrateChange(d.targetChanged)
	return d, nil
}

func (d *downlinkBwe) OnTrace(fn func(domain.BweTrace)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onTrace = fn
}

// targetChanged reports the new available bitrate together with the media
// rate offered to the transport since the previous trace.
func (d *downlinkBwe) targetChanged(available int) {
	d.mu.Lock()
	now := d.now()
	elapsed := now.Sub(d.lastTrace)
	d.lastTrace = now
	fn := d.onTrace
	d.mu.Unlock()

	bytes := d.sent.Swap(0)
	desired := 0
	if elapsed > 0 {
		desired = int(float64(bytes*8) / elapsed.Seconds())
	}
	if fn != nil {
		fn(domain.BweTrace{
			DesiredBitrate:          desired,
			EffectiveDesiredBitrate: min(desired, available),
			AvailableBitrate:        available,
		})
	}
}

// feedback passes transport-cc reports to the controller; other RTCP is ignored.
func (d *downlinkBwe) feedback(pkts []rtcp.Packet) {
	if !slices.ContainsFunc(pkts, isTransportCC) {
		return
	}
	if err := d.bwe.WriteRTCP(pkts, nil); err != nil {
		d.logger.Debug().Err(err).Msg("transport-cc feedback")
	}
}

func isTransportCC(p rtcp.Packet) bool {
	_, ok := p.(*rtcp.TransportLayerCC)
	return ok
}

// stream registers an outgoing stream and returns the writer the relay feeds.
func (d *downlinkBwe) stream(ssrc uint32, w sfu.Writer) sfu.Writer {
	info := &interceptor.StreamInfo{
		SSRC:                ssrc,
		RTPHeaderExtensions: []interceptor.RTPHeaderExtension{{URI: TransportCCURI, ID: transportCCID}},
	}
	out := d.bwe.AddStream(info, interceptor.RTPWriterFunc(
		func(h *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
			if err := w.WriteRTP(&rtp.Packet{Header: *h, Payload: payload}); err != nil {
				return 0, err
			}
			return len(payload), nil
		}))
	return &bweStream{d: d, ssrc: ssrc, out: out}
}

func (d *downlinkBwe) Close() {
	if err := d.bwe.Close(); err != nil {
		d.logger.Debug().Err(err).Msg("close bandwidth estimator")
	}
}

type bweStream struct {
	d    *downlinkBwe
	ssrc uint32
	out  interceptor.RTPWriter
}

// WriteRTP leaves p untouched; relays share one packet between consumers.
func (s *bweStream) WriteRTP(p *rtp.Packet) error {
	h := p.Header
	h.SSRC = s.ssrc
	h.Extensions = slices.Clone(p.Header.Extensions)
	ext, err := rtp.TransportCCExtension{TransportSequence: uint16(s.d.seq.Add(1))}.Marshal()
	if err != nil {
		return err
	}
	if err := h.SetExtension(transportCCID, ext); err != nil {
		return err
	}
	s.d.sent.Add(int64(h.MarshalSize() + len(p.Payload)))
	_, err = s.out.Write(&h, p.Payload, nil)
	return err
}
