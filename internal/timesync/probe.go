package timesync

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"time"
)

var ErrShortResponse = errors.New("timesync: short response")

// Exchange is the device-side result of one probe.
type Exchange struct {
	ClientMS  int64
	ServerMS  int64
	RoundTrip time.Duration
}

// OffsetMS is the device clock minus the hub clock, compensated by half the
// round trip.
func (e Exchange) OffsetMS() float64 {
	return float64(e.ClientMS) + float64(e.RoundTrip.Microseconds())/2000 - float64(e.ServerMS)
}

// EncodeRequest builds the 16-byte probe payload.
func EncodeRequest(clientMS int64, deviceKey uint64) []byte {
	buf := make([]byte, RequestMinLen)
	binary.BigEndian.PutUint64(buf[:8], uint64(clientMS))
	binary.BigEndian.PutUint64(buf[8:], deviceKey)
	return buf
}

// Probe sends one request to addr and waits for the reply.
func Probe(ctx context.Context, addr string, deviceKey uint64) (Exchange, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return Exchange{}, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sent := time.Now()
	if _, err := conn.Write(EncodeRequest(sent.UnixMilli(), deviceKey)); err != nil {
		return Exchange{}, err
	}
	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		return Exchange{}, err
	}
	if n < ResponseLen {
		return Exchange{}, ErrShortResponse
	}
	return Exchange{
		ClientMS:  int64(binary.BigEndian.Uint64(buf[:8])),
		ServerMS:  int64(binary.BigEndian.Uint64(buf[8:16])),
		RoundTrip: time.Since(sent),
	}, nil
}
