package multicast

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/piwi3910/stbcache/internal/carousel"
	"golang.org/x/net/ipv4"
)

// PacketsPerDatagram is the usual TS-over-UDP grouping of 7 packets, which
// fits a 1500 byte MTU.
const PacketsPerDatagram = 7

// Sender transmits a transport stream to a multicast group.
type Sender struct {
	conn *ipv4.PacketConn
	raw  net.PacketConn
	dst  *net.UDPAddr
}

// Dial opens a sending socket for the group in cfg. ttl is the multicast hop
// limit; loopback delivery to local receivers stays enabled.
func Dial(cfg Config, ttl int) (*Sender, error) {
	group, ifi, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	raw, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("failed to open sending socket: %w", err)
	}

	conn := ipv4.NewPacketConn(raw)

	if err := conn.SetMulticastTTL(ttl); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to set multicast ttl: %w", err)
	}
	if ifi != nil {
		if err := conn.SetMulticastInterface(ifi); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("failed to set multicast interface: %w", err)
		}
	}
	if err := conn.SetMulticastLoopback(true); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to enable multicast loopback: %w", err)
	}

	return &Sender{conn: conn, raw: raw, dst: &net.UDPAddr{IP: group, Port: cfg.Port}}, nil
}

// Send writes ts in datagrams of PacketsPerDatagram packets. A positive
// bitrate (bits per second) paces the transmission. It returns the number of
// datagrams written.
func (s *Sender) Send(ctx context.Context, ts []byte, bitrate int64) (int, error) {
	if len(ts)%carousel.PacketSize != 0 {
		return 0, fmt.Errorf("%w: stream length %d", carousel.ErrShortPacket, len(ts))
	}

	const chunk = PacketsPerDatagram * carousel.PacketSize

	start := time.Now()
	sent := 0
	written := 0

	for len(ts) > 0 {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n := min(chunk, len(ts))
		if _, err := s.conn.WriteTo(ts[:n], nil, s.dst); err != nil {
			return written, fmt.Errorf("failed to send datagram: %w", err)
		}
		ts = ts[n:]
		sent += n
		written++

		if bitrate > 0 {
			due := start.Add(time.Duration(int64(sent) * 8 * int64(time.Second) / bitrate))
			if wait := time.Until(due); wait > 0 {
				select {
				case <-ctx.Done():
					return written, ctx.Err()
				case <-time.After(wait):
				}
			}
		}
	}

	return written, nil
}

// Close closes the socket.
func (s *Sender) Close() error {
	return s.raw.Close()
}
