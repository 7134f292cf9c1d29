// Package multicast receives and sends carousel transport streams over UDP
// multicast.
package multicast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/piwi3910/stbcache/internal/carousel"
	"github.com/piwi3910/stbcache/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
)

// maxDatagram is large enough for any UDP payload.
const maxDatagram = 65535

// Config configures the multicast socket
type Config struct {
	// Group is the IPv4 multicast group (default: 239.255.1.1)
	Group string `json:"group" yaml:"group"`

	// Port is the UDP port (default: 5001)
	Port int `json:"port" yaml:"port"`

	// Interface names the interface to join on. Empty lets the kernel pick.
	Interface string `json:"interface" yaml:"interface"`

	// ReadBuffer sets SO_RCVBUF in bytes (default: 4MB, 0 keeps the OS default)
	ReadBuffer int `json:"readBuffer" yaml:"read_buffer"`
}

// DefaultConfig returns the receiver defaults.
func DefaultConfig() Config {
	return Config{
		Group:      "239.255.1.1",
		Port:       5001,
		ReadBuffer: 4 * 1024 * 1024,
	}
}

// Handler consumes transport packets. The slice is only valid for the
// duration of the call.
type Handler interface {
	HandlePacket(pkt []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(pkt []byte)

// HandlePacket implements Handler.
func (f HandlerFunc) HandlePacket(pkt []byte) { f(pkt) }

// Receiver is a joined multicast socket.
type Receiver struct {
	conn  *ipv4.PacketConn
	raw   net.PacketConn
	group net.IP
	ifi   *net.Interface
}

// Listen binds the port and joins the group.
func Listen(cfg Config) (*Receiver, error) {
	group, ifi, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	raw, err := net.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to bind multicast port %d: %w", cfg.Port, err)
	}

	if udp, ok := raw.(*net.UDPConn); ok && cfg.ReadBuffer > 0 {
		if err := udp.SetReadBuffer(cfg.ReadBuffer); err != nil {
			log.Warn().Err(err).Int("bytes", cfg.ReadBuffer).Msg("Failed to set multicast read buffer")
		}
	}

	conn := ipv4.NewPacketConn(raw)

	if err := conn.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to join multicast group %s: %w", group, err)
	}

	// lets Run discard traffic for other groups sharing the port
	if err := conn.SetControlMessage(ipv4.FlagDst, true); err != nil {
		log.Debug().Err(err).Msg("Destination control messages unavailable")
	}

	log.Info().
		Str("group", group.String()).
		Int("port", cfg.Port).
		Str("interface", cfg.Interface).
		Msg("Joined multicast group")

	return &Receiver{conn: conn, raw: raw, group: group, ifi: ifi}, nil
}

func resolve(cfg Config) (net.IP, *net.Interface, error) {
	group := net.ParseIP(cfg.Group).To4()
	if group == nil || !group.IsMulticast() {
		return nil, nil, fmt.Errorf("invalid multicast group %q", cfg.Group)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, nil, fmt.Errorf("invalid multicast port %d", cfg.Port)
	}

	if cfg.Interface == "" {
		return group, nil, nil
	}

	ifi, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return nil, nil, fmt.Errorf("multicast interface %q: %w", cfg.Interface, err)
	}

	return group, ifi, nil
}

// Run reads datagrams until ctx is cancelled and passes every complete
// transport packet to h. Receive errors are logged and never end the loop.
func (r *Receiver) Run(ctx context.Context, h Handler) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = r.raw.Close()
		case <-done:
		}
	}()

	buf := make([]byte, maxDatagram)

	for {
		n, cm, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			metrics.RecordReceiveError()
			log.Warn().Err(err).Msg("Multicast receive failed")

			// avoid spinning on a persistent socket error
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		if cm != nil && cm.Dst != nil && !cm.Dst.Equal(r.group) {
			continue
		}

		packets, trailing := Split(buf[:n], h)
		metrics.AddPacketsReceived(packets)

		if trailing > 0 {
			metrics.RecordCarouselDrop(string(carousel.DropPartial))
			log.Debug().Int("bytes", trailing).Msg("Datagram ends with a partial packet")
		}
	}
}

// Close leaves the group and closes the socket.
func (r *Receiver) Close() error {
	_ = r.conn.LeaveGroup(r.ifi, &net.UDPAddr{IP: r.group})
	if err := r.raw.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Split passes each complete transport packet of datagram to h and returns
// the number of packets and the number of trailing bytes left over.
func Split(datagram []byte, h Handler) (packets, trailing int) {
	for len(datagram) >= carousel.PacketSize {
		h.HandlePacket(datagram[:carousel.PacketSize])
		datagram = datagram[carousel.PacketSize:]
		packets++
	}

	return packets, len(datagram)
}
