package multicast

import (
	"bytes"
	"context"
	"testing"

	"github.com/piwi3910/stbcache/internal/carousel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	datagram := make([]byte, 3*carousel.PacketSize+10)
	for i := range 3 {
		datagram[i*carousel.PacketSize] = carousel.SyncByte
		datagram[i*carousel.PacketSize+1] = byte(i)
	}

	var got [][]byte
	packets, trailing := Split(datagram, HandlerFunc(func(pkt []byte) {
		got = append(got, bytes.Clone(pkt))
	}))

	assert.Equal(t, 3, packets)
	assert.Equal(t, 10, trailing)
	require.Len(t, got, 3)
	for i, pkt := range got {
		assert.Len(t, pkt, carousel.PacketSize)
		assert.Equal(t, byte(i), pkt[1])
	}

	packets, trailing = Split(nil, HandlerFunc(func([]byte) { t.Fatal("unexpected packet") }))
	assert.Zero(t, packets)
	assert.Zero(t, trailing)
}

func TestResolveRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "unicast group", cfg: Config{Group: "10.0.0.1", Port: 5001}},
		{name: "garbage group", cfg: Config{Group: "not-an-ip", Port: 5001}},
		{name: "ipv6 group", cfg: Config{Group: "ff02::1", Port: 5001}},
		{name: "zero port", cfg: Config{Group: "239.255.1.1"}},
		{name: "unknown interface", cfg: Config{Group: "239.255.1.1", Port: 5001, Interface: "no-such-if0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Listen(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestSendRejectsPartialStream(t *testing.T) {
	s, err := Dial(DefaultConfig(), 1)
	if err != nil {
		t.Skipf("multicast sockets unavailable: %v", err)
	}
	defer s.Close()

	_, err = s.Send(context.Background(), make([]byte, carousel.PacketSize+1), 0)
	assert.ErrorIs(t, err, carousel.ErrShortPacket)
}
