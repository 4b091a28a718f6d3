package packet

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/irctrakz/wgconntrack/pkg/tcptrack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	client = netip.MustParseAddr("10.0.0.2")
	server = netip.MustParseAddr("10.0.1.5")
)

func TestBuildAndParseIPv4TCP(t *testing.T) {
	b, err := BuildIPv4TCP(TCPSpec{
		Src: client, Dst: server,
		SrcPort: 40000, DstPort: 443,
		Seq: 1000, Ack: 0,
		Flags:   tcptrack.FlagSyn,
		MSS:     1360,
		Payload: []byte("hi"),
	})
	require.NoError(t, err)

	d, err := ParseIPv4(b)
	require.NoError(t, err)
	assert.Equal(t, client, d.Src)
	assert.Equal(t, server, d.Dst)
	assert.Equal(t, ProtoTCP, d.Protocol)
	assert.Equal(t, 20, d.HeaderLen)
	assert.False(t, d.IsLaterFragment())

	seg, err := tcptrack.DecodeSegment(d.HeaderLen, d.Bytes)
	require.NoError(t, err)
	assert.Equal(t, uint16(40000), seg.SrcPort)
	assert.Equal(t, uint16(443), seg.DstPort)
	assert.Equal(t, uint32(1000), seg.Seq)
	assert.Equal(t, tcptrack.FlagSyn, seg.Flags)
	assert.Equal(t, uint8(6), seg.DataOffset, "MSS option adds one word")
	assert.Equal(t, uint32(2), seg.PayloadLen)
}

func TestParseIPv4TrimsPadding(t *testing.T) {
	b := MustBuildIPv4TCP(TCPSpec{Src: client, Dst: server, SrcPort: 1, DstPort: 2, Flags: tcptrack.FlagAck})
	padded := append(append([]byte(nil), b...), 0, 0, 0, 0, 0, 0)
	d, err := ParseIPv4(padded)
	require.NoError(t, err)
	assert.Len(t, d.Bytes, len(b))

	seg, err := tcptrack.DecodeSegment(d.HeaderLen, d.Bytes)
	require.NoError(t, err)
	assert.Zero(t, seg.PayloadLen)
}

func TestParseIPv4Errors(t *testing.T) {
	_, err := ParseIPv4(nil)
	assert.True(t, errors.Is(err, ErrShort))

	_, err = ParseIPv4([]byte{0x60, 0, 0, 0})
	assert.True(t, errors.Is(err, ErrNotIPv4))

	_, err = ParseIPv4([]byte{0x45, 0, 0, 20})
	assert.True(t, errors.Is(err, ErrShort))

	bad := BuildIPv4(client, server, ProtoUDP, nil)
	bad[0] = 0x44
	_, err = ParseIPv4(bad)
	assert.True(t, errors.Is(err, ErrShort))
}

func TestLaterFragment(t *testing.T) {
	b := BuildIPv4(client, server, ProtoTCP, make([]byte, 8))
	b[6], b[7] = 0x00, 0x10
	d, err := ParseIPv4(b)
	require.NoError(t, err)
	assert.True(t, d.IsLaterFragment())
	assert.Len(t, d.Payload(), 8)
}

func TestBuildRejectsIPv6(t *testing.T) {
	_, err := BuildIPv4TCP(TCPSpec{Src: netip.MustParseAddr("::1"), Dst: server})
	assert.Error(t, err)
}
