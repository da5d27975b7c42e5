package quic

import (
	"bytes"
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/quic-go/qpack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var peer = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}

func longHeader(flags byte, version uint32, dcid, scid, payload []byte) []byte {
	b := []byte{flags, byte(version >> 24), byte(version >> 16), byte(version >> 8), byte(version)}
	b = append(b, byte(len(dcid)))
	b = append(b, dcid...)
	b = append(b, byte(len(scid)))
	b = append(b, scid...)
	return append(b, payload...)
}

func shortHeader(dcid, payload []byte) []byte {
	b := append([]byte{0x40}, dcid...)
	return append(b, payload...)
}

func qpackBlock(t *testing.T, fields ...qpack.HeaderField) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := qpack.NewEncoder(&buf)
	for _, f := range fields {
		require.NoError(t, enc.WriteField(f))
	}
	require.NoError(t, enc.Close())
	return buf.Bytes()
}

func TestParsePacket_LongHeader(t *testing.T) {
	tests := []struct {
		flags byte
		want  PacketType
	}{
		{0xc0, PacketInitial},
		{0xd0, PacketZeroRTT},
		{0xe0, PacketHandshake},
		{0xf0, PacketRetry},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			raw := longHeader(tt.flags, 1, []byte{1, 2, 3, 4}, []byte{9, 9}, []byte("payload"))
			p, err := ParsePacket(raw)
			require.NoError(t, err)
			assert.True(t, p.Long)
			assert.Equal(t, tt.want, p.Type)
			assert.Equal(t, uint32(1), p.Version)
			assert.Equal(t, ConnectionID{1, 2, 3, 4}, p.DestCID)
			assert.Equal(t, ConnectionID{9, 9}, p.SrcCID)
			assert.Equal(t, []byte("payload"), p.Payload)
		})
	}
}

func TestParsePacket_ShortHeader(t *testing.T) {
	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	p, err := ParsePacket(shortHeader(dcid, []byte{0xaa}))
	require.NoError(t, err)
	assert.False(t, p.Long)
	assert.Equal(t, ConnectionID(dcid), p.DestCID)
	assert.Equal(t, "0102030405060708", p.DestCID.String())
	assert.Equal(t, []byte{0xaa}, p.Payload)
}

func TestParsePacket_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"empty", nil, ErrShortPacket},
		{"short dcid", []byte{0x40, 1, 2, 3}, ErrShortPacket},
		{"no version", []byte{0xc0, 0, 0}, ErrShortPacket},
		{"dcid overruns", []byte{0xc0, 0, 0, 0, 1, 5, 1, 2}, ErrShortPacket},
		{"dcid too long", []byte{0xc0, 0, 0, 0, 1, 21}, ErrCIDTooLong},
		{"missing scid len", []byte{0xc0, 0, 0, 0, 1, 0}, ErrShortPacket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePacket(tt.raw)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestParseFrames(t *testing.T) {
	var b []byte
	b = AppendFrame(b, FrameSettings, []byte{0x06, 0x44, 0x00})
	b = AppendFrame(b, FrameData, bytes.Repeat([]byte{'x'}, 100))
	b = AppendFrame(b, FrameType(0x21), nil)

	frames, err := ParseFrames(b)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, FrameSettings, frames[0].Type)
	assert.Equal(t, uint64(3), frames[0].Length)
	assert.Equal(t, FrameData, frames[1].Type)
	assert.Len(t, frames[1].Payload, 100)
	assert.Equal(t, "UNKNOWN(0x21)", frames[2].Type.String())
}

func TestParseFrames_Truncated(t *testing.T) {
	b := AppendFrame(nil, FrameGoAway, []byte{0})
	b = append(b, byte(FrameData), 10, 'a')

	frames, err := ParseFrames(b)
	assert.True(t, errors.Is(err, ErrTruncatedFrame))
	require.Len(t, frames, 1)
	assert.Equal(t, FrameGoAway, frames[0].Type)

	_, err = ParseFrames([]byte{0x40})
	assert.True(t, errors.Is(err, ErrTruncatedFrame))
}

func TestDecodeHeaders(t *testing.T) {
	block := qpackBlock(t,
		qpack.HeaderField{Name: ":method", Value: "GET"},
		qpack.HeaderField{Name: ":path", Value: "/api/hello"},
		qpack.HeaderField{Name: "x-custom", Value: "1"},
	)
	fields, err := DecodeHeaders(block)
	require.NoError(t, err)
	require.Len(t, fields, 3)
	assert.Equal(t, "GET", fields[0].Value)
	assert.Equal(t, "/api/hello", fields[1].Value)
	assert.Equal(t, "x-custom", fields[2].Name)

	_, err = DecodeHeaders([]byte{0x00, 0x00, 0x10})
	assert.Error(t, err)
}

func TestEngine_OnPacket(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	e := NewEngine(zap.New(core))

	t.Run("long header", func(t *testing.T) {
		d := e.OnPacket(longHeader(0xe0, 0x00000001, []byte{7}, nil, []byte{1, 2}), peer)
		require.NoError(t, d.Err)
		assert.True(t, d.Packet.Long)
		assert.Equal(t, PacketHandshake, d.Packet.Type)
		assert.Empty(t, d.Frames)
		assert.Equal(t, peer, d.From)
	})

	t.Run("short header with headers frame", func(t *testing.T) {
		block := qpackBlock(t,
			qpack.HeaderField{Name: ":method", Value: "GET"},
			qpack.HeaderField{Name: ":path", Value: "/"},
		)
		var payload []byte
		payload = AppendFrame(payload, FrameHeaders, block)
		payload = AppendFrame(payload, FrameData, []byte("body"))

		d := e.OnPacket(shortHeader(make([]byte, 8), payload), peer)
		require.NoError(t, d.Err)
		require.Len(t, d.Frames, 2)
		assert.Equal(t, FrameHeaders, d.Frames[0].Type)
		require.NoError(t, d.Frames[0].Err)
		require.Len(t, d.Frames[0].Headers, 2)
		assert.Equal(t, ":method", d.Frames[0].Headers[0].Name)
		assert.Equal(t, FrameData, d.Frames[1].Type)
		assert.Equal(t, uint64(4), d.Frames[1].Length)
	})

	t.Run("malformed", func(t *testing.T) {
		d := e.OnPacket([]byte{0xc0, 1}, peer)
		assert.True(t, errors.Is(d.Err, ErrShortPacket))
	})

	t.Run("bad qpack block", func(t *testing.T) {
		payload := AppendFrame(nil, FrameHeaders, []byte{0x00, 0x00, 0x10})
		d := e.OnPacket(shortHeader(make([]byte, 8), payload), peer)
		require.NoError(t, d.Err)
		require.Len(t, d.Frames, 1)
		assert.Error(t, d.Frames[0].Err)
	})

	assert.NotZero(t, logs.FilterMessage("long header packet").Len())
	assert.Equal(t, 3, logs.FilterMessage("http3 frame").Len())
}

func TestNewEngine_NilLogger(t *testing.T) {
	e := NewEngine(nil)
	d := e.OnPacket(shortHeader(make([]byte, 8), nil), peer)
	assert.NoError(t, d.Err)
	assert.Empty(t, d.Frames)
}
