package transport

import (
	"bytes"
	"encoding/hex"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	xhpack "golang.org/x/net/http2/hpack"

	"github.com/Diogokranzz/HTTP-2/internal/h2/frame"
	"github.com/Diogokranzz/HTTP-2/internal/h2/hpack"
	"github.com/Diogokranzz/HTTP-2/internal/h2/stream"
)

type sentFrame struct {
	Type     http2.FrameType
	Flags    http2.Flags
	StreamID uint32
	Headers  map[string]string
	Data     []byte
	ErrCode  http2.ErrCode
}

func readFrames(t *testing.T, b []byte) []sentFrame {
	t.Helper()
	fr := http2.NewFramer(nil, bytes.NewReader(b))
	dec := xhpack.NewDecoder(4096, nil)
	var out []sentFrame
	for {
		f, err := fr.ReadFrame()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		fh := f.Header()
		sf := sentFrame{Type: fh.Type, Flags: fh.Flags, StreamID: fh.StreamID}
		switch f := f.(type) {
		case *http2.HeadersFrame:
			fields, err := dec.DecodeFull(f.HeaderBlockFragment())
			require.NoError(t, err)
			sf.Headers = make(map[string]string, len(fields))
			for _, hf := range fields {
				sf.Headers[hf.Name] = hf.Value
			}
		case *http2.DataFrame:
			sf.Data = bytes.Clone(f.Data())
		case *http2.PingFrame:
			sf.Data = bytes.Clone(f.Data[:])
		case *http2.GoAwayFrame:
			sf.ErrCode = f.ErrCode
		case *http2.RSTStreamFrame:
			sf.ErrCode = f.ErrCode
		}
		out = append(out, sf)
	}
}

func rawFrame(typ frame.Type, flags frame.Flags, id uint32, payload []byte) []byte {
	b := frame.AppendHeader(nil, frame.Header{Length: uint32(len(payload)), Type: typ, Flags: flags, StreamID: id})
	return append(b, payload...)
}

func headerBlock(fields ...hpack.HeaderField) []byte {
	var e hpack.Encoder
	return e.Encode(nil, fields)
}

func getRequest(path string) []byte {
	return headerBlock(
		hpack.HeaderField{Name: ":method", Value: "GET"},
		hpack.HeaderField{Name: ":scheme", Value: "http"},
		hpack.HeaderField{Name: ":path", Value: path},
		hpack.HeaderField{Name: ":authority", Value: "localhost"},
	)
}

func started(t *testing.T, cfg Config) *Session {
	t.Helper()
	s := NewSession(cfg)
	require.NoError(t, s.OnData([]byte(Preface)))
	require.Nil(t, s.ConsumeOutput())
	return s
}

func TestSession_SettingsAck(t *testing.T) {
	s := NewSession(Config{})
	in := append([]byte(Preface), rawFrame(frame.FrameSettings, 0, 0, nil)...)
	require.NoError(t, s.OnData(in))
	assert.Equal(t, "000000040100000000", hex.EncodeToString(s.ConsumeOutput()))
	assert.Nil(t, s.ConsumeOutput())
}

func TestSession_SettingsAckIgnored(t *testing.T) {
	s := started(t, Config{})
	require.NoError(t, s.OnData(rawFrame(frame.FrameSettings, frame.FlagAck, 0, nil)))
	assert.Zero(t, s.Pending())
}

func TestSession_SendSettings(t *testing.T) {
	s := NewSession(Config{MaxConcurrentStreams: 100})
	s.SendSettings()
	frames := readFrames(t, s.ConsumeOutput())
	require.Len(t, frames, 1)
	assert.Equal(t, http2.FrameSettings, frames[0].Type)
	assert.Zero(t, frames[0].Flags&http2.FlagSettingsAck)
}

func TestSession_PingEcho(t *testing.T) {
	s := started(t, Config{})
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, s.OnData(rawFrame(frame.FramePing, 0, 0, payload)))

	frames := readFrames(t, s.ConsumeOutput())
	require.Len(t, frames, 1)
	assert.Equal(t, http2.FramePing, frames[0].Type)
	assert.True(t, frames[0].Flags.Has(http2.FlagPingAck))
	assert.Equal(t, payload, frames[0].Data)

	require.NoError(t, s.OnData(rawFrame(frame.FramePing, frame.FlagAck, 0, payload)))
	assert.Zero(t, s.Pending())
}

func TestSession_DemoResponse(t *testing.T) {
	s := NewSession(Config{})
	in, err := hex.DecodeString("00000101050000000182")
	require.NoError(t, err)
	require.NoError(t, s.OnData(append([]byte(Preface), in...)))

	frames := readFrames(t, s.ConsumeOutput())
	require.Len(t, frames, 2)

	assert.Equal(t, http2.FrameHeaders, frames[0].Type)
	assert.Equal(t, uint32(1), frames[0].StreamID)
	assert.Equal(t, "200", frames[0].Headers[":status"])
	assert.Equal(t, "text/plain", frames[0].Headers["content-type"])
	assert.Equal(t, "26", frames[0].Headers["content-length"])
	assert.Equal(t, "DK-Server/1.0", frames[0].Headers["server"])
	assert.False(t, frames[0].Flags.Has(http2.FlagHeadersEndStream))

	assert.Equal(t, http2.FrameData, frames[1].Type)
	assert.True(t, frames[1].Flags.Has(http2.FlagDataEndStream))
	assert.Equal(t, "Hello from HTTP/2 Stream 1", string(frames[1].Data))

	st, ok := s.Stream(1)
	require.True(t, ok)
	assert.Equal(t, stream.StateHalfClosedRemote, st.State)
	assert.True(t, st.Responded)
}

func TestSession_StreamLifecycle(t *testing.T) {
	s := started(t, Config{})

	require.NoError(t, s.OnData(rawFrame(frame.FrameHeaders, frame.FlagEndHeaders, 3, getRequest("/"))))
	st, ok := s.Stream(3)
	require.True(t, ok)
	assert.Equal(t, stream.StateOpen, st.State)

	require.NoError(t, s.OnData(rawFrame(frame.FrameData, frame.FlagEndStream, 3, []byte("abc"))))
	assert.Equal(t, stream.StateHalfClosedRemote, st.State)
	assert.Equal(t, "abc", st.Data.String())

	require.NoError(t, s.OnData(rawFrame(frame.FrameRSTStream, 0, 3, []byte{0, 0, 0, 8})))
	_, ok = s.Stream(3)
	assert.False(t, ok)
	assert.Zero(t, s.StreamCount())
}

func TestSession_DataCreatesStreamLazily(t *testing.T) {
	s := started(t, Config{})
	require.NoError(t, s.OnData(rawFrame(frame.FrameData, 0, 7, []byte("x"))))
	st, ok := s.Stream(7)
	require.True(t, ok)
	assert.Equal(t, stream.StateIdle, st.State)
	assert.Equal(t, "x", st.Data.String())
}

func TestSession_StreamZeroNeverStored(t *testing.T) {
	s := started(t, Config{})
	err := s.OnData(rawFrame(frame.FrameData, 0, 0, []byte("x")))
	assert.True(t, errors.Is(err, ErrProtocol))
	assert.Zero(t, s.StreamCount())

	frames := readFrames(t, s.ConsumeOutput())
	require.Len(t, frames, 1)
	assert.Equal(t, http2.FrameGoAway, frames[0].Type)
	assert.Equal(t, http2.ErrCodeProtocol, frames[0].ErrCode)

	assert.True(t, s.Closed())
	assert.True(t, errors.Is(s.OnData([]byte{0}), ErrSessionClosed))
}

func TestSession_PartialFrames(t *testing.T) {
	s := NewSession(Config{})
	in := []byte(Preface)
	in = append(in, rawFrame(frame.FrameSettings, 0, 0, nil)...)
	in = append(in, rawFrame(frame.FrameHeaders, frame.FlagEndHeaders|frame.FlagEndStream, 1, getRequest("/"))...)

	for i := 0; i < len(in)-1; i++ {
		require.NoError(t, s.OnData(in[i:i+1]))
	}
	// Everything but the last byte of HEADERS: only the SETTINGS ACK.
	frames := readFrames(t, s.ConsumeOutput())
	require.Len(t, frames, 1)
	assert.Equal(t, http2.FrameSettings, frames[0].Type)

	require.NoError(t, s.OnData(in[len(in)-1:]))
	frames = readFrames(t, s.ConsumeOutput())
	require.Len(t, frames, 2)
	assert.Equal(t, http2.FrameHeaders, frames[0].Type)
}

func TestSession_BadPreface(t *testing.T) {
	s := NewSession(Config{})
	err := s.OnData([]byte("GET / HTTP/1.1\r\n"))
	assert.True(t, errors.Is(err, ErrBadPreface))
	frames := readFrames(t, s.ConsumeOutput())
	require.Len(t, frames, 1)
	assert.Equal(t, http2.FrameGoAway, frames[0].Type)
}

func TestSession_PrefaceSplit(t *testing.T) {
	s := NewSession(Config{})
	require.NoError(t, s.OnData([]byte(Preface[:10])))
	require.NoError(t, s.OnData([]byte(Preface[10:])))
	require.NoError(t, s.OnData(rawFrame(frame.FrameSettings, 0, 0, nil)))
	assert.Equal(t, "000000040100000000", hex.EncodeToString(s.ConsumeOutput()))
}

func TestSession_FrameTooLarge(t *testing.T) {
	s := started(t, Config{})
	hdr := frame.AppendHeader(nil, frame.Header{Length: DefaultMaxFrameSize + 1, Type: frame.FrameData, StreamID: 1})
	err := s.OnData(hdr)
	assert.True(t, errors.Is(err, ErrFrameSize))
	frames := readFrames(t, s.ConsumeOutput())
	require.Len(t, frames, 1)
	assert.Equal(t, http2.ErrCodeFrameSize, frames[0].ErrCode)
}

func TestSession_Continuation(t *testing.T) {
	s := started(t, Config{})
	block := getRequest("/continued")
	in := rawFrame(frame.FrameHeaders, frame.FlagEndStream, 5, block[:3])
	in = append(in, rawFrame(frame.FrameContinuation, 0, 5, block[3:6])...)
	in = append(in, rawFrame(frame.FrameContinuation, frame.FlagEndHeaders, 5, block[6:])...)
	require.NoError(t, s.OnData(in))

	st, ok := s.Stream(5)
	require.True(t, ok)
	path, _ := st.Header(":path")
	assert.Equal(t, "/continued", path)
	assert.Equal(t, stream.StateHalfClosedRemote, st.State)

	frames := readFrames(t, s.ConsumeOutput())
	require.Len(t, frames, 2)
	assert.Equal(t, "Hello from HTTP/2 Stream 5", string(frames[1].Data))
}

func TestSession_ContinuationViolations(t *testing.T) {
	block := getRequest("/")

	t.Run("interleaved frame", func(t *testing.T) {
		s := started(t, Config{})
		in := rawFrame(frame.FrameHeaders, 0, 1, block[:2])
		in = append(in, rawFrame(frame.FramePing, 0, 0, make([]byte, 8))...)
		assert.True(t, errors.Is(s.OnData(in), ErrProtocol))
	})

	t.Run("wrong stream", func(t *testing.T) {
		s := started(t, Config{})
		in := rawFrame(frame.FrameHeaders, 0, 1, block[:2])
		in = append(in, rawFrame(frame.FrameContinuation, frame.FlagEndHeaders, 3, block[2:])...)
		assert.True(t, errors.Is(s.OnData(in), ErrProtocol))
	})

	t.Run("orphan continuation", func(t *testing.T) {
		s := started(t, Config{})
		err := s.OnData(rawFrame(frame.FrameContinuation, frame.FlagEndHeaders, 1, block))
		assert.True(t, errors.Is(err, ErrProtocol))
	})
}

func TestSession_PaddedPriorityHeaders(t *testing.T) {
	s := started(t, Config{})
	block := getRequest("/padded")
	// Pad length, priority block, fragment, padding.
	payload := []byte{3}
	payload = append(payload, 0, 0, 0, 0, 16)
	payload = append(payload, block...)
	payload = append(payload, 0, 0, 0)
	flags := frame.FlagEndHeaders | frame.FlagEndStream | frame.FlagPadded | frame.FlagPriority
	require.NoError(t, s.OnData(rawFrame(frame.FrameHeaders, flags, 1, payload)))

	st, ok := s.Stream(1)
	require.True(t, ok)
	path, _ := st.Header(":path")
	assert.Equal(t, "/padded", path)
}

func TestSession_PaddedData(t *testing.T) {
	s := started(t, Config{})
	require.NoError(t, s.OnData(rawFrame(frame.FrameData, frame.FlagPadded, 1, []byte{2, 'h', 'i', 0, 0})))
	st, _ := s.Stream(1)
	assert.Equal(t, "hi", st.Data.String())

	err := s.OnData(rawFrame(frame.FrameData, frame.FlagPadded, 1, []byte{9, 'x'}))
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestSession_BadHeaderBlock(t *testing.T) {
	s := started(t, Config{})
	err := s.OnData(rawFrame(frame.FrameHeaders, frame.FlagEndHeaders, 1, []byte{0x80}))
	assert.True(t, errors.Is(err, ErrCompression))
	frames := readFrames(t, s.ConsumeOutput())
	require.Len(t, frames, 1)
	assert.Equal(t, http2.ErrCodeCompression, frames[0].ErrCode)
}

func TestSession_Dispatcher(t *testing.T) {
	var got *Request
	s := started(t, Config{Dispatcher: func(req *Request) (Response, bool) {
		if req.Path != "/api/users" {
			return Response{}, false
		}
		got = &Request{Method: req.Method, Path: req.Path, Body: bytes.Clone(req.Body)}
		return Response{
			Status:      201,
			ContentType: "application/json",
			Headers:     []hpack.HeaderField{{Name: "x-handled", Value: "yes"}},
			Body:        []byte(`{"ok": "1"}`),
		}, true
	}})

	post := headerBlock(
		hpack.HeaderField{Name: ":method", Value: "POST"},
		hpack.HeaderField{Name: ":scheme", Value: "http"},
		hpack.HeaderField{Name: ":path", Value: "/api/users"},
		hpack.HeaderField{Name: "content-type", Value: "application/json"},
	)
	require.NoError(t, s.OnData(rawFrame(frame.FrameHeaders, frame.FlagEndHeaders, 1, post)))
	assert.Zero(t, s.Pending(), "no response before the request body is complete")

	require.NoError(t, s.OnData(rawFrame(frame.FrameData, 0, 1, []byte(`{"name": `))))
	require.NoError(t, s.OnData(rawFrame(frame.FrameData, frame.FlagEndStream, 1, []byte(`"Ana"}`))))

	require.NotNil(t, got)
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, `{"name": "Ana"}`, string(got.Body))

	frames := readFrames(t, s.ConsumeOutput())
	require.Len(t, frames, 2)
	assert.Equal(t, "201", frames[0].Headers[":status"])
	assert.Equal(t, "yes", frames[0].Headers["x-handled"])
	assert.Equal(t, `{"ok": "1"}`, string(frames[1].Data))

	// Unmatched routes fall back to the demonstration response.
	require.NoError(t, s.OnData(rawFrame(frame.FrameHeaders, frame.FlagEndHeaders|frame.FlagEndStream, 3, getRequest("/other"))))
	frames = readFrames(t, s.ConsumeOutput())
	require.Len(t, frames, 2)
	assert.Equal(t, "Hello from HTTP/2 Stream 3", string(frames[1].Data))
}

func TestSession_DispatcherMalformedRequest(t *testing.T) {
	s := started(t, Config{Dispatcher: func(*Request) (Response, bool) {
		t.Fatal("dispatcher must not see malformed requests")
		return Response{}, false
	}})
	block := headerBlock(hpack.HeaderField{Name: ":path", Value: "/"})
	require.NoError(t, s.OnData(rawFrame(frame.FrameHeaders, frame.FlagEndHeaders|frame.FlagEndStream, 1, block)))

	frames := readFrames(t, s.ConsumeOutput())
	require.Len(t, frames, 1)
	assert.Equal(t, http2.FrameRSTStream, frames[0].Type)
	assert.Equal(t, http2.ErrCodeProtocol, frames[0].ErrCode)
	_, ok := s.Stream(1)
	assert.False(t, ok)
}

func TestSession_DispatcherDynamicTableReferences(t *testing.T) {
	s := started(t, Config{Dispatcher: func(req *Request) (Response, bool) {
		if req.Path != "/api/hello" {
			return Response{}, false
		}
		return Response{Status: 200, ContentType: "application/json", Body: []byte(`{"message": "hi"}`)}, true
	}})

	// A stateful encoder indexes :path and :authority on first use and
	// refers to them through the dynamic table afterwards.
	var buf bytes.Buffer
	enc := xhpack.NewEncoder(&buf)
	request := func() []byte {
		buf.Reset()
		for _, f := range []xhpack.HeaderField{
			{Name: ":method", Value: "GET"},
			{Name: ":scheme", Value: "http"},
			{Name: ":path", Value: "/api/hello"},
			{Name: ":authority", Value: "localhost:8080"},
		} {
			require.NoError(t, enc.WriteField(f))
		}
		return bytes.Clone(buf.Bytes())
	}

	require.NoError(t, s.OnData(rawFrame(frame.FrameHeaders, frame.FlagEndHeaders|frame.FlagEndStream, 1, request())))
	frames := readFrames(t, s.ConsumeOutput())
	require.Len(t, frames, 2)
	assert.Equal(t, `{"message": "hi"}`, string(frames[1].Data))

	require.NoError(t, s.OnData(rawFrame(frame.FrameHeaders, frame.FlagEndHeaders|frame.FlagEndStream, 3, request())))
	st, ok := s.Stream(3)
	require.True(t, ok)
	assert.Positive(t, st.Unresolved)

	frames = readFrames(t, s.ConsumeOutput())
	require.Len(t, frames, 2, "stream must be answered, not reset")
	assert.Equal(t, http2.FrameHeaders, frames[0].Type)
	assert.Equal(t, "200", frames[0].Headers[":status"])
	assert.Equal(t, "Hello from HTTP/2 Stream 3", string(frames[1].Data))
	assert.False(t, s.Closed())
}

func TestSession_LargeBodySplitsData(t *testing.T) {
	body := bytes.Repeat([]byte("z"), DefaultMaxFrameSize+10)
	s := started(t, Config{Dispatcher: func(*Request) (Response, bool) {
		return Response{Body: body}, true
	}})
	require.NoError(t, s.OnData(rawFrame(frame.FrameHeaders, frame.FlagEndHeaders|frame.FlagEndStream, 1, getRequest("/big"))))

	frames := readFrames(t, s.ConsumeOutput())
	require.Len(t, frames, 3)
	assert.Len(t, frames[1].Data, DefaultMaxFrameSize)
	assert.False(t, frames[1].Flags.Has(http2.FlagDataEndStream))
	assert.Len(t, frames[2].Data, 10)
	assert.True(t, frames[2].Flags.Has(http2.FlagDataEndStream))
}

func TestSession_RefusesStreamsOverLimit(t *testing.T) {
	s := started(t, Config{MaxConcurrentStreams: 1, Dispatcher: func(*Request) (Response, bool) {
		return Response{}, false
	}})
	// Stream 1 stays open (no END_STREAM) so it cannot be pruned.
	require.NoError(t, s.OnData(rawFrame(frame.FrameHeaders, frame.FlagEndHeaders, 1, getRequest("/"))))
	require.NoError(t, s.OnData(rawFrame(frame.FrameHeaders, frame.FlagEndHeaders|frame.FlagEndStream, 3, getRequest("/"))))

	frames := readFrames(t, s.ConsumeOutput())
	require.Len(t, frames, 1)
	assert.Equal(t, http2.FrameRSTStream, frames[0].Type)
	assert.Equal(t, uint32(3), frames[0].StreamID)
	assert.Equal(t, http2.ErrCodeRefusedStream, frames[0].ErrCode)
	assert.Equal(t, 1, s.StreamCount())
}

func TestSession_GoAwayAndUnknownIgnored(t *testing.T) {
	s := started(t, Config{})
	require.NoError(t, s.OnData(rawFrame(frame.FrameGoAway, 0, 0, make([]byte, 8))))
	require.NoError(t, s.OnData(rawFrame(frame.Type(0xfa), 0, 1, []byte("ext"))))
	require.NoError(t, s.OnData(rawFrame(frame.FrameWindowUpdate, 0, 0, []byte{0, 0, 1, 0})))
	assert.Zero(t, s.Pending())
	assert.False(t, s.Closed())
	assert.Zero(t, s.StreamCount())
}
