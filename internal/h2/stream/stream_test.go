package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Diogokranzz/HTTP-2/internal/h2/hpack"
)

func TestTable_GetOrCreate(t *testing.T) {
	tbl := NewTable()

	assert.Nil(t, tbl.GetOrCreate(0))
	assert.Equal(t, 0, tbl.Len())

	s := tbl.GetOrCreate(1)
	require.NotNil(t, s)
	assert.Equal(t, StateIdle, s.State)
	assert.Same(t, s, tbl.GetOrCreate(1))

	got, ok := tbl.Get(1)
	assert.True(t, ok)
	assert.Same(t, s, got)

	tbl.Delete(1)
	_, ok = tbl.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_Prune(t *testing.T) {
	tbl := NewTable()

	a := tbl.GetOrCreate(1)
	a.State = StateHalfClosedRemote
	a.Responded = true

	b := tbl.GetOrCreate(3)
	b.State = StateOpen
	b.Responded = true

	c := tbl.GetOrCreate(5)
	c.State = StateHalfClosedRemote

	assert.Equal(t, 1, tbl.Prune())
	_, ok := tbl.Get(1)
	assert.False(t, ok, "answered stream should be pruned")
	_, ok = tbl.Get(3)
	assert.True(t, ok, "stream still open on the peer side must survive")
	_, ok = tbl.Get(5)
	assert.True(t, ok, "unanswered stream must survive")
	assert.Equal(t, 2, tbl.Len())
}

func TestStream_Header(t *testing.T) {
	s := &Stream{Headers: []hpack.HeaderField{{Name: ":path", Value: "/a"}, {Name: "x", Value: "1"}, {Name: "x", Value: "2"}}}
	v, ok := s.Header("x")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	_, ok = s.Header("y")
	assert.False(t, ok)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-closed (remote)", StateHalfClosedRemote.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestValidateRequestHeaders(t *testing.T) {
	base := []hpack.HeaderField{
		{Name: ":method", Value: "GET"}, {Name: ":scheme", Value: "https"}, {Name: ":path", Value: "/"}, {Name: ":authority", Value: "x"},
	}

	tests := []struct {
		name    string
		headers []hpack.HeaderField
		wantErr bool
	}{
		{"valid", base, false},
		{"valid with te", append(append([]hpack.HeaderField{}, base...), hpack.HeaderField{Name: "te", Value: "trailers"}), false},
		{"connect without path", []hpack.HeaderField{{Name: ":method", Value: "CONNECT"}, {Name: ":authority", Value: "x:443"}}, false},
		{"missing method", base[1:], true},
		{"missing path", []hpack.HeaderField{{Name: ":method", Value: "GET"}, {Name: ":scheme", Value: "http"}}, true},
		{"empty path", []hpack.HeaderField{{Name: ":method", Value: "GET"}, {Name: ":scheme", Value: "http"}, {Name: ":path", Value: ""}}, true},
		{"uppercase", append(append([]hpack.HeaderField{}, base...), hpack.HeaderField{Name: "Accept", Value: "*"}), true},
		{"pseudo after regular", []hpack.HeaderField{{Name: ":method", Value: "GET"}, {Name: "a", Value: "b"}, {Name: ":path", Value: "/"}}, true},
		{"duplicate pseudo", []hpack.HeaderField{{Name: ":method", Value: "GET"}, {Name: ":method", Value: "GET"}}, true},
		{"unknown pseudo", []hpack.HeaderField{{Name: ":method", Value: "GET"}, {Name: ":foo", Value: "x"}}, true},
		{"connection header", append(append([]hpack.HeaderField{}, base...), hpack.HeaderField{Name: "connection", Value: "close"}), true},
		{"bad te", append(append([]hpack.HeaderField{}, base...), hpack.HeaderField{Name: "te", Value: "gzip"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequestHeaders(tt.headers)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
