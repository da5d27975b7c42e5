// Package hpack is an HPACK codec restricted to the static table. Nothing is
// ever inserted into a dynamic table: fields sent with incremental indexing
// are decoded as plain literals, and references past the static table are
// reported as unresolved. Huffman string coding is delegated to
// golang.org/x/net/http2/hpack.
package hpack

import (
	"github.com/pkg/errors"
	xhpack "golang.org/x/net/http2/hpack"
)

// HeaderField is a decoded name/value pair.
type HeaderField struct {
	Name  string
	Value string
}

var (
	// ErrTruncated is returned when a header block ends inside a field.
	ErrTruncated = errors.New("hpack: truncated header block")
	// ErrIntegerOverflow is returned for integers that do not fit 32 bits.
	ErrIntegerOverflow = errors.New("hpack: integer overflow")
	// ErrInvalidIndex is returned for index 0.
	ErrInvalidIndex = errors.New("hpack: invalid index")
	// ErrStringTooLong is returned for literals above the decoder limit.
	ErrStringTooLong = errors.New("hpack: string literal too long")
)

// Encoder writes header blocks. Exact static matches become one indexed
// byte; everything else is a literal without indexing.
type Encoder struct {
	// Huffman enables Huffman coding of literal strings when it is shorter.
	Huffman bool
}

// AppendField appends the encoding of f to dst.
func (e *Encoder) AppendField(dst []byte, f HeaderField) []byte {
	if idx, ok := staticPairs[pairKey{f.Name, f.Value}]; ok {
		return appendInt(dst, 7, 0x80, idx)
	}
	if idx, ok := staticNames[f.Name]; ok {
		dst = appendInt(dst, 4, 0x00, idx)
		return e.appendString(dst, f.Value)
	}
	dst = append(dst, 0x00)
	dst = e.appendString(dst, f.Name)
	return e.appendString(dst, f.Value)
}

// Encode appends every field in order.
func (e *Encoder) Encode(dst []byte, fields []HeaderField) []byte {
	for _, f := range fields {
		dst = e.AppendField(dst, f)
	}
	return dst
}

func (e *Encoder) appendString(dst []byte, s string) []byte {
	if e.Huffman {
		if n := xhpack.HuffmanEncodeLength(s); n < uint64(len(s)) {
			dst = appendInt(dst, 7, 0x80, n)
			return xhpack.AppendHuffmanString(dst, s)
		}
	}
	dst = appendInt(dst, 7, 0x00, uint64(len(s)))
	return append(dst, s...)
}

// appendInt encodes v with an n-bit prefix; first carries the bits above
// the prefix.
func appendInt(dst []byte, n uint, first byte, v uint64) []byte {
	limit := uint64(1)<<n - 1
	if v < limit {
		return append(dst, first|byte(v))
	}
	dst = append(dst, first|byte(limit))
	v -= limit
	for v >= 0x80 {
		dst = append(dst, byte(v&0x7f)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// Decoder parses header blocks against the static table only.
type Decoder struct {
	// MaxStringLength bounds decoded literal lengths; 0 means 16 KiB.
	MaxStringLength int

	// Unresolved counts indexed references past the static table seen by
	// the last Decode call.
	Unresolved int
}

// Decode parses a complete header block. Fields whose name cannot be
// resolved without a dynamic table are skipped and counted in Unresolved.
func (d *Decoder) Decode(block []byte) ([]HeaderField, error) {
	d.Unresolved = 0
	var fields []HeaderField
	for len(block) > 0 {
		b := block[0]
		switch {
		case b&0x80 != 0:
			// Indexed header field.
			idx, rest, err := readInt(block, 7)
			if err != nil {
				return nil, err
			}
			block = rest
			if idx == 0 {
				return nil, ErrInvalidIndex
			}
			f, ok := StaticEntry(idx)
			if !ok {
				d.Unresolved++
				continue
			}
			fields = append(fields, f)

		case b&0xc0 == 0x40:
			// Literal with incremental indexing.
			f, ok, rest, err := d.readLiteral(block, 6)
			if err != nil {
				return nil, err
			}
			block = rest
			if ok {
				fields = append(fields, f)
			}

		case b&0xe0 == 0x20:
			// Dynamic table size update: nothing to resize.
			_, rest, err := readInt(block, 5)
			if err != nil {
				return nil, err
			}
			block = rest

		default:
			// Literal without indexing (0000xxxx) or never indexed (0001xxxx).
			f, ok, rest, err := d.readLiteral(block, 4)
			if err != nil {
				return nil, err
			}
			block = rest
			if ok {
				fields = append(fields, f)
			}
		}
	}
	return fields, nil
}

func (d *Decoder) readLiteral(block []byte, prefix uint) (HeaderField, bool, []byte, error) {
	idx, rest, err := readInt(block, prefix)
	if err != nil {
		return HeaderField{}, false, nil, err
	}

	var (
		name     string
		resolved = true
	)
	if idx == 0 {
		name, rest, err = d.readString(rest)
		if err != nil {
			return HeaderField{}, false, nil, err
		}
	} else if f, ok := StaticEntry(idx); ok {
		name = f.Name
	} else {
		resolved = false
		d.Unresolved++
	}

	value, rest, err := d.readString(rest)
	if err != nil {
		return HeaderField{}, false, nil, err
	}
	return HeaderField{Name: name, Value: value}, resolved, rest, nil
}

func (d *Decoder) readString(p []byte) (string, []byte, error) {
	if len(p) == 0 {
		return "", nil, ErrTruncated
	}
	huffman := p[0]&0x80 != 0
	n, rest, err := readInt(p, 7)
	if err != nil {
		return "", nil, err
	}
	limit := d.MaxStringLength
	if limit <= 0 {
		limit = 16 << 10
	}
	if n > uint64(limit) {
		return "", nil, ErrStringTooLong
	}
	if uint64(len(rest)) < n {
		return "", nil, ErrTruncated
	}
	raw := rest[:n]
	rest = rest[n:]
	if !huffman {
		return string(raw), rest, nil
	}
	s, err := xhpack.HuffmanDecodeToString(raw)
	if err != nil {
		return "", nil, errors.Wrap(err, "hpack: huffman")
	}
	return s, rest, nil
}

// readInt decodes an integer with an n-bit prefix from the first byte of p.
func readInt(p []byte, n uint) (uint64, []byte, error) {
	if len(p) == 0 {
		return 0, nil, ErrTruncated
	}
	limit := uint64(1)<<n - 1
	v := uint64(p[0]) & limit
	p = p[1:]
	if v < limit {
		return v, p, nil
	}
	var m uint
	for {
		if len(p) == 0 {
			return 0, nil, ErrTruncated
		}
		b := p[0]
		p = p[1:]
		v += uint64(b&0x7f) << m
		if v > 1<<32-1 {
			return 0, nil, ErrIntegerOverflow
		}
		if b&0x80 == 0 {
			return v, p, nil
		}
		m += 7
		if m > 28 {
			return 0, nil, ErrIntegerOverflow
		}
	}
}
