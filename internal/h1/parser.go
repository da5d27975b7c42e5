// Package h1 implements the HTTP/1.1 request parser and response serializer
// used by the connection driver.
package h1

// State is the position of the parser inside the request grammar.
type State uint8

// Parser states. The six version sub-states walk "HTTP/x.y" one byte at a
// time.
const (
	StateMethodStart State = iota
	StateMethod
	StateURIStart
	StateURI
	StateVersionH
	StateVersionHT
	StateVersionHTT
	StateVersionHTTP
	StateVersionSlash
	StateVersionMajor
	StateVersionDot
	StateVersionMinor
	StateNewline1
	StateHeaderKeyStart
	StateHeaderKey
	StateHeaderColon
	StateHeaderValueStart
	StateHeaderValue
	StateNewline2
	StateNewline3
	StateComplete
	StateError
)

var stateNames = [...]string{
	"METHOD_START", "METHOD", "URI_START", "URI",
	"VERSION_H", "VERSION_HT", "VERSION_HTT", "VERSION_HTTP", "VERSION_SLASH",
	"VERSION_MAJOR", "VERSION_DOT", "VERSION_MINOR",
	"NEWLINE_1", "HEADER_KEY_START", "HEADER_KEY", "HEADER_COLON",
	"HEADER_VALUE_START", "HEADER_VALUE", "NEWLINE_2", "NEWLINE_3",
	"COMPLETE", "PARSE_ERROR",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

const (
	// MaxHeaders is the number of header fields stored per request. Further
	// fields are parsed and then dropped.
	MaxHeaders = 32
	// MaxHeaderBytes bounds the request line plus header block.
	MaxHeaderBytes = 64 << 10
)

// Header is one name/value pair. Both slices are views owned by the Parser.
type Header struct {
	Name  []byte
	Value []byte
}

// Request is the result of parsing one request head. All byte slices are
// views into the parser's scratch space and stay valid until Reset.
type Request struct {
	Method       []byte
	URI          []byte
	VersionMajor int
	VersionMinor int
	Headers      [MaxHeaders]Header
	HeaderCount  int

	// ContentLength is -1 when the header is absent or malformed.
	ContentLength int64
	Chunked       bool
	connClose     bool
	connKeepAlive bool

	// Body is filled in by the caller once the declared bytes have arrived.
	Body []byte
}

// Reset clears the request for reuse.
func (r *Request) Reset() {
	r.Method = nil
	r.URI = nil
	r.VersionMajor = 0
	r.VersionMinor = 0
	for i := 0; i < r.HeaderCount; i++ {
		r.Headers[i] = Header{}
	}
	r.HeaderCount = 0
	r.ContentLength = -1
	r.Chunked = false
	r.connClose = false
	r.connKeepAlive = false
	r.Body = nil
}

// Header returns the first value stored for name, compared case-insensitively.
func (r *Request) Header(name string) []byte {
	for i := 0; i < r.HeaderCount; i++ {
		if asciiEqualFold(r.Headers[i].Name, name) {
			return r.Headers[i].Value
		}
	}
	return nil
}

// KeepAlive reports whether the connection may serve another request after
// this one.
func (r *Request) KeepAlive() bool {
	if r.connClose {
		return false
	}
	if r.VersionMajor == 1 && r.VersionMinor == 0 {
		return r.connKeepAlive
	}
	return true
}

// Parser is a restartable byte-at-a-time HTTP/1.1 request head parser. Input
// may be split at any byte boundary across Parse calls. Token bytes are
// copied into the parser's scratch space, so the caller may reuse its read
// buffer as soon as Parse returns.
type Parser struct {
	state    State
	req      Request
	scratch  []byte
	tokStart int
	nameEnd  int
	consumed int
}

// NewParser creates a parser ready for the first request.
func NewParser() *Parser {
	p := &Parser{scratch: make([]byte, 0, 1024)}
	p.Reset()
	return p
}

// Reset returns the parser to its initial state for the next pipelined
// request. Views handed out for the previous request become invalid.
func (p *Parser) Reset() {
	p.state = StateMethodStart
	p.req.Reset()
	p.scratch = p.scratch[:0]
	p.tokStart = 0
	p.nameEnd = 0
	p.consumed = 0
}

// State returns the current grammar position.
func (p *Parser) State() State { return p.state }

// Complete reports whether a full request head has been parsed.
func (p *Parser) Complete() bool { return p.state == StateComplete }

// Request returns the request being built.
func (p *Parser) Request() *Request { return &p.req }

// Consumed returns how many bytes of the last Parse input were used. Once the
// head is complete, the remaining bytes belong to the body or to the next
// pipelined request.
func (p *Parser) Consumed() int { return p.consumed }

// Parse feeds data to the state machine. It returns false as soon as the
// input violates the grammar; the connection must then be abandoned. A true
// result does not mean the head is complete; check Complete.
func (p *Parser) Parse(data []byte) bool {
	p.consumed = 0
	if p.state == StateError {
		return false
	}
	for i := 0; i < len(data); i++ {
		if p.state == StateComplete {
			p.consumed = i
			return true
		}
		if len(p.scratch) >= MaxHeaderBytes {
			return p.fail(i)
		}
		if !p.step(data[i]) {
			return p.fail(i)
		}
	}
	p.consumed = len(data)
	return true
}

func (p *Parser) fail(i int) bool {
	p.state = StateError
	p.consumed = i
	return false
}

//nolint:gocyclo // One case per grammar state keeps the machine readable.
func (p *Parser) step(c byte) bool {
	switch p.state {
	case StateMethodStart:
		if !isAlpha(c) {
			return false
		}
		p.startToken(c)
		p.state = StateMethod

	case StateMethod:
		switch {
		case c == ' ':
			p.req.Method = p.token()
			p.state = StateURIStart
		case isAlpha(c):
			p.scratch = append(p.scratch, c)
		default:
			return false
		}

	case StateURIStart:
		if c == ' ' || c == '\r' || c == '\n' {
			return false
		}
		p.startToken(c)
		p.state = StateURI

	case StateURI:
		switch c {
		case ' ':
			p.req.URI = p.token()
			p.state = StateVersionH
		case '\r', '\n':
			return false
		default:
			p.scratch = append(p.scratch, c)
		}

	case StateVersionH:
		return p.expect(c, 'H', StateVersionHT)
	case StateVersionHT:
		return p.expect(c, 'T', StateVersionHTT)
	case StateVersionHTT:
		return p.expect(c, 'T', StateVersionHTTP)
	case StateVersionHTTP:
		return p.expect(c, 'P', StateVersionSlash)
	case StateVersionSlash:
		return p.expect(c, '/', StateVersionMajor)

	case StateVersionMajor:
		if !isDigit(c) {
			return false
		}
		p.req.VersionMajor = int(c - '0')
		p.state = StateVersionDot

	case StateVersionDot:
		return p.expect(c, '.', StateVersionMinor)

	case StateVersionMinor:
		if !isDigit(c) {
			return false
		}
		p.req.VersionMinor = int(c - '0')
		p.state = StateNewline1

	case StateNewline1:
		switch c {
		case '\r':
		case '\n':
			p.state = StateHeaderKeyStart
		default:
			return false
		}

	case StateHeaderKeyStart:
		switch c {
		case '\r':
			p.state = StateNewline3
		case '\n':
			p.state = StateComplete
		case ':':
			return false
		default:
			p.startToken(c)
			p.state = StateHeaderKey
		}

	case StateHeaderKey:
		switch c {
		case ':':
			p.nameEnd = len(p.scratch)
			p.state = StateHeaderColon
		case '\r', '\n':
			return false
		default:
			p.scratch = append(p.scratch, c)
		}

	case StateHeaderColon:
		switch c {
		case ' ', '\t':
			p.state = StateHeaderValueStart
		case '\r':
			p.endHeader(len(p.scratch))
			p.state = StateNewline2
		case '\n':
			p.endHeader(len(p.scratch))
			p.state = StateHeaderKeyStart
		default:
			p.scratch = append(p.scratch, c)
			p.state = StateHeaderValue
		}

	case StateHeaderValueStart:
		switch c {
		case ' ', '\t':
		case '\r':
			p.endHeader(len(p.scratch))
			p.state = StateNewline2
		case '\n':
			p.endHeader(len(p.scratch))
			p.state = StateHeaderKeyStart
		default:
			p.scratch = append(p.scratch, c)
			p.state = StateHeaderValue
		}

	case StateHeaderValue:
		switch c {
		case '\r':
			p.endHeader(len(p.scratch))
			p.state = StateNewline2
		case '\n':
			p.endHeader(len(p.scratch))
			p.state = StateHeaderKeyStart
		default:
			p.scratch = append(p.scratch, c)
		}

	case StateNewline2:
		return p.expect(c, '\n', StateHeaderKeyStart)

	case StateNewline3:
		return p.expect(c, '\n', StateComplete)

	default:
		return false
	}
	return true
}

func (p *Parser) expect(c, want byte, next State) bool {
	if c != want {
		return false
	}
	p.state = next
	return true
}

func (p *Parser) startToken(c byte) {
	p.tokStart = len(p.scratch)
	p.scratch = append(p.scratch, c)
}

func (p *Parser) token() []byte {
	return p.scratch[p.tokStart:len(p.scratch):len(p.scratch)]
}

// endHeader closes the current field. The name occupies
// scratch[tokStart:nameEnd] and the value scratch[nameEnd:valueEnd].
func (p *Parser) endHeader(valueEnd int) {
	name := p.scratch[p.tokStart:p.nameEnd:p.nameEnd]
	value := trimRight(p.scratch[p.nameEnd:valueEnd:valueEnd])
	p.observe(name, value)
	if p.req.HeaderCount < MaxHeaders {
		p.req.Headers[p.req.HeaderCount] = Header{Name: name, Value: value}
		p.req.HeaderCount++
	}
}

// observe records the fields the driver acts on, stored or not.
func (p *Parser) observe(name, value []byte) {
	switch {
	case asciiEqualFold(name, "content-length"):
		if n, ok := parseInt64Bytes(value); ok {
			p.req.ContentLength = n
		} else {
			p.req.ContentLength = -1
		}
	case asciiEqualFold(name, "connection"):
		if asciiContainsFoldBytes(value, "close") {
			p.req.connClose = true
		}
		if asciiContainsFoldBytes(value, "keep-alive") {
			p.req.connKeepAlive = true
		}
	case asciiEqualFold(name, "transfer-encoding"):
		if asciiContainsFoldBytes(value, "chunked") {
			p.req.Chunked = true
		}
	}
}

func isAlpha(c byte) bool { return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') }

func isDigit(c byte) bool { return '0' <= c && c <= '9' }

func trimRight(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

// asciiEqualFold reports whether b equals s under ASCII case-insensitive comparison
func asciiEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		cb := b[i]
		cs := s[i]
		if 'A' <= cb && cb <= 'Z' {
			cb |= 0x20
		}
		if 'A' <= cs && cs <= 'Z' {
			cs |= 0x20
		}
		if cb != cs {
			return false
		}
	}
	return true
}

// asciiContainsFoldBytes reports whether b contains sub (ASCII case-insensitive)
func asciiContainsFoldBytes(b []byte, sub string) bool {
	if len(sub) == 0 {
		return true
	}
	m := len(sub)
	if m > len(b) {
		return false
	}
	for i := 0; i <= len(b)-m; i++ {
		if asciiEqualFold(b[i:i+m], sub) {
			return true
		}
	}
	return false
}

// parseInt64Bytes parses a base-10 int64 from ASCII bytes, returning ok=false on error
func parseInt64Bytes(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}
