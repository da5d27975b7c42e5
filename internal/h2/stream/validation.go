package stream

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/Diogokranzz/HTTP-2/internal/h2/hpack"
)

// ValidateRequestHeaders checks pseudo-header placement and the fields
// HTTP/2 forbids in requests.
func ValidateRequestHeaders(headers []hpack.HeaderField) error {
	var (
		hasMethod   bool
		hasScheme   bool
		hasPath     bool
		isConnect   bool
		seenRegular bool
		seenPseudo  = make(map[string]bool, 4)
	)

	for _, h := range headers {
		if h.Name != strings.ToLower(h.Name) {
			return errors.Errorf("header field name must be lowercase: %s", h.Name)
		}

		if strings.HasPrefix(h.Name, ":") {
			if seenRegular {
				return errors.Errorf("pseudo-header %s appears after regular header", h.Name)
			}
			if seenPseudo[h.Name] {
				return errors.Errorf("duplicate pseudo-header: %s", h.Name)
			}
			seenPseudo[h.Name] = true

			switch h.Name {
			case ":method":
				hasMethod = true
				isConnect = h.Value == "CONNECT"
			case ":scheme":
				hasScheme = true
			case ":path":
				hasPath = true
				if h.Value == "" {
					return errors.New("empty :path pseudo-header")
				}
			case ":authority":
			default:
				return errors.Errorf("unknown pseudo-header: %s", h.Name)
			}
			continue
		}

		seenRegular = true
		switch h.Name {
		case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
			return errors.Errorf("connection-specific header not allowed: %s", h.Name)
		case "te":
			if h.Value != "trailers" {
				return errors.Errorf("TE header must be 'trailers', got: %s", h.Value)
			}
		}
	}

	if !hasMethod {
		return errors.New("missing required :method pseudo-header")
	}
	if isConnect {
		return nil
	}
	if !hasScheme {
		return errors.New("missing required :scheme pseudo-header")
	}
	if !hasPath {
		return errors.New("missing required :path pseudo-header")
	}
	return nil
}
