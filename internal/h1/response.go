package h1

import (
	"strconv"

	"github.com/Diogokranzz/HTTP-2/internal/date"
)

// Pre-allocated common headers to avoid allocations
var (
	statusLine200       = []byte("HTTP/1.1 200 OK\r\n")
	headerContentType   = []byte("Content-Type: ")
	headerContentLength = []byte("Content-Length: ")
	headerDate          = []byte("Date: ")
	headerConnection    = []byte("Connection: ")
	headerKeepAlive     = []byte("keep-alive\r\n")
	headerClose         = []byte("close\r\n")
	headerSep           = []byte(": ")
	crlf                = []byte("\r\n")
)

// Canned responses written when the driver gives up on a connection.
var (
	NotFoundClose = []byte("HTTP/1.1 404 Not Found\r\n" +
		"Content-Length: 0\r\n" +
		"Connection: close\r\n" +
		"\r\n")

	BadRequestClose = []byte("HTTP/1.1 400 Bad Request\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: 11\r\n" +
		"Connection: close\r\n" +
		"\r\n" +
		"Bad Request")

	PayloadTooLargeClose = []byte("HTTP/1.1 413 Payload Too Large\r\n" +
		"Content-Length: 0\r\n" +
		"Connection: close\r\n" +
		"\r\n")

	NotImplementedClose = []byte("HTTP/1.1 501 Not Implemented\r\n" +
		"Content-Length: 0\r\n" +
		"Connection: close\r\n" +
		"\r\n")
)

// AppendResponse serializes a complete response into dst: status line,
// Content-Type, Content-Length, extra headers, Date and Connection, then the
// body.
func AppendResponse(dst []byte, status int, contentType string, headers [][2]string, body []byte, keepAlive bool) []byte {
	if status == 200 {
		dst = append(dst, statusLine200...)
	} else {
		dst = append(dst, "HTTP/1.1 "...)
		dst = strconv.AppendInt(dst, int64(status), 10)
		dst = append(dst, ' ')
		dst = append(dst, statusText(status)...)
		dst = append(dst, crlf...)
	}

	if contentType != "" {
		dst = append(dst, headerContentType...)
		dst = append(dst, contentType...)
		dst = append(dst, crlf...)
	}
	dst = append(dst, headerContentLength...)
	dst = strconv.AppendInt(dst, int64(len(body)), 10)
	dst = append(dst, crlf...)

	for _, h := range headers {
		dst = append(dst, h[0]...)
		dst = append(dst, headerSep...)
		dst = append(dst, h[1]...)
		dst = append(dst, crlf...)
	}

	dst = append(dst, headerDate...)
	dst = append(dst, date.Current()...)
	dst = append(dst, crlf...)

	dst = appendConnection(dst, keepAlive)
	dst = append(dst, crlf...)
	return append(dst, body...)
}

// AppendFileHeader serializes the head of a 200 response whose body is
// streamed separately with send-file.
func AppendFileHeader(dst []byte, contentType string, size int64, keepAlive bool) []byte {
	dst = append(dst, statusLine200...)
	dst = append(dst, headerContentType...)
	dst = append(dst, contentType...)
	dst = append(dst, crlf...)
	dst = appendConnection(dst, keepAlive)
	dst = append(dst, headerContentLength...)
	dst = strconv.AppendInt(dst, size, 10)
	dst = append(dst, crlf...)
	return append(dst, crlf...)
}

func appendConnection(dst []byte, keepAlive bool) []byte {
	dst = append(dst, headerConnection...)
	if keepAlive {
		return append(dst, headerKeepAlive...)
	}
	return append(dst, headerClose...)
}

// statusText returns the status text for common HTTP status codes.
func statusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 206:
		return "Partial Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 307:
		return "Temporary Redirect"
	case 308:
		return "Permanent Redirect"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 409:
		return "Conflict"
	case 410:
		return "Gone"
	case 413:
		return "Payload Too Large"
	case 414:
		return "URI Too Long"
	case 415:
		return "Unsupported Media Type"
	case 429:
		return "Too Many Requests"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return "Unknown"
	}
}
