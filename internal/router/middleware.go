package router

import (
	"bytes"
	"compress/gzip"
	"runtime/debug"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"
)

// Logger returns a middleware that logs each dispatched request at debug
// level.
func Logger(logger *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request) Response {
			start := time.Now()
			resp := next.Serve(req)
			logger.Debug("request",
				zap.String("proto", req.Proto),
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.Int("status", resp.Status),
				zap.Int("bytes", len(resp.Body)),
				zap.Duration("duration", time.Since(start)),
			)
			return resp
		})
	}
}

// Recovery returns a middleware that turns a handler panic into a 500.
func Recovery(logger *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request) (resp Response) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic",
						zap.String("method", req.Method),
						zap.String("path", req.Path),
						zap.Any("panic", r),
						zap.ByteString("stack", debug.Stack()),
					)
					resp = Text(500, "Internal Server Error")
				}
			}()
			return next.Serve(req)
		})
	}
}

// CompressConfig defines the configuration options for the Compress middleware.
type CompressConfig struct {
	// Level specifies the compression level (1-9 for gzip, 0-11 for brotli)
	Level int
	// MinSize specifies the minimum response size to compress (default: 1024 bytes)
	MinSize int
	// ExcludedTypes lists content type prefixes to skip compression
	ExcludedTypes []string
}

// DefaultCompressConfig returns a CompressConfig with sensible defaults.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6,
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
		},
	}
}

// Compress returns a middleware that compresses response bodies with brotli
// or gzip, following the request's Accept-Encoding.
func Compress(config CompressConfig) Middleware {
	if config.MinSize <= 0 {
		config.MinSize = 1024
	}
	if config.Level == 0 {
		config.Level = 6
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(req *Request) Response {
			resp := next.Serve(req)

			accept := req.Header("accept-encoding")
			supportsBrotli := strings.Contains(accept, "br")
			supportsGzip := strings.Contains(accept, "gzip")
			if !supportsBrotli && !supportsGzip {
				return resp
			}
			if len(resp.Body) < config.MinSize {
				return resp
			}
			for _, excluded := range config.ExcludedTypes {
				if strings.HasPrefix(resp.ContentType, excluded) {
					return resp
				}
			}

			var (
				compressed bytes.Buffer
				encoding   string
			)
			if supportsBrotli {
				w := brotli.NewWriterLevel(&compressed, min(config.Level, brotli.BestCompression))
				if _, err := w.Write(resp.Body); err != nil {
					return resp
				}
				if err := w.Close(); err != nil {
					return resp
				}
				encoding = "br"
			} else {
				w, err := gzip.NewWriterLevel(&compressed, min(config.Level, gzip.BestCompression))
				if err != nil {
					return resp
				}
				if _, err := w.Write(resp.Body); err != nil {
					return resp
				}
				if err := w.Close(); err != nil {
					return resp
				}
				encoding = "gzip"
			}

			if compressed.Len() == 0 || compressed.Len() >= len(resp.Body) {
				return resp
			}
			resp.Body = compressed.Bytes()
			resp.SetHeader("Content-Encoding", encoding)
			resp.SetHeader("Vary", "Accept-Encoding")
			return resp
		})
	}
}
