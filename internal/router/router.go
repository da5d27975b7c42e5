// Package router is the exact-match route table shared by the HTTP/1.1 and
// HTTP/2 paths of the connection driver.
package router

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Header is one request or response header field.
type Header struct {
	Name  string
	Value string
}

// Request is a parsed request handed to a Handler. The driver copies every
// field out of its read buffer before dispatch, so handlers may retain it.
type Request struct {
	Method string
	// Path is the request target without the query string.
	Path    string
	Query   string
	Proto   string
	Headers []Header
	Body    []byte

	ctx context.Context
}

// NewRequest builds a request, splitting target into path and query.
func NewRequest(method, target, proto string, headers []Header, body []byte) *Request {
	path, query, _ := strings.Cut(target, "?")
	return &Request{Method: method, Path: path, Query: query, Proto: proto, Headers: headers, Body: body}
}

// Header returns the first value for name, compared case-insensitively.
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Context returns the request context, never nil.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r carrying ctx.
func (r *Request) WithContext(ctx context.Context) *Request {
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// Response is the status, content type and body a handler produces, plus
// any extra header fields.
type Response struct {
	Status      int
	ContentType string
	Headers     []Header
	Body        []byte
}

// SetHeader replaces or adds a response header field.
func (r *Response) SetHeader(name, value string) {
	for i := range r.Headers {
		if strings.EqualFold(r.Headers[i].Name, name) {
			r.Headers[i].Value = value
			return
		}
	}
	r.Headers = append(r.Headers, Header{Name: name, Value: value})
}

// Text returns a text/plain response.
func Text(status int, body string) Response {
	return Response{Status: status, ContentType: "text/plain", Body: []byte(body)}
}

// Handler defines the interface for request handlers.
type Handler interface {
	Serve(req *Request) Response
}

// HandlerFunc is an adapter to allow ordinary functions to be used as handlers.
type HandlerFunc func(req *Request) Response

// Serve calls f(req).
func (f HandlerFunc) Serve(req *Request) Response {
	return f(req)
}

// Middleware is a function that wraps a Handler with additional functionality.
type Middleware func(Handler) Handler

// Chain combines multiple middlewares into a single middleware. The first
// middleware is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Router maps (method, path) pairs to handlers. There are no parameters or
// wildcards.
type Router struct {
	mu          sync.Mutex
	routes      map[string]Handler
	wrapped     map[string]Handler
	middlewares []Middleware
}

// New creates an empty router.
func New() *Router {
	return &Router{routes: make(map[string]Handler)}
}

func routeKey(method, path string) string {
	return method + " " + path
}

// Use adds one or more middleware functions to the router's middleware stack.
func (r *Router) Use(middlewares ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, middlewares...)
	r.wrapped = nil
}

// Handle registers a handler for the specified method and path.
func (r *Router) Handle(method, path string, h Handler) {
	if path == "" || path[0] != '/' {
		panic("router: path must begin with '/'")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey(method, path)] = h
	r.wrapped = nil
}

// GET registers a handler for GET requests.
func (r *Router) GET(path string, h HandlerFunc) {
	r.Handle("GET", path, h)
}

// POST registers a handler for POST requests.
func (r *Router) POST(path string, h HandlerFunc) {
	r.Handle("POST", path, h)
}

// PUT registers a handler for PUT requests.
func (r *Router) PUT(path string, h HandlerFunc) {
	r.Handle("PUT", path, h)
}

// DELETE registers a handler for DELETE requests.
func (r *Router) DELETE(path string, h HandlerFunc) {
	r.Handle("DELETE", path, h)
}

// Lookup returns the handler registered for method and path, wrapped in the
// router's middleware.
func (r *Router) Lookup(method, path string) (Handler, bool) {
	r.mu.Lock()
	if r.wrapped == nil {
		r.compile()
	}
	h, ok := r.wrapped[routeKey(method, path)]
	r.mu.Unlock()
	return h, ok
}

// Dispatch serves req if a route matches. ok is false otherwise and the
// caller picks its own fallback.
func (r *Router) Dispatch(req *Request) (resp Response, ok bool) {
	h, ok := r.Lookup(req.Method, req.Path)
	if !ok {
		return Response{}, false
	}
	resp = h.Serve(req)
	if resp.Status == 0 {
		resp.Status = 200
	}
	return resp, true
}

// Routes lists the registered routes as "METHOD /path", sorted.
func (r *Router) Routes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.routes))
	for k := range r.routes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Router) compile() {
	chain := Chain(r.middlewares...)
	r.wrapped = make(map[string]Handler, len(r.routes))
	for k, h := range r.routes {
		r.wrapped[k] = chain(h)
	}
}
