// Package endpoint provides a type-safe abstraction for building HTTP handlers.
//
// A handler is split into three phases:
//
//  1. Unmarshal: the request (path, query, form, body, headers, cookies) is
//     decoded into a typed parameters struct driven by struct tags.
//  2. Endpoint: the EndpointFunc receives the decoded parameters and the
//     request, runs business logic, and returns a Renderer. It does not write
//     to the response directly.
//  3. Render: the returned Renderer writes status, headers, and body.
//
// Processors chain as middleware in front of the EndpointFunc.
//
// Supported Renderers:
//   - JSONRenderer: serializes a value as JSON.
//   - StringRenderer / PlainRenderer / HTMLRenderer: write a string body.
//   - TextTemplateRenderer: renders a text/template.
//   - NoContentRenderer: status code with no body.
//   - RedirectRenderer: client redirect.
package endpoint

import (
	"context"
	"errors"
	"io"
	"net/http"
)

// EndpointError is a client-visible error that maps to an HTTP status code.
// The handler wrapper translates returned Go errors into HTTP responses
// through it.
type EndpointError struct {
	Status int
	// Message is a short description suitable for an HTTP error body.
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error creates a new EndpointError. If err already wraps an EndpointError it
// is returned unchanged so the innermost status wins.
func Error(status int, message string, err error) error {
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// Renderer values write a response into an http.ResponseWriter.
//
// Renderers MUST call w.WriteHeader and write the body; they may set
// Content-Type beforehand. A non-nil error from Render indicates a failure to
// write the response and is the caller's problem — the status line is usually
// already on the wire by then.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor is middleware-style logic that runs before the EndpointFunc.
//
// Processors MUST call next unless they intend to short-circuit, and MUST NOT
// write status or body themselves; use Defer for header work that has to wait
// until just before commit.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc is the wrapped handler function type. It receives the response
// writer, the request, and the decoded params value, and returns the Renderer
// responsible for the response body.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler is the http.Handler wrapper for an EndpointFunc. It runs
// the processor chain, decodes params, calls the endpoint, and invokes the
// returned Renderer.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
}

// Handler constructs an EndpointHandler. The helper exists to enable type
// inference for P.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{Endpoint: fn, Processors: processors}
}

// HandleFunc adapts an EndpointFunc into an http.HandlerFunc.
func HandleFunc[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

type hooksKey struct{}

// Defer registers fn to run just before response headers are written. fn must
// not call WriteHeader itself.
//
// Outside an EndpointHandler the context has no hook registry and Defer is a
// silent no-op; middleware that persists state this way (sessions, CSRF)
// will not save.
func Defer(ctx context.Context, fn func(http.ResponseWriter)) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if ok && hooks != nil {
		*hooks = append(*hooks, fn)
	}
}

// Commit runs all deferred hooks in LIFO order and clears them. It is called
// exactly once before headers are written.
func Commit(ctx context.Context, w http.ResponseWriter) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if !ok || hooks == nil {
		return
	}
	for i := len(*hooks) - 1; i >= 0; i-- {
		(*hooks)[i](w)
	}
	*hooks = nil
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		http.Error(w, "endpoint: nil EndpointFunc", http.StatusInternalServerError)
		return
	}

	if r.Context().Value(hooksKey{}) == nil {
		var hooks []func(http.ResponseWriter)
		r = r.WithContext(context.WithValue(r.Context(), hooksKey{}, &hooks))
	}

	// Chain the processors in order, terminating in decode + endpoint + render.
	next := func(w http.ResponseWriter, r *http.Request) error {
		var params P
		if err := Unmarshal(r, &params); err != nil {
			return err
		}
		renderer, err := h.Endpoint(w, r, params)
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}
		if c, ok := renderer.(io.Closer); ok {
			defer c.Close()
		}
		Commit(r.Context(), w)
		return renderer.Render(w, r)
	}
	for i := len(h.Processors) - 1; i >= 0; i-- {
		p := h.Processors[i]
		if p == nil {
			next = func(http.ResponseWriter, *http.Request) error {
				return errors.New("endpoint: nil processor")
			}
			continue
		}
		inner := next
		next = func(w http.ResponseWriter, r *http.Request) error {
			return p.Process(w, r, inner)
		}
	}

	if err := next(w, r); err != nil {
		status := http.StatusInternalServerError
		message := err.Error()
		var ee *EndpointError
		if errors.As(err, &ee) && ee != nil {
			if ee.Status >= 100 {
				status = ee.Status
			}
			message = ee.Message
			if message == "" {
				message = http.StatusText(status)
			}
		}
		Commit(r.Context(), w)
		http.Error(w, message, status)
	}
}
