package endpoint

import (
	"encoding/json"
	"io"
	"net/http"
)

// JSONRenderer serializes Value as JSON and writes it to the response.
//
// JSONRenderer is terminal: it calls WriteHeader and writes the body.
// Content-Type is always "application/json". HTML escaping is disabled by
// default; supply an EncoderFactory to change encoder behavior.
//
// If encoding fails the error is returned, but the status line is usually
// already written — treat it as a best-effort signal.
//
// json.Encoder appends a trailing newline.
type JSONRenderer struct {
	Status int
	Value  interface{}

	// EncoderFactory optionally customizes encoder creation.
	// When nil, json.NewEncoder with HTML escaping off is used.
	EncoderFactory func(w io.Writer) *json.Encoder
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json")

	status := jr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	var enc *json.Encoder
	if jr.EncoderFactory != nil {
		enc = jr.EncoderFactory(w)
	} else {
		enc = json.NewEncoder(w)
		enc.SetEscapeHTML(false)
	}
	if enc == nil {
		// A nil factory return is a programming error.
		return io.ErrUnexpectedEOF
	}
	return enc.Encode(jr.Value)
}
