package endpoint

import (
	"encoding/json"
	"io"
	"net/http"
)

// JSONRenderer writes Value as a JSON document.
//
// Content-Type is always "application/json"; HTML escaping is off unless
// EncoderFactory turns it on. The body ends with the newline json.Encoder
// appends.
//
// An encoding error is returned after the status line has been written, so
// it cannot change the response status.
type JSONRenderer struct {
	Status int
	Value  any

	// Header holds extra response headers, such as Cache-Control.
	Header http.Header

	// EncoderFactory optionally customizes encoder creation.
	EncoderFactory func(w io.Writer) *json.Encoder
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	h := w.Header()
	for k, vs := range jr.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set("Content-Type", "application/json")

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
		return io.ErrUnexpectedEOF
	}
	return enc.Encode(jr.Value)
}
