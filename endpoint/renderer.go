package endpoint

import "net/http"

// StringRenderer writes a string as the response body with an optional status
// code and content type. When ContentType is empty it defaults to
// "text/plain; charset=utf-8".
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

// setContentType sets a Content-Type header unless an outer renderer already
// did. An empty contentType falls back to plain text.
func setContentType(w http.ResponseWriter, contentType string) {
	if w.Header().Get("Content-Type") == "" {
		if contentType == "" {
			contentType = "text/plain; charset=utf-8"
		}
		w.Header().Set("Content-Type", contentType)
	}
}

// Render implements Renderer. StringRenderer is terminal.
func (tr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	setContentType(w, tr.ContentType)
	status := tr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if tr.Body == "" {
		return nil
	}
	_, err := w.Write([]byte(tr.Body))
	return err
}

// PlainRenderer is a convenience wrapper that forces a plain-text content type.
type PlainRenderer struct {
	StringRenderer
}

func (pr *PlainRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	pr.StringRenderer.ContentType = "text/plain; charset=utf-8"
	return pr.StringRenderer.Render(w, r)
}

// HTMLRenderer is a convenience wrapper that forces an HTML content type.
type HTMLRenderer struct {
	StringRenderer
}

func (hr *HTMLRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	hr.StringRenderer.ContentType = "text/html; charset=utf-8"
	return hr.StringRenderer.Render(w, r)
}

// NoContentRenderer writes a response with no body. If Status is 0 it
// defaults to http.StatusNoContent.
type NoContentRenderer struct {
	Status int
}

func (ncr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	status := ncr.Status
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
	return nil
}

// RedirectRenderer redirects the client to URL. If Status is 0 it defaults to
// http.StatusTemporaryRedirect (307).
type RedirectRenderer struct {
	URL    string
	Status int
}

func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	status := rr.Status
	if status == 0 {
		status = http.StatusTemporaryRedirect
	}
	http.Redirect(w, r, rr.URL, status)
	return nil
}
