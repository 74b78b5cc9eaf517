package endpoint

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"text/template"
)

// TextTemplateRenderer renders a Go text/template into the response.
//
// Execution is buffered so template errors surface before the response is
// committed; once writing starts the status code cannot change.
//
// Template is required. Values is passed as template data. Name, when set,
// selects ExecuteTemplate. ContentType defaults to plain text.
type TextTemplateRenderer struct {
	Status      int
	Template    *template.Template
	Name        string
	Values      any
	ContentType string
}

func (tr *TextTemplateRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	if tr.Template == nil {
		return errors.New("endpoint: nil text/template")
	}

	var buf bytes.Buffer
	var err error
	if tr.Name != "" {
		err = tr.Template.ExecuteTemplate(&buf, tr.Name, tr.Values)
	} else {
		err = tr.Template.Execute(&buf, tr.Values)
	}
	if err != nil {
		return err
	}

	setContentType(w, tr.ContentType)

	status := tr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	_, err = io.Copy(w, &buf)
	return err
}
