package main

import (
	"io"
	"log"
	"net/http"

	"github.com/joho/godotenv"

	"github.com/mnehpets/extdirect/config"
	"github.com/mnehpets/extdirect/direct"
	"github.com/mnehpets/extdirect/middleware"
)

// Files handles Ext.form submissions, including multipart uploads.
type Files struct{}

// Upload receives one file from the "document" form field and reports what it
// got. Submitted through a hidden iframe, so the router wraps the response in
// a textarea.
func (f *Files) Upload(r *http.Request, form *direct.FormSubmission) (any, error) {
	header, ok := form.File("document")
	if !ok {
		return map[string]any{"success": false, "error": "no file submitted"}, nil
	}

	file, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	size, err := io.Copy(io.Discard, file)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"success":  true,
		"filename": header.Filename,
		"size":     size,
		"comment":  form.Value("comment"),
	}, nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	provider := direct.NewProvider(cfg.Provider())
	provider.Register("Files", &Files{})

	mux := http.NewServeMux()
	provider.Mount(mux, "/extdirect",
		middleware.NewAPISecurityHeadersProcessor(),
	)

	log.Println("Listening on", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		log.Fatal(err)
	}
}
