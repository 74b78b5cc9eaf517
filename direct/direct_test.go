package direct

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type calcService struct{}

type addParams struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

func (s *calcService) Add(r *http.Request, params addParams) (any, error) {
	return params.A + params.B, nil
}

type noParams struct{}

func (s *calcService) Fail(r *http.Request, params noParams) (any, error) {
	return nil, errors.New("boom")
}

func (s *calcService) Panics(r *http.Request, params noParams) (any, error) {
	panic("kaboom")
}

func (s *calcService) Raw(r *http.Request, params noParams) (any, error) {
	return RawJSON(`{"cached":true}`), nil
}

// BadSignature has no params struct and must not be registered.
func (s *calcService) BadSignature(r *http.Request) (any, error) {
	return nil, nil
}

type renamedParams struct {
	_ struct{} `direct:"do_sum"`
	A int      `json:"a"`
	B int      `json:"b"`
}

func (s *calcService) Renamed(r *http.Request, params renamedParams) (any, error) {
	return params.A + params.B, nil
}

type fileService struct{}

func (s *fileService) Upload(r *http.Request, form *FormSubmission) (any, error) {
	return map[string]any{
		"comment":  form.Value("comment"),
		"hasFile":  len(form.Files) > 0,
		"uploaded": true,
	}, nil
}

func newTestProvider(cfg Config) *Provider {
	p := NewProvider(cfg)
	p.Register("Calculator", &calcService{})
	p.Register("Files", &fileService{})
	return p
}

func methodByName(t *testing.T, infos []MethodInfo, name string) MethodInfo {
	t.Helper()
	for _, m := range infos {
		if m.Name == name {
			return m
		}
	}
	t.Fatalf("method %q not in descriptor %v", name, infos)
	return MethodInfo{}
}

func TestRegisterSkipsInvalidSignatures(t *testing.T) {
	p := newTestProvider(Config{})
	infos := p.Actions()["Calculator"]
	for _, m := range infos {
		if m.Name == "BadSignature" {
			t.Error("BadSignature should not be registered")
		}
	}
}

func TestDescriptorMethodInfo(t *testing.T) {
	p := newTestProvider(Config{})
	actions := p.Actions()

	add := methodByName(t, actions["Calculator"], "Add")
	if add.Len != 2 || add.FormHandler {
		t.Errorf("Add: got %+v", add)
	}
	fail := methodByName(t, actions["Calculator"], "Fail")
	if fail.Len != 0 {
		t.Errorf("Fail: got len %d", fail.Len)
	}
	upload := methodByName(t, actions["Files"], "Upload")
	if upload.Len != 0 || !upload.FormHandler {
		t.Errorf("Upload: got %+v", upload)
	}

	// The `_` tag renames the method on the wire.
	methodByName(t, actions["Calculator"], "do_sum")
	for _, m := range actions["Calculator"] {
		if m.Name == "Renamed" {
			t.Error("renamed method exposed under its Go name")
		}
	}
}

func TestReRegisterReplacesMethod(t *testing.T) {
	p := NewProvider(Config{})
	p.Register("Calc", &calcService{})
	before := len(p.Actions()["Calc"])

	p.Register("Calc", &calcService{})
	after := len(p.Actions()["Calc"])
	if before != after {
		t.Errorf("re-registration changed method count: %d -> %d", before, after)
	}
}

func TestAPIDocument(t *testing.T) {
	p := newTestProvider(Config{
		URL:     "/direct/router",
		Timeout: 30 * time.Second,
		Extra:   map[string]any{"id": "primary"},
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/direct/api.json", nil)
	p.API().ServeHTTP(w, r)

	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("content type: %s", ct)
	}
	var doc struct {
		URL     string                  `json:"url"`
		Type    string                  `json:"type"`
		Actions map[string][]MethodInfo `json:"actions"`
		Timeout int64                   `json:"timeout"`
		ID      string                  `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.URL != "/direct/router" || doc.Type != "remoting" {
		t.Errorf("got url=%q type=%q", doc.URL, doc.Type)
	}
	if doc.Timeout != 30000 {
		t.Errorf("timeout: %d", doc.Timeout)
	}
	if doc.ID != "primary" {
		t.Errorf("extra field lost: %+v", doc)
	}
	if len(doc.Actions["Calculator"]) == 0 {
		t.Error("no Calculator action in descriptor")
	}
}

func TestAPIScript(t *testing.T) {
	p := newTestProvider(Config{AutoAdd: true, URL: "/direct/router"})

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/direct/api.js", nil)
	p.Script().ServeHTTP(w, r)

	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/javascript") {
		t.Errorf("content type: %s", ct)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "Ext.app.REMOTING_API = {") {
		t.Errorf("script prologue: %q", body[:40])
	}
	if !strings.Contains(body, "Ext.Direct.addProvider( Ext.app.REMOTING_API );") {
		t.Error("missing addProvider call")
	}
	if !strings.Contains(body, `Ext.util.Cookies.get("csrftoken")`) ||
		!strings.Contains(body, `options.headers["X-CSRFToken"]`) {
		t.Error("missing CSRF header boilerplate")
	}
}

func TestAPIScriptWithoutAutoAdd(t *testing.T) {
	p := newTestProvider(Config{Name: "MyApp.API"})

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/direct/api.js", nil)
	p.Script().ServeHTTP(w, r)

	body := w.Body.String()
	if !strings.HasPrefix(body, "MyApp.API = {") {
		t.Errorf("script prologue: %q", body[:20])
	}
	if strings.Contains(body, "addProvider") || strings.Contains(body, "X-CSRFToken") {
		t.Error("AutoAdd boilerplate present without AutoAdd")
	}
}

func TestMountAdvertisesRouterURL(t *testing.T) {
	p := newTestProvider(Config{})
	mux := http.NewServeMux()
	p.Mount(mux, "/extdirect")

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/extdirect/api.json", nil)
	mux.ServeHTTP(w, r)

	var doc struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.URL != "/extdirect/router" {
		t.Errorf("advertised url: %q", doc.URL)
	}
}

func TestRawJSONMarshal(t *testing.T) {
	got, err := json.Marshal(map[string]any{"v": RawJSON(`{"a":1}`)})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"v":{"a":1}}` {
		t.Errorf("got %s", got)
	}

	got, err = json.Marshal(RawJSON(nil))
	if err != nil || string(got) != "null" {
		t.Errorf("empty RawJSON: %s, %v", got, err)
	}
}
