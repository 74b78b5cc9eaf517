package direct

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// envelope captures both success and exception responses.
type envelope struct {
	Type    string          `json:"type"`
	TID     json.RawMessage `json:"tid"`
	Action  string          `json:"action"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Message string          `json:"message"`
	Where   string          `json:"where"`
}

func postJSON(t *testing.T, p *Provider, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/direct/router", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	p.Router().ServeHTTP(w, r)
	return w
}

func decodeOne(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("response %q: %v", w.Body.String(), err)
	}
	return env
}

func TestRouterSingleRequest(t *testing.T) {
	p := newTestProvider(Config{})
	w := postJSON(t, p, `{"action":"Calculator","method":"Add","data":[2,3],"type":"rpc","tid":1}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	// A single request gets a bare envelope, not a one-element array.
	if strings.HasPrefix(strings.TrimSpace(w.Body.String()), "[") {
		t.Fatalf("single request answered with an array: %s", w.Body.String())
	}
	env := decodeOne(t, w)
	if env.Type != "rpc" || env.Action != "Calculator" || env.Method != "Add" {
		t.Errorf("envelope: %+v", env)
	}
	if string(env.TID) != "1" || string(env.Result) != "5" {
		t.Errorf("tid=%s result=%s", env.TID, env.Result)
	}
}

func TestRouterBatch(t *testing.T) {
	p := newTestProvider(Config{})
	w := postJSON(t, p, `[
		{"action":"Calculator","method":"Add","data":[1,2],"type":"rpc","tid":1},
		{"action":"Calculator","method":"Fail","data":null,"type":"rpc","tid":2},
		{"action":"Calculator","method":"Add","data":[10,20],"type":"rpc","tid":3}
	]`)

	var envs []envelope
	if err := json.Unmarshal(w.Body.Bytes(), &envs); err != nil {
		t.Fatalf("response %q: %v", w.Body.String(), err)
	}
	if len(envs) != 3 {
		t.Fatalf("got %d responses", len(envs))
	}
	// Order matches the request; a failing sibling does not poison the rest.
	if string(envs[0].TID) != "1" || string(envs[1].TID) != "2" || string(envs[2].TID) != "3" {
		t.Errorf("tids: %s %s %s", envs[0].TID, envs[1].TID, envs[2].TID)
	}
	if envs[0].Type != "rpc" || string(envs[0].Result) != "3" {
		t.Errorf("first: %+v", envs[0])
	}
	if envs[1].Type != "exception" || envs[1].Message != "boom" {
		t.Errorf("second: %+v", envs[1])
	}
	if string(envs[2].Result) != "30" {
		t.Errorf("third: %+v", envs[2])
	}
}

func TestRouterBatchOfOne(t *testing.T) {
	p := newTestProvider(Config{})
	w := postJSON(t, p, `[{"action":"Calculator","method":"Add","data":[1,1],"type":"rpc","tid":7}]`)

	if strings.HasPrefix(strings.TrimSpace(w.Body.String()), "[") {
		t.Fatalf("batch of one answered with an array: %s", w.Body.String())
	}
	env := decodeOne(t, w)
	if string(env.Result) != "2" {
		t.Errorf("result: %s", env.Result)
	}
}

func TestRouterNoSuchAction(t *testing.T) {
	p := newTestProvider(Config{})
	w := postJSON(t, p, `{"action":"Nope","method":"Add","data":[],"type":"rpc","tid":1}`)

	env := decodeOne(t, w)
	if env.Type != "exception" || env.Message != "no such action" || env.Where != "Nope" {
		t.Errorf("envelope: %+v", env)
	}
}

func TestRouterNoSuchMethod(t *testing.T) {
	p := newTestProvider(Config{})
	w := postJSON(t, p, `{"action":"Calculator","method":"Nope","data":[],"type":"rpc","tid":1}`)

	env := decodeOne(t, w)
	if env.Type != "exception" || env.Message != "no such method" || env.Where != "Nope" {
		t.Errorf("envelope: %+v", env)
	}
}

func TestRouterArityMismatch(t *testing.T) {
	p := newTestProvider(Config{})
	w := postJSON(t, p, `{"action":"Calculator","method":"Add","data":[1,2,3],"type":"rpc","tid":1}`)

	env := decodeOne(t, w)
	if env.Message != "invalid arguments" || env.Where != "Expected 2, got 3" {
		t.Errorf("envelope: %+v", env)
	}
}

func TestRouterNamedArguments(t *testing.T) {
	p := newTestProvider(Config{})
	w := postJSON(t, p, `{"action":"Calculator","method":"Add","data":[{"a":4,"b":5}],"type":"rpc","tid":1}`)

	env := decodeOne(t, w)
	if env.Type != "rpc" || string(env.Result) != "9" {
		t.Errorf("envelope: %+v", env)
	}
}

func TestRouterNamedArgumentsMissingKey(t *testing.T) {
	p := newTestProvider(Config{})
	// Missing "b": the object is not a complete named call, so it counts as
	// one positional argument and fails the arity check.
	w := postJSON(t, p, `{"action":"Calculator","method":"Add","data":[{"a":4}],"type":"rpc","tid":1}`)

	env := decodeOne(t, w)
	if env.Message != "invalid arguments" || env.Where != "Expected 2, got 1" {
		t.Errorf("envelope: %+v", env)
	}
}

func TestRouterMalformedBody(t *testing.T) {
	p := newTestProvider(Config{})
	w := postJSON(t, p, `{"action": this is not json`)

	env := decodeOne(t, w)
	if env.Type != "exception" || env.Message != "malformed request" {
		t.Errorf("envelope: %+v", env)
	}
	if string(env.TID) != "null" {
		t.Errorf("tid: %s", env.TID)
	}
}

func TestRouterMissingDescriptorKeys(t *testing.T) {
	p := newTestProvider(Config{})
	w := postJSON(t, p, `{"method":"Add","data":[1,2],"type":"rpc","tid":1}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d: %s", w.Code, w.Body.String())
	}
}

func TestRouterRequiresPOST(t *testing.T) {
	p := newTestProvider(Config{})
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/direct/router", nil)
	p.Router().ServeHTTP(w, r)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status %d", w.Code)
	}
}

func TestRouterErrorHidesTrace(t *testing.T) {
	p := newTestProvider(Config{})
	w := postJSON(t, p, `{"action":"Calculator","method":"Fail","data":null,"type":"rpc","tid":1}`)

	env := decodeOne(t, w)
	if env.Message != "boom" || env.Where != "" {
		t.Errorf("envelope: %+v", env)
	}
}

func TestRouterDebugExposesTrace(t *testing.T) {
	p := newTestProvider(Config{Debug: true})
	w := postJSON(t, p, `{"action":"Calculator","method":"Fail","data":null,"type":"rpc","tid":1}`)

	env := decodeOne(t, w)
	if env.Where == "" {
		t.Error("expected trace in debug mode")
	}
}

func TestRouterPanicRecovery(t *testing.T) {
	p := newTestProvider(Config{Debug: true})
	w := postJSON(t, p, `[
		{"action":"Calculator","method":"Panics","data":null,"type":"rpc","tid":1},
		{"action":"Calculator","method":"Add","data":[1,2],"type":"rpc","tid":2}
	]`)

	var envs []envelope
	if err := json.Unmarshal(w.Body.Bytes(), &envs); err != nil {
		t.Fatalf("response %q: %v", w.Body.String(), err)
	}
	if envs[0].Type != "exception" || envs[0].Message != "kaboom" {
		t.Errorf("first: %+v", envs[0])
	}
	if !strings.Contains(envs[0].Where, "panic") && !strings.Contains(envs[0].Where, "goroutine") {
		t.Errorf("expected stack trace, got %q", envs[0].Where)
	}
	if string(envs[1].Result) != "3" {
		t.Errorf("sibling failed: %+v", envs[1])
	}
}

func TestRouterLoginRedirect(t *testing.T) {
	p := NewProvider(Config{LoginURL: "/accounts/login"})
	p.Register("Guarded", &guardedService{})

	w := postJSON(t, p, `{"action":"Guarded","method":"Secret","data":null,"type":"rpc","tid":1}`)
	env := decodeOne(t, w)
	if env.Type != "exception" || env.Message != "Login Required / Session Expired" {
		t.Errorf("envelope: %+v", env)
	}

	// A redirect elsewhere carries no message.
	w = postJSON(t, p, `{"action":"Guarded","method":"Elsewhere","data":null,"type":"rpc","tid":2}`)
	env = decodeOne(t, w)
	if env.Type != "exception" || env.Message != "" {
		t.Errorf("envelope: %+v", env)
	}
}

type guardedService struct{}

func (s *guardedService) Secret(r *http.Request, params noParams) (any, error) {
	return nil, RedirectTo("/accounts/login/?next=/direct/router")
}

func (s *guardedService) Elsewhere(r *http.Request, params noParams) (any, error) {
	return nil, RedirectTo("/somewhere")
}

func TestRouterRawJSONResult(t *testing.T) {
	p := newTestProvider(Config{})
	w := postJSON(t, p, `{"action":"Calculator","method":"Raw","data":null,"type":"rpc","tid":1}`)

	env := decodeOne(t, w)
	if string(env.Result) != `{"cached":true}` {
		t.Errorf("result: %s", env.Result)
	}
}

func TestRouterFormPost(t *testing.T) {
	p := newTestProvider(Config{})

	form := url.Values{
		"extAction": {"Files"},
		"extMethod": {"Upload"},
		"extType":   {"rpc"},
		"extUpload": {"false"},
		"extTID":    {"4"},
		"comment":   {"hello"},
	}
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/direct/router", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	p.Router().ServeHTTP(w, r)

	env := decodeOne(t, w)
	if env.Type != "rpc" || env.Action != "Files" || env.Method != "Upload" {
		t.Errorf("envelope: %+v", env)
	}
	if string(env.TID) != `"4"` {
		t.Errorf("tid: %s", env.TID)
	}
	var result struct {
		Comment  string `json:"comment"`
		Uploaded bool   `json:"uploaded"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.Comment != "hello" || !result.Uploaded {
		t.Errorf("result: %+v", result)
	}
}

func TestRouterFormPostNonFormMethod(t *testing.T) {
	p := newTestProvider(Config{})

	form := url.Values{
		"extAction": {"Calculator"},
		"extMethod": {"Add"},
		"extType":   {"rpc"},
		"extUpload": {"false"},
		"extTID":    {"1"},
	}
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/direct/router", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	p.Router().ServeHTTP(w, r)

	env := decodeOne(t, w)
	if env.Type != "exception" || !strings.Contains(env.Message, "not a form handler") {
		t.Errorf("envelope: %+v", env)
	}
}

func TestRouterUpload(t *testing.T) {
	p := newTestProvider(Config{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range map[string]string{
		"extAction": "Files",
		"extMethod": "Upload",
		"extType":   "rpc",
		"extUpload": "true",
		"extTID":    "9",
		"comment":   "with file",
	} {
		mw.WriteField(k, v)
	}
	fw, err := mw.CreateFormFile("document", "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("file contents"))
	mw.Close()

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/direct/router", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	p.Router().ServeHTTP(w, r)

	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type: %s", ct)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "<html><body><textarea>") || !strings.HasSuffix(body, "</textarea></body></html>") {
		t.Fatalf("not textarea-wrapped: %q", body)
	}

	inner := strings.TrimSuffix(strings.TrimPrefix(body, "<html><body><textarea>"), "</textarea></body></html>")
	var env envelope
	if err := json.Unmarshal([]byte(inner), &env); err != nil {
		t.Fatalf("inner payload %q: %v", inner, err)
	}
	var result struct {
		HasFile bool   `json:"hasFile"`
		Comment string `json:"comment"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatal(err)
	}
	if !result.HasFile || result.Comment != "with file" {
		t.Errorf("result: %+v", result)
	}
}
