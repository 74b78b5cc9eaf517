package direct

import (
	"encoding/json"
	"fmt"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Config holds the provider-level options published in the API descriptor
// and consulted by the router.
type Config struct {
	// Name is the JavaScript global the api.js script assigns the descriptor
	// to. Defaults to "Ext.app.REMOTING_API".
	Name string
	// AutoAdd appends the CSRF header boilerplate and the
	// Ext.Direct.addProvider call to api.js.
	AutoAdd bool
	// Timeout is advertised to the client in milliseconds. Zero keeps the
	// client's default.
	Timeout time.Duration
	// URL is the router URL advertised in the descriptor. Mount fills it in
	// when empty.
	URL string
	// LoginURL identifies framework login redirects: a Redirect error whose
	// target starts with this prefix is reported to the client as
	// "Login Required / Session Expired".
	LoginURL string
	// CSRFCookie is the cookie name the api.js boilerplate reads the token
	// from. Defaults to "csrftoken".
	CSRFCookie string
	// Debug exposes error traces in exception envelopes. Keep off in
	// production.
	Debug bool
	// Extra fields are merged verbatim into the API descriptor.
	Extra map[string]any
}

// RawJSON is a method result holding pre-serialized JSON. The router splices
// it into the response verbatim instead of quoting it as a string, so a
// method can hand back cached or externally produced documents without a
// decode/encode round trip.
type RawJSON []byte

// MarshalJSON returns the bytes unchanged. Empty values encode as null.
func (j RawJSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// Redirect is an error carrying the target of a framework-level redirect.
// Methods return it (typically via RedirectTo) when the caller must
// re-authenticate; the router maps it to the protocol's login-expired
// exception when the target is under Config.LoginURL.
type Redirect struct {
	URL string
}

func (e *Redirect) Error() string {
	return "redirect to " + e.URL
}

// RedirectTo returns a *Redirect error for url.
func RedirectTo(url string) error {
	return &Redirect{URL: url}
}

// PanicError wraps a panic recovered during method invocation.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprint(e.Value)
}

// FormSubmission carries the fields and files of a form-mode submission.
// Form handlers receive it instead of a params struct; the Ext.Direct form
// path does not unpack positional arguments.
type FormSubmission struct {
	Values url.Values
	Files  map[string][]*multipart.FileHeader
}

// Value returns the first form value for name, or "".
func (f *FormSubmission) Value(name string) string {
	if f == nil {
		return ""
	}
	return f.Values.Get(name)
}

// File returns the first uploaded file for name.
func (f *FormSubmission) File(name string) (*multipart.FileHeader, bool) {
	if f == nil {
		return nil, false
	}
	hs := f.Files[name]
	if len(hs) == 0 {
		return nil, false
	}
	return hs[0], true
}

// directMethod holds reflection data for one registered method.
type directMethod struct {
	receiver  reflect.Value
	method    reflect.Method
	paramType reflect.Type // nil for form handlers
	argNames  []string     // declared argument names, in field order
	argFields []int        // param struct field indices matching argNames
	form      bool
	name      string
}

func (m *directMethod) argCount() int {
	return len(m.argNames)
}

// action is one namespace of methods. Insertion order is kept so the
// descriptor is deterministic.
type action struct {
	methods map[string]*directMethod
	order   []string
}

// Provider maintains the action registry and implements the Ext.Direct API
// and router endpoints. Populate it during start-up; the registry is guarded
// by a read-write lock so late registration is safe, but the intended
// lifecycle is register-then-serve.
type Provider struct {
	cfg Config

	mu      sync.RWMutex
	actions map[string]*action
}

// NewProvider creates a Provider with the given configuration.
func NewProvider(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = "Ext.app.REMOTING_API"
	}
	if cfg.CSRFCookie == "" {
		cfg.CSRFCookie = "csrftoken"
	}
	return &Provider{
		cfg:     cfg,
		actions: make(map[string]*action),
	}
}

// Config returns the provider configuration.
func (p *Provider) Config() Config {
	return p.cfg
}

// Register adds the exported methods of receiver to the named action.
// Methods with unsupported signatures are skipped. Registering a method name
// that already exists under the action replaces the previous registration.
func (p *Provider) Register(actionName string, receiver any) {
	val := reflect.ValueOf(receiver)
	typ := val.Type()

	p.mu.Lock()
	defer p.mu.Unlock()

	act := p.actions[actionName]
	if act == nil {
		act = &action{methods: make(map[string]*directMethod)}
		p.actions[actionName] = act
	}

	for i := 0; i < val.NumMethod(); i++ {
		m := typ.Method(i)
		if !m.IsExported() {
			continue
		}
		dm := parseMethod(val, m)
		if dm == nil {
			continue
		}
		if _, exists := act.methods[dm.name]; !exists {
			act.order = append(act.order, dm.name)
		}
		act.methods[dm.name] = dm
	}
}

// lookup resolves an action/method pair. The bools report which level of the
// lookup failed.
func (p *Provider) lookup(actionName, methodName string) (m *directMethod, actionOK, methodOK bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	act := p.actions[actionName]
	if act == nil {
		return nil, false, false
	}
	m = act.methods[methodName]
	return m, true, m != nil
}

var (
	requestType = reflect.TypeOf((*http.Request)(nil))
	formType    = reflect.TypeOf((*FormSubmission)(nil))
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// parseMethod extracts signature information via reflection.
//
// Valid signatures:
//
//	func(r *http.Request, params StructType) (result, error)
//	func(r *http.Request, form *FormSubmission) (result, error)
//
// Returns nil for anything else.
func parseMethod(receiver reflect.Value, m reflect.Method) *directMethod {
	ft := m.Func.Type()

	if ft.NumIn() != 3 || ft.In(1) != requestType {
		return nil
	}
	if ft.NumOut() != 2 || ft.Out(1) != errorType {
		return nil
	}

	dm := &directMethod{
		receiver: receiver,
		method:   m,
		name:     m.Name,
	}

	paramType := ft.In(2)
	if paramType == formType {
		dm.form = true
		return dm
	}
	if paramType.Kind() != reflect.Struct {
		return nil
	}
	dm.paramType = paramType

	for i := 0; i < paramType.NumField(); i++ {
		field := paramType.Field(i)
		if field.Name == "_" {
			// A `_` field renames the method on the wire.
			if tag := field.Tag.Get("direct"); tag != "" {
				dm.name = tag
			}
			continue
		}
		name := field.Name
		if jsonTag := field.Tag.Get("json"); jsonTag != "" {
			tagName := strings.Split(jsonTag, ",")[0]
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		dm.argNames = append(dm.argNames, name)
		dm.argFields = append(dm.argFields, i)
	}
	return dm
}

// call invokes the method with positional arguments. data must already have
// passed the arity check. Panics are recovered and returned as *PanicError.
func (m *directMethod) call(r *http.Request, data []json.RawMessage) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			pe := &PanicError{Value: rec, Stack: debug.Stack()}
			log.Printf("direct: panic in %s: %v", m.name, rec)
			result, err = nil, pe
		}
	}()

	param := reflect.New(m.paramType)
	for i, raw := range data {
		field := param.Elem().Field(m.argFields[i])
		if err := json.Unmarshal(raw, field.Addr().Interface()); err != nil {
			return nil, fmt.Errorf("argument %q: %w", m.argNames[i], err)
		}
	}

	return m.finish(m.method.Func.Call([]reflect.Value{m.receiver, reflect.ValueOf(r), param.Elem()}))
}

// callForm invokes a form handler with the submitted fields and files.
func (m *directMethod) callForm(r *http.Request, form *FormSubmission) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			pe := &PanicError{Value: rec, Stack: debug.Stack()}
			log.Printf("direct: panic in %s: %v", m.name, rec)
			result, err = nil, pe
		}
	}()

	return m.finish(m.method.Func.Call([]reflect.Value{m.receiver, reflect.ValueOf(r), reflect.ValueOf(form)}))
}

func (m *directMethod) finish(results []reflect.Value) (any, error) {
	var err error
	if !results[1].IsNil() {
		err = results[1].Interface().(error)
	}
	return results[0].Interface(), err
}
