package endpoint

import (
	"bytes"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// defaultFormMemory is the maximum amount of memory used when parsing
// multipart form data; anything beyond may be spooled to temporary files by
// net/http. Override per-handler with a root `_` field carrying a maxLength
// tag.
var defaultFormMemory int64 = 32 << 20 // 32MB

// defaultFieldLimit bounds individual decoded field values.
var defaultFieldLimit = 16 * 1024 // 16KB

// Unmarshal populates dst (a non-nil pointer to a struct) from the request.
//
// Sources, selected by struct tag:
//   - `path:"name"`    r.PathValue
//   - `query:"name"`   r.URL.Query
//   - `form:"name"`    r.Form / multipart fields; []*multipart.FileHeader
//     fields receive uploaded files
//   - `body:""`        the raw request body
//   - `header:"name"`  r.Header
//   - `cookie:"name"`  r.Cookie
//
// A tag value of "-" ignores the field. An empty name defaults to the struct
// field name lowercased. The optional ",json" flag decodes the value as JSON;
// body fields of non-string/[]byte type default to JSON decoding and require
// a JSON content type. When multiple source tags are present precedence is
// path, query, form, body, cookie, header. Untagged non-struct fields default
// to path then query. Untagged struct fields are recursed into unless they
// implement encoding.TextUnmarshaler.
//
// Absent values leave the field unchanged, so pointer fields double as
// presence flags. `maxLength:"n"` caps the byte length of a field value
// (default 16KB, 0 for unlimited); on a root-level `_` field it instead sets
// the multipart parse memory.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}

	src := sources{req: r}
	if r.URL != nil {
		src.query = r.URL.Query()
	}

	// JSON bodies are consumed by the body tag, not by form parsing.
	if !requestBodyIsJSON(r) {
		if err := src.parseForm(root.Type()); err != nil {
			return err
		}
	}

	return decodeStruct(root, &src)
}

// sources holds the per-request decoded value sources shared by all fields.
type sources struct {
	req   *http.Request
	query url.Values
	form  url.Values
	files map[string][]*multipart.FileHeader
}

func (s *sources) parseForm(rootType reflect.Type) error {
	r := s.req
	mediaType := "application/x-www-form-urlencoded"
	if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return Error(http.StatusBadRequest, "", fmt.Errorf("parse content-type: %w", err))
		}
		mediaType = strings.ToLower(strings.TrimSpace(mt))
	}

	if mediaType == "multipart/form-data" {
		memory := defaultFormMemory
		if sf, ok := rootType.FieldByName("_"); ok {
			if tag := strings.TrimSpace(sf.Tag.Get("maxLength")); tag != "" {
				n, err := strconv.ParseInt(tag, 10, 64)
				if err != nil || n < 0 {
					return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: root maxLength tag %q", tag))
				}
				memory = n
			}
		}
		if err := r.ParseMultipartForm(memory); err != nil {
			return Error(http.StatusBadRequest, "", fmt.Errorf("parse multipart form: %w", err))
		}
		if r.MultipartForm != nil {
			s.form = url.Values(r.MultipartForm.Value)
			s.files = r.MultipartForm.File
		}
		return nil
	}

	// Covers urlencoded bodies and bodiless methods alike.
	if err := r.ParseForm(); err != nil {
		return Error(http.StatusBadRequest, "", fmt.Errorf("parse form: %w", err))
	}
	s.form = r.PostForm
	return nil
}

func requestBodyIsJSON(r *http.Request) bool {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return false
	}
	mt := requestBodyMediaType(r)
	return strings.HasPrefix(mt, "application/json") || strings.HasSuffix(mt, "+json")
}

func requestBodyMediaType(r *http.Request) string {
	ct := strings.TrimSpace(r.Header.Get("Content-Type"))
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(ct)
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// binding is a single (source, name) pair parsed from a struct tag.
type binding struct {
	source string
	name   string
	asJSON bool
}

// sourceOrder is the tag precedence when several are present on one field.
var sourceOrder = []string{"path", "query", "form", "body", "cookie", "header"}

func parseBindings(sf reflect.StructField) ([]binding, bool, error) {
	var out []binding
	ignored := false
	for _, source := range sourceOrder {
		val, ok := sf.Tag.Lookup(source)
		if !ok {
			continue
		}
		name, rest, _ := strings.Cut(val, ",")
		name = strings.TrimSpace(name)
		if name == "-" {
			ignored = true
			continue
		}
		if name == "" {
			name = strings.ToLower(sf.Name)
		}
		b := binding{source: source, name: name}
		for _, flag := range strings.Split(rest, ",") {
			switch strings.ToLower(strings.TrimSpace(flag)) {
			case "":
			case "json":
				b.asJSON = true
			default:
				return nil, false, fmt.Errorf("unknown %s tag flag %q", source, flag)
			}
		}
		out = append(out, b)
	}
	return out, ignored, nil
}

func decodeStruct(structVal reflect.Value, src *sources) error {
	t := structVal.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" { // unexported, including the root "_" marker
			continue
		}
		fv := structVal.Field(i)

		bindings, ignored, err := parseBindings(sf)
		if err != nil {
			return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}
		if ignored && len(bindings) == 0 {
			continue
		}

		limit := defaultFieldLimit
		if tag, ok := sf.Tag.Lookup("maxLength"); ok {
			tag = strings.TrimSpace(tag)
			if tag == "" {
				limit = 0
			} else if n, err := strconv.Atoi(tag); err != nil || n < 0 {
				return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: maxLength %q", sf.Name, tag))
			} else {
				limit = n
			}
		}

		// Untagged fields: structs recurse (unless they decode themselves from
		// text), everything else defaults to path then query.
		if len(bindings) == 0 {
			if target, ok := derefForRecursion(fv); ok && !isTextUnmarshaler(fv) {
				if err := decodeStruct(target, src); err != nil {
					return err
				}
				continue
			}
			name := strings.ToLower(sf.Name)
			bindings = []binding{{source: "path", name: name}, {source: "query", name: name}}
		}

		for _, b := range bindings {
			// File uploads bypass the byte-value pipeline entirely.
			if b.source == "form" && fv.Type() == reflect.TypeOf([]*multipart.FileHeader(nil)) {
				if hs := src.files[b.name]; len(hs) > 0 {
					fv.Set(reflect.ValueOf(hs))
					break
				}
				continue
			}

			// Body fields of non-text types default to JSON decoding.
			asJSON := b.asJSON
			if b.source == "body" && !asJSON && !isStringOrBytes(fv.Type()) {
				asJSON = true
			}

			values, present, err := src.fetch(b)
			if err != nil {
				return err
			}
			if !present {
				continue
			}
			for _, val := range values {
				if limit > 0 && len(val) > limit {
					return Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: value exceeds max length %d", b.source, b.name, sf.Name, limit))
				}
			}
			if err := setField(fv, values, asJSON); err != nil {
				return Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: %w", b.source, b.name, sf.Name, err))
			}
			break
		}
	}
	return nil
}

func derefForRecursion(fv reflect.Value) (reflect.Value, bool) {
	if fv.Kind() == reflect.Pointer && fv.Type().Elem().Kind() == reflect.Struct {
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		fv = fv.Elem()
	}
	if fv.Kind() == reflect.Struct {
		return fv, true
	}
	return reflect.Value{}, false
}

func isTextUnmarshaler(fv reflect.Value) bool {
	tu := reflect.TypeFor[encoding.TextUnmarshaler]()
	if fv.Kind() == reflect.Pointer {
		return fv.Type().Implements(tu)
	}
	return (fv.CanAddr() && fv.Addr().Type().Implements(tu)) || fv.Type().Implements(tu)
}

func isStringOrBytes(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.String || (t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8)
}

// fetch returns the raw byte values for a binding and whether any were
// present in the request.
func (s *sources) fetch(b binding) ([][]byte, bool, error) {
	asBytes := func(vs []string) [][]byte {
		out := make([][]byte, len(vs))
		for i, v := range vs {
			out[i] = []byte(v)
		}
		return out
	}

	switch b.source {
	case "path":
		if v := s.req.PathValue(b.name); v != "" {
			return [][]byte{[]byte(v)}, true, nil
		}
	case "query":
		if vs := s.query[b.name]; len(vs) > 0 {
			return asBytes(vs), true, nil
		}
	case "form":
		if vs := s.form[b.name]; len(vs) > 0 {
			return asBytes(vs), true, nil
		}
	case "body":
		if s.req.Body == nil || s.req.Body == http.NoBody {
			return nil, false, nil
		}
		data, err := io.ReadAll(s.req.Body)
		if err != nil {
			return nil, false, Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: body: %w", err))
		}
		return [][]byte{data}, true, nil
	case "cookie":
		var out [][]byte
		for _, ck := range s.req.Cookies() {
			if ck.Name == b.name {
				out = append(out, []byte(ck.Value))
			}
		}
		if len(out) > 0 {
			return out, true, nil
		}
	case "header":
		// Access the map directly to distinguish present-but-empty from missing.
		if vs := s.req.Header[http.CanonicalHeaderKey(b.name)]; len(vs) > 0 {
			return asBytes(vs), true, nil
		}
	}
	return nil, false, nil
}

func setField(v reflect.Value, values [][]byte, asJSON bool) error {
	if len(values) == 0 {
		return nil
	}
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}

	// Non-byte slice fields collect one element per value; JSON payloads are
	// treated as a single document even when the field is a slice.
	isByteSlice := v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8
	if v.Kind() == reflect.Slice && !isByteSlice && !asJSON {
		slice := reflect.MakeSlice(v.Type(), 0, len(values))
		for _, val := range values {
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := setScalar(elem, val, asJSON); err != nil {
				return err
			}
			slice = reflect.Append(slice, elem)
		}
		v.Set(slice)
		return nil
	}

	return setScalar(v, values[0], asJSON)
}

func setScalar(v reflect.Value, b []byte, asJSON bool) error {
	if !v.CanSet() || !v.CanAddr() {
		return errors.New("field is not settable")
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return setScalar(v.Elem(), b, asJSON)
	}

	if asJSON {
		return json.NewDecoder(bytes.NewReader(b)).Decode(v.Addr().Interface())
	}

	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
		v.SetBytes(b)
		return nil
	}

	// TextUnmarshaler handles custom leaf types such as time.Time. Pointer
	// receiver is preferred to match common implementations.
	if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return u.UnmarshalText(b)
	}
	if u, ok := v.Interface().(encoding.TextUnmarshaler); ok {
		return u.UnmarshalText(b)
	}

	s := string(b)
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		bb, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(bb)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
	default:
		return fmt.Errorf("unsupported kind %s", v.Kind())
	}
	return nil
}
