package direct

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mnehpets/extdirect/endpoint"
)

// request is one decoded batch item. Pointer fields distinguish absent keys
// from empty values; all five are required on the wire.
type request struct {
	Action *string         `json:"action"`
	Method *string         `json:"method"`
	Data   json.RawMessage `json:"data"`
	Type   *string         `json:"type"`
	TID    json.RawMessage `json:"tid"`
}

// successResponse is the per-item success envelope.
type successResponse struct {
	Type   string          `json:"type"`
	TID    json.RawMessage `json:"tid"`
	Action string          `json:"action"`
	Method string          `json:"method"`
	Result any             `json:"result"`
}

// exceptionResponse is the per-item failure envelope. A nil TID serializes
// as null, which is what the protocol specifies when no transaction id is
// known (malformed request bodies).
type exceptionResponse struct {
	Type    string          `json:"type"`
	TID     json.RawMessage `json:"tid"`
	Message string          `json:"message"`
	Where   string          `json:"where"`
}

func exception(tid json.RawMessage, message, where string) *exceptionResponse {
	return &exceptionResponse{Type: "exception", TID: tid, Message: message, Where: where}
}

// routerParams captures both submission modes: the five extDirect form
// fields for form-mode posts, and the raw body for JSON-mode posts. JSON
// parsing is deferred into the endpoint because protocol errors must be
// reported as exception envelopes, not as HTTP errors.
type routerParams struct {
	Action *string `form:"extAction"`
	Method *string `form:"extMethod"`
	Type   *string `form:"extType"`
	Upload *string `form:"extUpload"`
	TID    *string `form:"extTID"`
	Body   []byte  `body:""`
}

// RouterEndpoint implements the Ext.Direct router: it decodes the incoming
// request, dispatches to registered methods, and
// encodes responses and exceptions. Pass to endpoint.Handler to create an
// http.Handler, or use Router/Mount.
func (p *Provider) RouterEndpoint(w http.ResponseWriter, r *http.Request, params routerParams) (endpoint.Renderer, error) {
	if r.Method != http.MethodPost {
		return nil, endpoint.Error(http.StatusMethodNotAllowed, "Ext.Direct requires POST", nil)
	}

	// A post carrying all five extDirect fields is a form submission; there
	// is no JSON body to parse in that mode.
	if params.Action != nil && params.Method != nil && params.Type != nil && params.Upload != nil && params.TID != nil {
		return p.processFormRequest(r, params)
	}

	return p.processNormalRequest(r, params.Body)
}

// processNormalRequest handles JSON-mode requests: a single request
// descriptor or a batch of them.
func (p *Provider) processNormalRequest(r *http.Request, body []byte) (endpoint.Renderer, error) {
	var items []json.RawMessage
	single := true

	if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(body, &items); err != nil {
			return p.malformed(err), nil
		}
		single = false
	} else {
		items = []json.RawMessage{body}
	}

	responses := make([]any, 0, len(items))
	for _, raw := range items {
		var req request
		if err := json.Unmarshal(raw, &req); err != nil {
			// An unparseable single body is a decode failure with no known
			// transaction id. Inside a batch the array itself parsed, so a
			// bad element is a defective client, not a defective body.
			if single {
				return p.malformed(err), nil
			}
			return nil, endpoint.Error(http.StatusBadRequest, "invalid request descriptor", err)
		}
		if req.Action == nil || req.Method == nil || req.Type == nil || len(req.TID) == 0 {
			return nil, endpoint.Error(http.StatusBadRequest, "invalid request descriptor", nil)
		}
		responses = append(responses, p.processItem(r, req))
	}

	// A batch of one collapses to a bare envelope.
	var value any = responses
	if len(responses) == 1 {
		value = responses[0]
	}
	return &endpoint.JSONRenderer{Value: value}, nil
}

func (p *Provider) malformed(err error) endpoint.Renderer {
	return &endpoint.JSONRenderer{
		Value: exception(nil, "malformed request", err.Error()),
	}
}

// processItem resolves and invokes one batch item, capturing the outcome as
// an envelope. Failures never propagate past this point; one item cannot
// abort its siblings.
func (p *Provider) processItem(r *http.Request, req request) any {
	actionName, methodName, tid := *req.Action, *req.Method, req.TID

	m, actionOK, methodOK := p.lookup(actionName, methodName)
	if !actionOK {
		return exception(tid, "no such action", actionName)
	}
	if !methodOK {
		return exception(tid, "no such method", methodName)
	}

	data := decodeData(req.Data)

	// A single object element matching every declared argument name is a
	// named-argument call; unpack it into positional order. Any missing name
	// abandons the unpacking and the data is taken as positional.
	if m.argCount() >= 1 && len(data) == 1 {
		if named := unpackNamed(m.argNames, data[0]); named != nil {
			data = named
		}
	}

	if len(data) != m.argCount() {
		return exception(tid, "invalid arguments",
			fmt.Sprintf("Expected %d, got %d", m.argCount(), len(data)))
	}

	var result any
	var err error
	if m.form {
		result, err = m.callForm(r, formFromRequest(r))
	} else {
		result, err = m.call(r, data)
	}
	if err != nil {
		return p.failure(tid, err)
	}

	return &successResponse{
		Type:   *req.Type,
		TID:    tid,
		Action: actionName,
		Method: methodName,
		Result: result,
	}
}

// decodeData normalizes the data member to a slice of raw arguments. Absent
// and null both mean no arguments; a non-array value is taken as a single
// argument.
func decodeData(raw json.RawMessage) []json.RawMessage {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '[' {
		var out []json.RawMessage
		if err := json.Unmarshal(raw, &out); err == nil {
			return out
		}
	}
	return []json.RawMessage{raw}
}

// unpackNamed maps an object argument onto the declared names, in order.
// Returns nil when elem is not an object or any name is missing.
func unpackNamed(argNames []string, elem json.RawMessage) []json.RawMessage {
	trimmed := bytes.TrimLeft(elem, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(elem, &fields); err != nil {
		return nil
	}
	out := make([]json.RawMessage, 0, len(argNames))
	for _, name := range argNames {
		val, ok := fields[name]
		if !ok {
			return nil
		}
		out = append(out, val)
	}
	return out
}

// failure maps an invocation error onto the protocol's exception envelope.
//
//   - Redirect to the configured login URL: the session expired under the
//     caller; the canonical message lets the client re-authenticate.
//   - Other redirects and client-visible EndpointErrors carry their message
//     with no trace.
//   - Anything else is a handler failure: message is the error text and the
//     trace is exposed only in debug mode.
func (p *Provider) failure(tid json.RawMessage, err error) *exceptionResponse {
	var redirect *Redirect
	if errors.As(err, &redirect) {
		if p.cfg.LoginURL != "" && strings.HasPrefix(redirect.URL, p.cfg.LoginURL) {
			return exception(tid, "Login Required / Session Expired", "")
		}
		return exception(tid, "", "")
	}

	var ee *endpoint.EndpointError
	if errors.As(err, &ee) && ee.Status != 0 && (ee.Status < 200 || ee.Status >= 300) {
		return exception(tid, ee.Message, "")
	}

	where := ""
	if p.cfg.Debug {
		var pe *PanicError
		if errors.As(err, &pe) {
			where = string(pe.Stack)
		} else {
			where = fmt.Sprintf("%+v", err)
		}
	}
	return exception(tid, err.Error(), where)
}

// formFromRequest collects the parsed form fields and multipart files. The
// endpoint decoder has already parsed the body by the time the router runs.
func formFromRequest(r *http.Request) *FormSubmission {
	form := &FormSubmission{Values: r.PostForm}
	if r.MultipartForm != nil {
		form.Values = r.MultipartForm.Value
		form.Files = r.MultipartForm.File
	}
	return form
}

// processFormRequest handles form-mode submissions: a single item whose
// arguments travel as form fields and files rather than positional data.
func (p *Provider) processFormRequest(r *http.Request, params routerParams) (endpoint.Renderer, error) {
	actionName, methodName := *params.Action, *params.Method
	tid, err := json.Marshal(*params.TID)
	if err != nil {
		return nil, endpoint.Error(http.StatusBadRequest, "invalid transaction id", err)
	}

	var response any
	m, actionOK, methodOK := p.lookup(actionName, methodName)
	switch {
	case !actionOK:
		response = exception(tid, "no such action", actionName)
	case !methodOK:
		response = exception(tid, "no such method", methodName)
	case !m.form && m.argCount() > 0:
		response = exception(tid, fmt.Sprintf("%s.%s is not a form handler", actionName, methodName), "")
	default:
		var result any
		var err error
		if m.form {
			result, err = m.callForm(r, formFromRequest(r))
		} else {
			result, err = m.call(r, nil)
		}
		if err != nil {
			response = p.failure(tid, err)
		} else {
			response = &successResponse{
				Type:   *params.Type,
				TID:    tid,
				Action: actionName,
				Method: methodName,
				Result: result,
			}
		}
	}

	// Multipart uploads land in a hidden iframe on the client, which reads
	// the envelope out of a textarea instead of parsing a JSON response.
	if *params.Upload == "true" {
		encoded, err := json.Marshal(response)
		if err != nil {
			return nil, err
		}
		return &endpoint.HTMLRenderer{StringRenderer: endpoint.StringRenderer{
			Body: "<html><body><textarea>" + string(encoded) + "</textarea></body></html>",
		}}, nil
	}

	return &endpoint.JSONRenderer{Value: response}, nil
}

// Router returns an http.Handler serving the router endpoint with the given
// processors.
func (p *Provider) Router(processors ...endpoint.Processor) http.Handler {
	return endpoint.Handler(p.RouterEndpoint, processors...)
}
