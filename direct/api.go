package direct

import (
	"encoding/json"
	"net/http"
	"path"
	"text/template"
	"time"

	"github.com/mnehpets/extdirect/endpoint"
)

// MethodInfo is one method entry in the API descriptor.
type MethodInfo struct {
	Name        string `json:"name"`
	Len         int    `json:"len"`
	FormHandler bool   `json:"formHandler,omitempty"`
}

// Actions returns the descriptor fragment for every registered action:
// one entry per method, in registration order.
func (p *Provider) Actions() map[string][]MethodInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string][]MethodInfo, len(p.actions))
	for name, act := range p.actions {
		infos := make([]MethodInfo, 0, len(act.order))
		for _, methodName := range act.order {
			m := act.methods[methodName]
			infos = append(infos, MethodInfo{
				Name:        methodName,
				Len:         m.argCount(),
				FormHandler: m.form,
			})
		}
		out[name] = infos
	}
	return out
}

// document assembles the full API descriptor: provider-level extras, the
// router URL, the protocol type literal, the action map, and the timeout in
// milliseconds.
func (p *Provider) document() map[string]any {
	doc := make(map[string]any, len(p.cfg.Extra)+4)
	for k, v := range p.cfg.Extra {
		doc[k] = v
	}
	doc["url"] = p.cfg.URL
	doc["type"] = "remoting"
	doc["actions"] = p.Actions()
	doc["timeout"] = int64(p.cfg.Timeout / time.Millisecond)
	return doc
}

type apiParams struct{}

// APIEndpoint serves the descriptor as a plain JSON document (api.json).
func (p *Provider) APIEndpoint(w http.ResponseWriter, r *http.Request, _ apiParams) (endpoint.Renderer, error) {
	return &endpoint.JSONRenderer{Value: p.document()}, nil
}

// apiScript renders the JavaScript form of the descriptor. The AutoAdd
// boilerplate injects the CSRF token into every Ext.Ajax request and
// registers the provider with Ext.Direct on the client.
var apiScript = template.Must(template.New("api.js").Parse(
	`{{.Name}} = {{.Descriptor}};
{{- if .AutoAdd}}
Ext.Ajax.on("beforerequest", function(conn, options){
    if( !options.headers )
        options.headers = {};
    options.headers["X-CSRFToken"] = Ext.util.Cookies.get("{{.Cookie}}");
});
Ext.Direct.addProvider( {{.Name}} );
{{- end}}
`))

// ScriptEndpoint serves the descriptor as an embeddable script (api.js) that
// assigns the document to the configured global variable.
func (p *Provider) ScriptEndpoint(w http.ResponseWriter, r *http.Request, _ apiParams) (endpoint.Renderer, error) {
	descriptor, err := json.Marshal(p.document())
	if err != nil {
		return nil, err
	}
	return &endpoint.TextTemplateRenderer{
		Template:    apiScript,
		ContentType: "text/javascript",
		Values: map[string]any{
			"Name":       p.cfg.Name,
			"Descriptor": string(descriptor),
			"AutoAdd":    p.cfg.AutoAdd,
			"Cookie":     p.cfg.CSRFCookie,
		},
	}, nil
}

// API returns an http.Handler serving api.json.
func (p *Provider) API(processors ...endpoint.Processor) http.Handler {
	return endpoint.Handler(p.APIEndpoint, processors...)
}

// Script returns an http.Handler serving api.js.
func (p *Provider) Script(processors ...endpoint.Processor) http.Handler {
	return endpoint.Handler(p.ScriptEndpoint, processors...)
}

// Mount registers the three provider endpoints on mux under base:
// GET base/api.json, GET base/api.js, and POST base/router. When the
// configured URL is empty it is set to the router path so the descriptor
// advertises the mounted location.
func (p *Provider) Mount(mux *http.ServeMux, base string, processors ...endpoint.Processor) {
	if base == "" {
		base = "/"
	}
	if p.cfg.URL == "" {
		p.cfg.URL = path.Join("/", base, "router")
	}
	mux.Handle("GET "+path.Join("/", base, "api.json"), p.API(processors...))
	mux.Handle("GET "+path.Join("/", base, "api.js"), p.Script(processors...))
	mux.Handle("POST "+path.Join("/", base, "router"), p.Router(processors...))
}
