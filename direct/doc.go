// Package direct implements a server-side Ext.Direct remoting provider
// integrated with the endpoint processor/renderer pipeline.
//
// Ext.Direct exposes server methods as remotely callable actions to an ExtJS
// client. The provider keeps a registry of action/method pairs, publishes a
// machine-readable API descriptor, and routes batched requests to the
// registered methods, wrapping each result or failure in the protocol's
// response envelope.
//
// # Basic Usage
//
// Create a provider, register receiver structs, and mount its endpoints:
//
//	p := direct.NewProvider(direct.Config{Debug: true})
//	p.Register("Calculator", &CalcMethods{})
//
//	mux := http.NewServeMux()
//	p.Mount(mux, "/extdirect")
//	http.ListenAndServe(":8080", mux)
//
// This serves GET /extdirect/api.json, GET /extdirect/api.js, and
// POST /extdirect/router.
//
// # Method Signatures
//
// Methods are defined on a receiver struct with a params struct:
//
//	type CalcMethods struct{}
//
//	type AddParams struct {
//	    A float64 `json:"a"`
//	    B float64 `json:"b"`
//	}
//
//	func (m *CalcMethods) Add(r *http.Request, params AddParams) (any, error) {
//	    return params.A + params.B, nil
//	}
//
// The params struct declares the method's argument names and order; the
// descriptor advertises len equal to the field count. Clients may send either
// a positional array or a single object keyed by the declared names. Use an
// empty struct for methods without arguments.
//
// Form/upload handlers take a *FormSubmission instead of a params struct:
//
//	func (m *Files) Upload(r *http.Request, form *direct.FormSubmission) (any, error)
//
// and are advertised with formHandler: true.
//
// # Results
//
// A method may return any JSON-serializable value, a RawJSON value holding
// pre-serialized JSON to splice into the response verbatim, or an error.
// Errors become exception envelopes; sibling requests in the same batch are
// unaffected.
package direct
