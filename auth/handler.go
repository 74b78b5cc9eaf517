package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/mnehpets/extdirect/endpoint"
	"github.com/mnehpets/extdirect/middleware"
)

// DefaultCookieName is the default name of the flow-state cookie.
const DefaultCookieName = "xda"

// flowTTL is how long a started login flow stays completable.
const flowTTL = time.Hour

// maxFlows caps concurrent in-flight flows per user-agent, bounding cookie
// size and the replay surface.
const maxFlows = 3

// Identity is the verified outcome of a login flow, handed to the completion
// hook.
type Identity struct {
	ProviderID string
	Token      *oauth2.Token
	IDToken    *oidc.IDToken // nil for plain OAuth2 providers
	Subject    string        // id_token sub claim, "" for plain OAuth2
	// Next is the validated post-login destination, always a local path.
	Next string
}

// StableID returns "provider:subject", a user identifier that is stable
// across logins and unique across providers.
func (id *Identity) StableID() string {
	return id.ProviderID + ":" + id.Subject
}

// LoginFunc completes a successful flow. The default implementation logs
// the stable id into the request session and redirects to identity.Next.
type LoginFunc func(w http.ResponseWriter, r *http.Request, identity *Identity) (endpoint.Renderer, error)

func defaultLogin(w http.ResponseWriter, r *http.Request, identity *Identity) (endpoint.Renderer, error) {
	session, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "no session", err)
	}
	username := identity.StableID()
	if identity.Subject == "" {
		return nil, endpoint.Error(http.StatusInternalServerError, "provider supplies no subject", nil)
	}
	if err := session.Login(username); err != nil {
		return nil, err
	}
	return &endpoint.RedirectRenderer{URL: identity.Next, Status: http.StatusFound}, nil
}

// flowState is the per-flow record sealed into the cookie, keyed by the
// OAuth state parameter.
type flowState struct {
	Next     string    `cbor:"1,keyasint,omitempty"`
	Nonce    string    `cbor:"2,keyasint,omitempty"`
	Verifier string    `cbor:"3,keyasint,omitempty"`
	Expires  time.Time `cbor:"4,keyasint"`
}

type flowJar map[string]flowState

// Handler orchestrates the login and callback endpoints for every provider
// in a Registry. It implements http.Handler; mount it at basePath.
type Handler struct {
	mux       *http.ServeMux
	registry  *Registry
	publicURL string
	basePath  string

	cookie *middleware.SecureCookie
	login  LoginFunc

	processors    []endpoint.Processor
	cookieOptions []middleware.SecureCookieOption
}

// Option configures a Handler.
type Option func(*Handler)

// WithProcessors attaches processors to both auth endpoints. The session
// processor belongs here when the default completion hook is used.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) { h.processors = append(h.processors, p...) }
}

// WithCookieOptions configures the flow-state cookie attributes.
func WithCookieOptions(opts ...middleware.SecureCookieOption) Option {
	return func(h *Handler) { h.cookieOptions = append(h.cookieOptions, opts...) }
}

// WithLoginFunc replaces the completion hook.
func WithLoginFunc(fn LoginFunc) Option {
	return func(h *Handler) { h.login = fn }
}

// NewHandler creates a Handler. publicURL is the externally visible base URL
// of the application ("https://example.com"); basePath is where the handler
// is mounted ("/auth"). keys seal the flow-state cookie.
func NewHandler(registry *Registry, keyID string, keys map[string][]byte, publicURL, basePath string, opts ...Option) (*Handler, error) {
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	h := &Handler{
		mux:       http.NewServeMux(),
		registry:  registry,
		publicURL: strings.TrimRight(publicURL, "/"),
		basePath:  basePath,
		login:     defaultLogin,
	}
	for _, opt := range opts {
		opt(h)
	}

	cookie, err := middleware.NewSecureCookie(DefaultCookieName, keyID, keys, h.cookieOptions...)
	if err != nil {
		return nil, err
	}
	h.cookie = cookie

	h.mux.HandleFunc("GET "+path.Join(basePath, "login", "{provider}"),
		endpoint.HandleFunc(h.loginEndpoint, h.processors...))
	h.mux.HandleFunc("GET "+path.Join(basePath, "callback", "{provider}"),
		endpoint.HandleFunc(h.callbackEndpoint, h.processors...))
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type loginParams struct {
	ProviderID string `path:"provider"`
	Next       string `query:"next"`
}

func (h *Handler) loginEndpoint(w http.ResponseWriter, r *http.Request, params loginParams) (endpoint.Renderer, error) {
	p, ok := h.registry.Get(params.ProviderID)
	if !ok {
		return nil, endpoint.Error(http.StatusNotFound, "unknown provider", nil)
	}

	state, err := randomToken()
	if err != nil {
		return nil, err
	}
	flow := flowState{Next: localPath(params.Next)}

	conf := *p.config
	conf.RedirectURL = h.callbackURL(p.id)
	var authOpts []oauth2.AuthCodeOption

	if p.usePKCE {
		verifier, challenge, err := newPKCE()
		if err != nil {
			return nil, err
		}
		flow.Verifier = verifier
		authOpts = append(authOpts,
			oauth2.SetAuthURLParam("code_challenge", challenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"))
	}
	if p.oidc != nil {
		nonce, err := randomToken()
		if err != nil {
			return nil, err
		}
		flow.Nonce = nonce
		authOpts = append(authOpts, oidc.Nonce(nonce))
	}

	if err := h.pushFlow(w, r, state, flow); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "saving flow state failed", err)
	}
	return &endpoint.RedirectRenderer{URL: conf.AuthCodeURL(state, authOpts...), Status: http.StatusFound}, nil
}

type callbackParams struct {
	ProviderID string `path:"provider"`
	State      string `query:"state"`
	Code       string `query:"code"`
	Error      string `query:"error"`
	ErrorDesc  string `query:"error_description"`
}

func (h *Handler) callbackEndpoint(w http.ResponseWriter, r *http.Request, params callbackParams) (endpoint.Renderer, error) {
	p, ok := h.registry.Get(params.ProviderID)
	if !ok {
		return nil, endpoint.Error(http.StatusNotFound, "unknown provider", nil)
	}

	flow, err := h.popFlow(w, r, params.State)
	if err != nil {
		return nil, endpoint.Error(http.StatusBadRequest, "invalid state", err)
	}
	if params.Error != "" {
		msg := params.Error
		if params.ErrorDesc != "" {
			msg += ": " + params.ErrorDesc
		}
		return nil, endpoint.Error(http.StatusBadRequest, "provider error: "+msg, nil)
	}

	conf := *p.config
	conf.RedirectURL = h.callbackURL(p.id)
	var exchangeOpts []oauth2.AuthCodeOption
	if flow.Verifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.SetAuthURLParam("code_verifier", flow.Verifier))
	}
	token, err := conf.Exchange(r.Context(), params.Code, exchangeOpts...)
	if err != nil {
		return nil, endpoint.Error(http.StatusBadGateway, "token exchange failed", err)
	}

	identity := &Identity{ProviderID: p.id, Token: token, Next: flow.Next}
	if p.oidc != nil {
		raw, ok := token.Extra("id_token").(string)
		if !ok {
			return nil, endpoint.Error(http.StatusBadGateway, "no id_token in token response", nil)
		}
		idToken, err := p.verifier.Verify(r.Context(), raw)
		if err != nil {
			return nil, endpoint.Error(http.StatusBadRequest, "id_token verification failed", err)
		}
		if flow.Nonce != "" &&
			subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(flow.Nonce)) != 1 {
			return nil, endpoint.Error(http.StatusBadRequest, "nonce mismatch", nil)
		}
		identity.IDToken = idToken
		identity.Subject = idToken.Subject
	}

	return h.login(w, r, identity)
}

// pushFlow adds one flow to the cookie jar, dropping expired entries and the
// oldest live entry once the jar is full.
func (h *Handler) pushFlow(w http.ResponseWriter, r *http.Request, state string, flow flowState) error {
	jar := make(flowJar)
	if c, err := r.Cookie(h.cookie.Name()); err == nil {
		if err := h.cookie.Decode(c, &jar); err != nil {
			jar = make(flowJar)
		}
	}

	now := time.Now()
	for k, v := range jar {
		if now.After(v.Expires) {
			delete(jar, k)
		}
	}
	if len(jar) >= maxFlows {
		oldest := ""
		for k, v := range jar {
			if oldest == "" || v.Expires.Before(jar[oldest].Expires) {
				oldest = k
			}
		}
		delete(jar, oldest)
	}

	flow.Expires = now.Add(flowTTL)
	jar[state] = flow
	return h.writeJar(w, jar)
}

// popFlow removes and returns the flow for state. The state is consumed even
// when expired, so a flow completes at most once.
func (h *Handler) popFlow(w http.ResponseWriter, r *http.Request, state string) (flowState, error) {
	c, err := r.Cookie(h.cookie.Name())
	if err != nil {
		return flowState{}, err
	}
	var jar flowJar
	if err := h.cookie.Decode(c, &jar); err != nil {
		return flowState{}, err
	}

	flow, ok := jar[state]
	if !ok {
		return flowState{}, errors.New("state not found")
	}
	delete(jar, state)
	if err := h.writeJar(w, jar); err != nil {
		return flowState{}, err
	}
	if time.Now().After(flow.Expires) {
		return flowState{}, errors.New("state expired")
	}
	return flow, nil
}

func (h *Handler) writeJar(w http.ResponseWriter, jar flowJar) error {
	if len(jar) == 0 {
		http.SetCookie(w, h.cookie.Clear())
		return nil
	}
	c, err := h.cookie.Encode(jar, int(flowTTL.Seconds()))
	if err != nil {
		return err
	}
	http.SetCookie(w, c)
	return nil
}

func (h *Handler) callbackURL(providerID string) string {
	u, err := url.Parse(h.publicURL)
	if err != nil {
		return h.publicURL + path.Join(h.basePath, "callback", providerID)
	}
	u.Path = path.Join(u.Path, h.basePath, "callback", providerID)
	return u.String()
}

// localPath forces next to a same-site path, defeating open redirects.
func localPath(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return "/"
	}
	return next
}

// randomToken returns 256 bits of URL-safe randomness, used for the state
// parameter and the OIDC nonce.
func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// newPKCE returns an RFC 7636 verifier and its S256 challenge.
func newPKCE() (verifier, challenge string, err error) {
	verifier, err = randomToken()
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// RequireSession returns a processor that rejects requests whose session has
// no logged-in user. Attach it in front of router endpoints that must only
// serve authenticated callers.
func RequireSession(loginURL string) endpoint.Processor {
	return endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
		session, err := middleware.SessionFromContext(r.Context())
		if err != nil {
			return endpoint.Error(http.StatusInternalServerError, "no session", err)
		}
		if _, ok := session.Username(); !ok {
			return endpoint.Error(http.StatusUnauthorized, "login required: "+loginURL, nil)
		}
		return next(w, r)
	})
}

// VerifiedEmail returns the email claim when the provider asserts it is
// verified.
func VerifiedEmail(token *oidc.IDToken) (string, bool) {
	if token == nil {
		return "", false
	}
	var claims oidc.UserInfo
	if err := token.Claims(&claims); err != nil || !claims.EmailVerified {
		return "", false
	}
	return claims.Email, true
}
