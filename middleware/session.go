package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/mnehpets/extdirect/endpoint"
)

// DefaultSessionCookie is the default name of the session cookie.
const DefaultSessionCookie = "xds"

// ErrNoSession is returned when the request context carries no session.
var ErrNoSession = errors.New("no session in context")

// ErrNoValue is returned by Session.Get when the key is absent.
var ErrNoValue = errors.New("no value for key")

// Session is the per-request session handle. Mutations are buffered in the
// request context and written back as a sealed cookie before the response
// headers are sent.
type Session interface {
	// ID is a random identifier assigned when the session is created. It
	// survives renewals within a single login.
	ID() string
	// Username reports the logged-in principal, if any.
	Username() (string, bool)
	// Login records username and resets the session id. Call on successful
	// authentication.
	Login(username string) error
	// Logout discards all session state.
	Logout()
	// Expires reports when the session cookie lapses.
	Expires() time.Time
	// Get unmarshals the stored value for key into dest.
	Get(key string, dest any) error
	// Set stores value under key.
	Set(key string, value any) error
	// Delete removes key.
	Delete(key string)
}

// sessionData is the sealed cookie payload.
type sessionData struct {
	ID       string                     `cbor:"1,keyasint"`
	Username string                     `cbor:"2,keyasint,omitempty"`
	Expires  time.Time                  `cbor:"3,keyasint"`
	Values   map[string]cbor.RawMessage `cbor:"4,keyasint,omitempty"`
}

type session struct {
	data  sessionData
	dirty bool
}

func newSessionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}

func (s *session) ID() string { return s.data.ID }

func (s *session) Username() (string, bool) {
	return s.data.Username, s.data.Username != ""
}

func (s *session) Login(username string) error {
	if username == "" {
		return errors.New("username must not be empty")
	}
	// Fresh id on privilege change, so a pre-login cookie cannot be fixed
	// onto the authenticated session.
	s.data.ID = newSessionID()
	s.data.Username = username
	s.dirty = true
	return nil
}

func (s *session) Logout() {
	s.data = sessionData{ID: newSessionID()}
	s.dirty = true
}

func (s *session) Expires() time.Time { return s.data.Expires }

func (s *session) Get(key string, dest any) error {
	raw, ok := s.data.Values[key]
	if !ok {
		return ErrNoValue
	}
	return cbor.Unmarshal(raw, dest)
}

func (s *session) Set(key string, value any) error {
	raw, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	if s.data.Values == nil {
		s.data.Values = make(map[string]cbor.RawMessage)
	}
	s.data.Values[key] = raw
	s.dirty = true
	return nil
}

func (s *session) Delete(key string) {
	if _, ok := s.data.Values[key]; !ok {
		return
	}
	delete(s.data.Values, key)
	s.dirty = true
}

type sessionKey struct{}

// SessionFromContext returns the session attached by SessionProcessor.
func SessionFromContext(ctx context.Context) (Session, error) {
	s, ok := ctx.Value(sessionKey{}).(*session)
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

// WithSession attaches a fresh in-memory session to ctx. For tests.
func WithSession(ctx context.Context) context.Context {
	return context.WithValue(ctx, sessionKey{},
		&session{data: sessionData{ID: newSessionID()}})
}

// SessionProcessor maintains a cookie-backed session for every request.
//
// On the way in it decodes the session cookie, discarding expired or
// undecodable state, and attaches a Session to the request context. On the
// way out (via endpoint.Defer) it re-seals the cookie when the session was
// mutated or its remaining lifetime dropped below the extension threshold.
type SessionProcessor struct {
	cookie *SecureCookie

	// MaxAge is the session lifetime. Default 24h.
	MaxAge time.Duration
	// ExtendAfter renews the cookie once less than this much lifetime
	// remains. Default MaxAge/2.
	ExtendAfter time.Duration
}

// NewSessionProcessor creates a SessionProcessor sealing its cookie with the
// given key ring. Cookie options apply to the underlying SecureCookie.
func NewSessionProcessor(name, keyID string, keys map[string][]byte, opts ...SecureCookieOption) (*SessionProcessor, error) {
	sc, err := NewSecureCookie(name, keyID, keys, opts...)
	if err != nil {
		return nil, err
	}
	return &SessionProcessor{cookie: sc, MaxAge: 24 * time.Hour}, nil
}

func (sp *SessionProcessor) maxAge() time.Duration {
	if sp.MaxAge > 0 {
		return sp.MaxAge
	}
	return 24 * time.Hour
}

func (sp *SessionProcessor) extendAfter() time.Duration {
	if sp.ExtendAfter > 0 {
		return sp.ExtendAfter
	}
	return sp.maxAge() / 2
}

func (sp *SessionProcessor) load(r *http.Request) *session {
	s := &session{}
	cookie, err := r.Cookie(sp.cookie.Name())
	if err == nil {
		if err := sp.cookie.Decode(cookie, &s.data); err != nil || !s.data.Expires.After(time.Now()) {
			s.data = sessionData{}
		}
	}
	if s.data.ID == "" {
		s.data = sessionData{ID: newSessionID()}
	}
	return s
}

// Process implements endpoint.Processor.
func (sp *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	s := sp.load(r)

	ctx := context.WithValue(r.Context(), sessionKey{}, s)
	endpoint.Defer(ctx, func(w http.ResponseWriter) {
		extend := !s.data.Expires.IsZero() &&
			time.Until(s.data.Expires) < sp.extendAfter()
		if !s.dirty && !extend {
			return
		}
		s.data.Expires = time.Now().Add(sp.maxAge())
		cookie, err := sp.cookie.Encode(s.data, int(sp.maxAge()/time.Second))
		if err != nil {
			log.Printf("session: encode cookie: %v", err)
			return
		}
		http.SetCookie(w, cookie)
	})

	return next(w, r.WithContext(ctx))
}
