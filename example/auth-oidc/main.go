package main

import (
	"context"
	"crypto/rand"
	"log"
	"net/http"
	"os"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/joho/godotenv"

	"github.com/mnehpets/extdirect/auth"
	"github.com/mnehpets/extdirect/config"
	"github.com/mnehpets/extdirect/direct"
	"github.com/mnehpets/extdirect/middleware"
)

// Profile exposes the logged-in user to the remoting client. Methods return
// a login redirect when no user is logged in, which the router reports as
// the session-expired exception.
type Profile struct {
	LoginURL string
}

type WhoamiParams struct{}

func (p *Profile) Whoami(r *http.Request, params WhoamiParams) (any, error) {
	session, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		return nil, err
	}
	username, ok := session.Username()
	if !ok {
		return nil, direct.RedirectTo(p.LoginURL)
	}
	return map[string]any{"username": username}, nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	clientID := os.Getenv("OAUTH_CLIENT_ID")
	clientSecret := os.Getenv("OAUTH_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		log.Fatal("OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET must be set")
	}

	keys := cfg.Keys()
	if keys == nil {
		// Sessions issued under a throwaway key do not survive restarts.
		key := make([]byte, middleware.KeySize)
		if _, err := rand.Read(key); err != nil {
			log.Fatal(err)
		}
		keys = map[string][]byte{cfg.SessionKeyID: key}
	}

	sessions, err := middleware.NewSessionProcessor(
		middleware.DefaultSessionCookie, cfg.SessionKeyID, keys,
		middleware.WithSecure(false), // http://localhost
	)
	if err != nil {
		log.Fatal(err)
	}

	registry := auth.NewRegistry()
	err = registry.RegisterOIDC(context.Background(),
		"google", "https://accounts.google.com", clientID, clientSecret,
		[]string{oidc.ScopeOpenID, "profile", "email"})
	if err != nil {
		log.Fatalf("Failed to register OIDC provider: %v", err)
	}

	authHandler, err := auth.NewHandler(registry, cfg.SessionKeyID, keys,
		"http://localhost:8080", "/auth",
		auth.WithCookieOptions(middleware.WithSecure(false)),
		auth.WithProcessors(sessions),
	)
	if err != nil {
		log.Fatal(err)
	}

	loginURL := "/auth/login/google"
	providerCfg := cfg.Provider()
	providerCfg.LoginURL = loginURL

	provider := direct.NewProvider(providerCfg)
	provider.Register("Profile", &Profile{LoginURL: loginURL})

	mux := http.NewServeMux()
	mux.Handle("/auth/", authHandler)
	provider.Mount(mux, "/extdirect", sessions,
		&middleware.CSRFProcessor{CookieName: cfg.CSRFCookie, Insecure: true})

	log.Println("Listening on", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		log.Fatal(err)
	}
}
