package main

import (
	"errors"
	"log"
	"net/http"

	"github.com/joho/godotenv"

	"github.com/mnehpets/extdirect/config"
	"github.com/mnehpets/extdirect/direct"
	"github.com/mnehpets/extdirect/middleware"
)

// Calculator exposes arithmetic over Ext.Direct.
type Calculator struct{}

type BinaryParams struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

func (c *Calculator) Add(r *http.Request, params BinaryParams) (any, error) {
	return params.A + params.B, nil
}

func (c *Calculator) Subtract(r *http.Request, params BinaryParams) (any, error) {
	return params.A - params.B, nil
}

func (c *Calculator) Divide(r *http.Request, params BinaryParams) (any, error) {
	if params.B == 0 {
		return nil, errors.New("division by zero")
	}
	return params.A / params.B, nil
}

type PingParams struct{}

// Ping returns a canned document without re-encoding it.
func (c *Calculator) Ping(r *http.Request, params PingParams) (any, error) {
	return direct.RawJSON(`{"pong":true}`), nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	provider := direct.NewProvider(cfg.Provider())
	provider.Register("Calculator", &Calculator{})

	mux := http.NewServeMux()
	provider.Mount(mux, "/extdirect",
		middleware.NewAPISecurityHeadersProcessor(),
		&middleware.CSRFProcessor{CookieName: cfg.CSRFCookie, Insecure: true},
	)

	log.Println("Listening on", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		log.Fatal(err)
	}
}
