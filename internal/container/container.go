// Package container wires together Raskol's configuration, logger,
// accounting store, identity verifier and upstream client.
package container

import (
	"fmt"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/org/raskol/internal/admission"
	"github.com/org/raskol/internal/config"
	"github.com/org/raskol/internal/identity"
	"github.com/org/raskol/internal/router"
	"github.com/org/raskol/internal/store"
	"github.com/org/raskol/internal/upstream"
	"github.com/org/raskol/pkg/logger"
)

// Container holds every long-lived dependency the server needs.
type Container struct {
	Config   *config.Config
	Logger   *logger.Logger
	Store    *store.Store
	Verifier *identity.Verifier
	Upstream *upstream.Client
}

// New loads configuration from dir, opens the accounting store, and wires
// the identity verifier and upstream client.
func New(dir string) (*Container, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.Open(cfg.DBPath(), time.Duration(cfg.SQLiteBusyTimeout*float64(time.Second)))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	verifier := identity.NewVerifier(identity.Config{
		Secret:   cfg.JWT.Secret,
		Audience: cfg.JWT.Audience,
		Issuer:   cfg.JWT.Issuer,
	})

	upstreamClient := upstream.NewClient(upstream.Config{
		TargetAddress:      cfg.TargetAddress,
		TargetAuthToken:    cfg.TargetAuthToken,
		Timeout:            60 * time.Second,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})

	return &Container{
		Config:   cfg,
		Logger:   log,
		Store:    st,
		Verifier: verifier,
		Upstream: upstreamClient,
	}, nil
}

// Limits derives the admission controller's limits from configuration.
func (c *Container) Limits() admission.Limits {
	return admission.Limits{
		MinHitInterval:  time.Duration(c.Config.MinHitInterval * float64(time.Second)),
		MaxTokensPerDay: c.Config.MaxTokensPerDay,
	}
}

// Router builds the HTTP router for this container's dependencies.
func (c *Container) Router() *chi.Mux {
	return router.New(router.Deps{
		Verifier:    c.Verifier,
		Store:       c.Store,
		Upstream:    c.Upstream,
		Limits:      c.Limits(),
		Logger:      c.Logger,
		CORSOrigins: []string{fmt.Sprintf("http://%s", c.Config.ListenAddr()), fmt.Sprintf("https://%s", c.Config.ListenAddr())},
	})
}

// Close releases the accounting store's database handle.
func (c *Container) Close() error {
	return c.Store.Close()
}
