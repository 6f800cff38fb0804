// Command raskol runs the multi-tenant reverse proxy, or mints identity
// tokens for it, depending on the subcommand given.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/org/raskol/internal/container"
	"github.com/org/raskol/internal/identity"
)

// resources holds everything that needs an orderly shutdown.
type resources struct {
	container *container.Container
	server    *http.Server
	mu        sync.Mutex
	closed    bool
}

func (r *resources) cleanup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error

	if r.server != nil {
		if err := r.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
	}
	if r.container != nil {
		if err := r.container.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("cleanup completed with %d errors: %v", len(errs), errs)
	}
	return nil
}

func main() {
	dir := flag.String("dir", "data", "working directory holding conf.toml and the accounting database")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: raskol -dir <path> <server|jwt uid ttl_seconds>")
		os.Exit(1)
	}

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create working directory %q: %v\n", *dir, err)
		os.Exit(1)
	}
	if err := os.Chdir(*dir); err != nil {
		fmt.Fprintf(os.Stderr, "failed to enter working directory %q: %v\n", *dir, err)
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "server":
		err = runServer(".")
	case "jwt":
		err = runMintJWT(".", args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "raskol: %v\n", err)
		os.Exit(1)
	}
}

func runMintJWT(dir string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: raskol jwt <uid> <ttl_seconds>")
	}
	uid := args[0]
	ttlSeconds, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid ttl_seconds %q: %w", args[1], err)
	}

	c, err := container.New(dir)
	if err != nil {
		return fmt.Errorf("init container: %w", err)
	}
	defer c.Close()

	token, err := c.Verifier.Mint(uid, identity.RoleUser, time.Duration(ttlSeconds*float64(time.Second)))
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runServer(dir string) error {
	c, err := container.New(dir)
	if err != nil {
		return fmt.Errorf("init container: %w", err)
	}

	res := &resources{container: c}

	c.Logger.WithFields(map[string]interface{}{
		"addr":           c.Config.ListenAddr(),
		"target_address": c.Config.TargetAddress,
		"data_dir":       c.Config.DataDir,
	}).Info("starting raskol")

	server := &http.Server{
		Addr:         c.Config.ListenAddr(),
		Handler:      c.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	res.server = server

	serverErrCh := make(chan error, 1)
	go func() {
		var err error
		if tls := c.Config.TLS; tls != nil {
			c.Logger.Info("listening with TLS")
			err = server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			c.Logger.Warn("listening unencrypted")
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		c.Logger.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return res.cleanup(ctx)
}
