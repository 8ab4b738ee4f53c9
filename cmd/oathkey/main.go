package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/oathkey/internal/store"
	"github.com/knadh/oathkey/internal/token"
	"github.com/zerodha/logf"
)

// App is the global app context that groups the necessary
// controls (device, cache, config etc.) to be injected into the HTTP handlers.
type App struct {
	mgr       *token.Manager
	cache     store.Store
	refresher *token.Refresher
	validate  *validator.Validate
	trans     ut.Translator
	lo        *logf.Logger

	// mu serializes device operations of handlers and the refresher.
	mu sync.Mutex
}

var (
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()

	lo := initLogger(ko.Bool("app.debug"))

	usb, tr := initTransport(lo)
	defer usb.Close()

	app := &App{
		cache: initCache(lo),
		lo:    lo,
	}
	app.validate, app.trans = initValidator()

	app.mgr = token.New(initOath(tr, lo), tr, app.cache, token.Opt{
		ClockOffset: time.Duration(ko.Int64("app.clock_offset")) * time.Second,
	}, lo)
	initLocal(app.mgr, lo)

	authCreds := initAuth(lo)
	if len(authCreds) == 0 {
		lo.Fatal("no auth entries found in config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A missing device isn't fatal. It can be connected later over the API
	// and the refresher retries on every time-step.
	if err := connectDevice(ctx, app.mgr, uint64(ko.Int64("app.connect_retries")), lo); err != nil {
		lo.Warn("device not connected", "error", err)
	}

	app.refresher = token.NewRefresher(app.mgr, &app.mu, time.Second, lo)
	go app.refresher.Run(ctx)

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      initHTTPHandlers(app, authCreds),
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
		tr.Disconnect()
	}()

	lo.Info("starting server", "address", srv.Addr, "version", buildString)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		lo.Fatal("couldn't start server", "error", err)
	}
}

// initHTTPHandlers registers the API routes.
func initHTTPHandlers(app *App, authCreds map[string]string) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("oathkey"))
	})
	r.Get("/api/health", auth(authCreds, wrap(app, handleHealthCheck)))
	r.Post("/api/connect", auth(authCreds, wrap(app, handleConnect)))
	r.Get("/api/entries", auth(authCreds, wrap(app, handleGetEntries)))
	r.Put("/api/entries", auth(authCreds, wrap(app, handleAddEntry)))
	r.Delete("/api/entries/{name}", auth(authCreds, wrap(app, handleDeleteEntry)))
	r.Get("/api/entries/{name}/code", auth(authCreds, wrap(app, handleGetCode)))
	r.Get("/api/codes", auth(authCreds, wrap(app, handleGetCodes)))

	return r
}
