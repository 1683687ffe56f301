package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"scribe/backend"
	"scribe/handler"
	"scribe/remote"
	"scribe/session"
)

const Version = "0.1.0"

const usage = `scribe, a small blog with live pages.

Usage:
    scribe web
    scribe backend
    scribe migrate
    scribe -h | --help
    scribe --version

Commands:
    web        Serve the blog. Needs SCRIBE_URL and SCRIBE_KEY.
    backend    Serve the data service the blog talks to.
    migrate    Bring the data service database schema up to date.

Options:
    -h --help  Show this screen.
    --version  Show version.

Environment:
    ENV                 dev or pro [default: pro].
    ADDRESS_LISTEN      Listen address. Without it the blog serves TLS on :443.
    WHITELIST_HOST      Only host autocert may request certificates for.
    SESSION_TTL         How long idle browser sessions are kept.
    SCRIBE_SERVICE_KEY  Key allowed to change categories.
    JWT_SECRET          Access token secret of the data service.
    DB_URL              sqlite data source of the data service.
    ENABLE_SIGNUP       Allow sign-ups outside dev.
    LOG_VERBOSITY       glog verbosity.`

func main() {
	flag.Set("logtostderr", "true")
	if v := os.Getenv("LOG_VERBOSITY"); v != "" {
		flag.Set("v", v)
	}
	flag.CommandLine.Parse(nil)
	defer glog.Flush()

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case boolOpt(opts, "web"):
		err = web(ctx)
	case boolOpt(opts, "backend"):
		err = serveBackend(ctx)
	case boolOpt(opts, "migrate"):
		err = migrateDB()
	}
	if err != nil {
		glog.Exitf("%s\n", err)
	}
}

func boolOpt(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

func web(ctx context.Context) error {
	config, err := loadWebConfig()
	if err != nil {
		return err
	}
	service, err := remote.New(config.Remote)
	if err != nil {
		return err
	}
	defer service.Close()

	sessions := session.NewRegistry(service, config.SessionTTL)
	go sessions.Start()
	defer sessions.Stop()

	h := &handler.Handler{
		Sessions:    sessions,
		Environment: config.Env,
	}
	e := h.Echo()

	if config.Addr != "" {
		return serve(ctx, e, func() error { return e.Start(config.Addr) })
	}
	// Cache certificates to avoid issues with rate limits (https://letsencrypt.org/docs/rate-limits)
	e.AutoTLSManager.Cache = autocert.DirCache("/var/www/.cache")
	if onlyHost := config.WhitelistHost; onlyHost != "" {
		e.AutoTLSManager.HostPolicy = autocert.HostWhitelist(onlyHost)
	}
	e.Pre(middleware.HTTPSRedirect())
	return serve(ctx, e, func() error { return e.StartAutoTLS(":443") })
}

func serveBackend(ctx context.Context) error {
	config, err := loadBackendConfig()
	if err != nil {
		return err
	}
	fmt.Println("Running database schema migrations...")
	db, err := backend.OpenDB(config.DBURL)
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := backend.New(db, config.Server)
	if err != nil {
		return err
	}
	go s.Auth.Start()
	defer s.Auth.Stop()

	e := s.Echo()
	return serve(ctx, e, func() error { return e.Start(config.Addr) })
}

func migrateDB() error {
	fmt.Println("Running database schema migrations...")
	db, err := backend.OpenDB(os.Getenv("DB_URL"))
	if err != nil {
		return err
	}
	fmt.Println("Database schema is in its latest version")
	return db.Close()
}

// serve runs start until ctx is done, then shuts the server down.
func serve(ctx context.Context, e *echo.Echo, start func() error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
