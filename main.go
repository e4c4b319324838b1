package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/maandhruv/collab-whiteboard/collab"
	"github.com/maandhruv/collab-whiteboard/config"
	"github.com/maandhruv/collab-whiteboard/core"
	"github.com/maandhruv/collab-whiteboard/handlers/api/rooms"
	"github.com/maandhruv/collab-whiteboard/handlers/api/snapshots"
	"github.com/maandhruv/collab-whiteboard/handlers/api/status"
	"github.com/maandhruv/collab-whiteboard/handlers/websocket"
	auth "github.com/maandhruv/collab-whiteboard/middleware"
	"github.com/maandhruv/collab-whiteboard/stores"
)

const shutdownTimeout = 30 * time.Second

type server struct {
	cfg      *config.Config
	store    core.Store
	gate     *collab.Gate
	registry *collab.Registry
	sockets  *websocket.Handler
	gatherer prometheus.Gatherer
}

func corsOptions(allowed []string) cors.Options {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if len(allowed) > 0 {
		opts.AllowedOrigins = allowed
		return opts
	}

	// Without configured origins only local development hosts are allowed.
	opts.AllowOriginFunc = func(r *http.Request, origin string) bool {
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		switch parsed.Scheme {
		case "http", "https":
			switch parsed.Hostname() {
			case "localhost", "127.0.0.1", "::1":
				return true
			}
		}
		return false
	}
	return opts
}

func setupRouter(s *server) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(cors.Handler(corsOptions(s.cfg.AllowedOrigins)))

	r.Get("/health", status.HandleHealth())
	r.Get("/stats", status.HandleStats(s.registry))
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/rooms", func(r chi.Router) {
		r.With(auth.Identity(s.cfg.JWTSecret)).Post("/", rooms.HandleCreate(s.store, s.registry, s.gate))
		r.Get("/validate", rooms.HandleValidate(s.gate))
		r.Get("/{roomId}/snapshots", snapshots.HandleListSnapshots(s.store))
	})

	r.Get("/{roomId}", s.sockets.ServeHTTP)
	r.Get("/{roomId}/{code}", s.sockets.ServeHTTP)

	return r
}

func newServer(ctx context.Context, cfg *config.Config) (*server, error) {
	store, err := stores.GetStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := collab.NewMetrics(reg)

	gate, err := collab.NewGate(store, cfg.CodeCacheSize, metrics)
	if err != nil {
		store.Close()
		return nil, err
	}
	sched := collab.NewScheduler(store, cfg.SnapshotDelay, cfg.SnapshotRetention, metrics)
	registry := collab.NewRegistry(store, sched, metrics, nil)

	sockets := websocket.NewHandler(gate, registry, metrics, cfg.AllowedOrigins)
	sockets.SetLimits(websocket.Limits{
		Sync:           rate.Limit(cfg.SyncRate),
		SyncBurst:      cfg.SyncBurst,
		Awareness:      rate.Limit(cfg.AwarenessRate),
		AwarenessBurst: cfg.AwarenessBurst,
	})

	return &server{
		cfg:      cfg,
		store:    store,
		gate:     gate,
		registry: registry,
		sockets:  sockets,
		gatherer: reg,
	}, nil
}

// shutdown stops accepting requests, disconnects clients, writes unsaved
// rooms and closes the store, in that order.
func (s *server) shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server shutdown incomplete")
	}
	if err := s.sockets.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("Some connections did not close in time")
	}
	if err := s.registry.Close(ctx); err != nil {
		logrus.WithError(err).Error("Failed to save some rooms on shutdown")
	}
	if err := s.store.Close(); err != nil {
		logrus.WithError(err).Error("Failed to close store")
	}
}

func waitForShutdown(errC <-chan error) error {
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(signalC)

	select {
	case sig := <-signalC:
		logrus.WithField("signal", sig.String()).Info("Shutting down...")
		return nil
	case err := <-errC:
		return err
	}
}

func run(c *cli.Context) error {
	cfg, err := config.FromContext(c)
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	s, err := newServer(c.Context, cfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           setupRouter(s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		logrus.WithField("addr", srv.Addr).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errC <- err
		}
	}()

	err = waitForShutdown(errC)
	s.shutdown(srv)
	return err
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		logrus.WithError(err).Fatal("Failed to load .env")
	}

	app := &cli.App{
		Name:   "whiteboard-relay",
		Usage:  "Real-time collaboration relay for shared whiteboards",
		Flags:  config.Flags(),
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("Server stopped")
	}
}
