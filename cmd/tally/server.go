package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kompany/tally/moderation/audit"
	"github.com/kompany/tally/moderation/classify"
	"github.com/kompany/tally/moderation/countstore"
	"github.com/kompany/tally/moderation/engine"
	"github.com/kompany/tally/moderation/ledger"
	"github.com/kompany/tally/moderation/markerstore"
	"github.com/kompany/tally/moderation/reviewers"
	"github.com/kompany/tally/moderation/router"
	"github.com/kompany/tally/moderation/submissionstore"

	"github.com/cockroachdb/pebble"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"gorm.io/gorm"
)

const (
	StoreSQL    = "sql"
	StorePebble = "pebble"
	StoreMemory = "memory"
)

type Server struct {
	dispatcher *router.Dispatcher
	router     *router.Router
	store      submissionstore.Store
	ledger     ledger.Ledger
	auditLog   *audit.SQLLog
	counters   countstore.CountStore
	koth       classify.KothEvents
	echo       *echo.Echo
	httpd      *http.Server
	logger     *slog.Logger
}

type Config struct {
	Logger *slog.Logger
	Bind   string

	// sql or pebble submission store; memory is for tests and dry runs
	StoreBackend string
	PebblePath   string

	// optional; markers, reviewer counts and reviewer sets live in redis when set
	RedisURL string
	// JSON reviewer sets, used when redis is not configured
	ReviewersFile string
	ReviewerRole  string

	KothChannelID string
	// "<emoji>=<multiplier|deny>" entries; defaults to the built in set
	Emojis []string

	WebhookURL    string
	WebhookFormat string

	// when set, API requests need "Authorization: Bearer <token>"
	APIToken string
}

var promMiddleware = sync.OnceValue(func() echo.MiddlewareFunc {
	return echoprometheus.NewMiddleware("tally")
})

func openStore(db *gorm.DB, config Config, logger *slog.Logger) (submissionstore.Store, error) {
	switch config.StoreBackend {
	case StoreSQL, "":
		return submissionstore.NewSQLStore(db)
	case StorePebble:
		if config.PebblePath == "" {
			return nil, fmt.Errorf("pebble store needs a path")
		}
		return submissionstore.OpenPebbleStore(config.PebblePath, &pebble.Options{}, logger)
	case StoreMemory:
		logger.Warn("using in-memory submission store; submissions are lost on restart")
		return submissionstore.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown submission store backend: %q", config.StoreBackend)
	}
}

func NewServer(ctx context.Context, db *gorm.DB, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	store, err := openStore(db, config, logger)
	if err != nil {
		return nil, err
	}
	ldg, err := ledger.NewSQLLedger(db)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.NewSQLLog(db)
	if err != nil {
		return nil, err
	}
	kothEvents, err := classify.NewSQLKothEvents(ctx, db, logger)
	if err != nil {
		return nil, err
	}

	var markers markerstore.MarkerStore
	var counters countstore.CountStore
	var authz engine.Authorizer
	if config.RedisURL != "" {
		rms, err := markerstore.NewRedisMarkerStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting marker store: %w", err)
		}
		markers = rms
		rcs, err := countstore.NewRedisCountStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting count store: %w", err)
		}
		counters = rcs
		rrs, err := reviewers.NewRedisReviewerSet(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting reviewer sets: %w", err)
		}
		authz = rrs
	} else {
		markers = markerstore.NewMemMarkerStore()
		counters = countstore.NewMemCountStore()
		if config.ReviewersFile != "" {
			revs := reviewers.NewMemReviewerSet()
			if err := revs.LoadFromFileJSON(config.ReviewersFile); err != nil {
				return nil, err
			}
			authz = revs
		}
	}
	if authz == nil {
		logger.Warn("no reviewer sets configured, any identity may judge submissions")
	}

	notifiers := audit.Multi{auditLog, &audit.LogNotifier{Logger: logger}}
	if config.WebhookURL != "" {
		wh, err := audit.NewWebhookNotifier(config.WebhookURL, config.WebhookFormat, logger)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, wh)
	}

	emojis := router.DefaultEmojis()
	if len(config.Emojis) > 0 {
		emojis, err = router.ParseEmojis(config.Emojis)
		if err != nil {
			return nil, err
		}
	}

	var engines []*engine.Engine
	for _, c := range classify.Defaults(config.KothChannelID, kothEvents) {
		eng, err := engine.NewEngine(engine.Config{
			Category:    c.Category(),
			Classifier:  c,
			Weighting:   c.Weighting(),
			Store:       store,
			Ledger:      ldg,
			Notifier:    notifiers,
			Authorizer:  authz,
			Markers:     markers,
			Counters:    counters,
			Multipliers: router.AllowedMultipliers(emojis),
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		engines = append(engines, eng)
	}
	dispatcher, err := router.NewDispatcher(logger, markers, engines...)
	if err != nil {
		return nil, err
	}
	rtr := router.NewRouter(dispatcher, emojis, logger)
	rtr.ReviewerRole = config.ReviewerRole

	e := echo.New()

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		dispatcher: dispatcher,
		router:     rtr,
		store:      store,
		ledger:     ldg,
		auditLog:   auditLog,
		counters:   counters,
		koth:       kothEvents,
		echo:       e,
		logger:     logger,
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(promMiddleware())
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)
	e.GET("/metrics", echoprometheus.NewHandler())

	api := e.Group("/v1")
	if config.APIToken != "" {
		api.Use(bearerAuth(config.APIToken, logger))
	}
	api.POST("/evidence", srv.HandleSubmitEvidence)
	api.POST("/reactions", srv.HandleReaction)
	api.GET("/pending/:category", srv.HandleListPending)
	api.GET("/submissions/:category/:id", srv.HandleGetSubmission)
	api.POST("/submissions/:category/:id/judge", srv.HandleJudge)
	api.GET("/ledger/:category/:user", srv.HandleBalance)
	api.GET("/reviewers/:category/:reviewer/activity", srv.HandleReviewerActivity)
	api.GET("/koth", srv.HandleKothStatus)
	api.POST("/koth/start", srv.HandleKothStart)
	api.POST("/koth/end", srv.HandleKothEnd)

	logger.Info("moderation engines ready", "categories", dispatcher.Categories())
	return srv, nil
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

func (srv *Server) RunAPI() error {
	srv.logger.Info("starting server", "bind", srv.httpd.Addr)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				srv.logger.Error("HTTP server shutting down unexpectedly", "err", err)
			}
		}
	}()

	// Wait for a signal to exit.
	srv.logger.Info("registering OS exit signal handler")
	quit := make(chan struct{})
	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-exitSignals
		srv.logger.Info("received OS exit signal", "signal", sig)

		if err := srv.Shutdown(); err != nil {
			srv.logger.Error("HTTP server shutdown error", "err", err)
		}

		// Trigger the return that causes an exit.
		close(quit)
	}()
	<-quit
	srv.logger.Info("graceful shutdown complete")
	return nil
}

func (srv *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (srv *Server) Shutdown() error {
	srv.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := srv.httpd.Shutdown(ctx)
	if cerr := srv.store.Close(); cerr != nil {
		srv.logger.Error("failed to close submission store", "err", cerr)
	}
	return err
}
