package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/template/django/v3"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	signup "github.com/jedanetworks/go-signup"
	"github.com/jedanetworks/go-signup/activitymap"
	"github.com/jedanetworks/go-signup/metrics/prom"
	"github.com/jedanetworks/go-signup/middleware/csrf"
	"github.com/jedanetworks/go-signup/natsbus"
	"github.com/jedanetworks/go-signup/redisstore"
	"github.com/jedanetworks/go-signup/repository"
)

type App struct {
	config   signup.Config
	logger   *glog.BaseLogger
	pending  signup.PendingStore
	sessions signup.SessionStore
	hub      *signup.SessionHub
	bus      signup.SessionBroadcaster
	nc       *nats.Conn
	activity signup.ActivitySink
	metrics  signup.Metrics
	srv      router.Server[*fiber.App]
	closers  []func() error
}

func (a *App) GetLogger(name string) signup.Logger {
	return formattedLogger{a.logger.GetLogger(name)}
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.GetLogger("app").Warn("close: %v", err)
		}
	}
}

// formattedLogger adapts a structured glog.Logger to the printf style
// signup.Logger.
type formattedLogger struct {
	l glog.Logger
}

func (f formattedLogger) Debug(format string, args ...any) { f.l.Debug(fmt.Sprintf(format, args...)) }
func (f formattedLogger) Info(format string, args ...any)  { f.l.Info(fmt.Sprintf(format, args...)) }
func (f formattedLogger) Warn(format string, args ...any)  { f.l.Warn(fmt.Sprintf(format, args...)) }
func (f formattedLogger) Error(format string, args ...any) { f.l.Error(fmt.Sprintf(format, args...)) }

func main() {
	cfg, err := signup.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	lgr := glog.NewLogger(
		glog.WithLoggerTypePretty(),
		glog.WithName("signup"),
		glog.WithAddSource(false),
	)
	if cfg.Debug {
		lgr = glog.NewLogger(
			glog.WithLoggerTypePretty(),
			glog.WithLevel(glog.Trace),
			glog.WithName("signup"),
			glog.WithAddSource(false),
		)

		fmt.Println("============")
		fmt.Println(print.MaybePrettyJSON(cfg))
		fmt.Println("============")
	}

	app := &App{config: cfg, logger: lgr}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	if err := WithStorage(ctx, app); err != nil {
		app.GetLogger("app").Error("storage: %v", err)
		return
	}

	if err := WithBroadcast(ctx, app); err != nil {
		app.GetLogger("app").Error("broadcast: %v", err)
		return
	}

	app.activity = activitySink(app)

	if err := WithMetrics(ctx, app); err != nil {
		app.GetLogger("app").Error("metrics: %v", err)
		return
	}

	if err := WithHTTPServer(ctx, app); err != nil {
		app.GetLogger("app").Error("http: %v", err)
		return
	}

	go func() {
		app.GetLogger("app").Info("signup server listening on %s", cfg.Addr)
		if err := app.srv.Serve(cfg.Addr); err != nil {
			app.GetLogger("app").Error("serve: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	app.GetLogger("app").Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.srv.Shutdown(shutdownCtx); err != nil {
		app.GetLogger("app").Warn("shutdown: %v", err)
	}
}

// WithStorage selects the pending and session stores.
func WithStorage(ctx context.Context, app *App) error {
	cfg := app.config

	switch cfg.Store {
	case signup.StoreSQL:
		sqldb, err := sql.Open(sqliteshim.ShimName, cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		db := bun.NewDB(sqldb, sqlitedialect.New())
		app.onClose(db.Close)

		group, err := repository.Migrate(ctx, db, signup.GetMigrationsFS())
		if err != nil {
			return err
		}
		if !group.IsZero() {
			app.GetLogger("store").Info("applied migrations %s", group)
		}

		pending := repository.NewPendingRegistrationRepository(db, repository.WithTTL(cfg.PendingTTL))
		app.pending = pending
		app.sessions = repository.NewSessionRepository(db)

		go sweep(ctx, cfg.SweepInterval, pending, app.GetLogger("sweeper"))

	case signup.StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		app.onClose(rdb.Close)

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}

		app.pending = redisstore.NewPendingStore(rdb,
			redisstore.WithPrefix(cfg.RedisPrefix),
			redisstore.WithTTL(cfg.PendingTTL),
		)
		app.sessions = redisstore.NewSessionStore(rdb, redisstore.WithPrefix(cfg.RedisPrefix))

	default:
		app.pending = signup.NewMemoryPendingStore(signup.WithPendingTTL(cfg.PendingTTL))
		app.sessions = signup.NewMemorySessionStore()
	}

	app.GetLogger("storage").Info("using %s store", cfg.Store)
	return nil
}

func sweep(ctx context.Context, every time.Duration, repo *repository.PendingRegistrationRepository, logger signup.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := repo.DeleteExpired(ctx)
			if err != nil {
				logger.Warn("delete expired pending registrations: %v", err)
				continue
			}
			if n > 0 {
				logger.Debug("removed %d expired pending registrations", n)
			}
		}
	}
}

// WithBroadcast sets up the session hub and, when configured, relays
// session events between instances over NATS.
func WithBroadcast(_ context.Context, app *App) error {
	cfg := app.config
	logger := app.GetLogger("sessions")

	app.hub = signup.NewSessionHub()
	app.hub.Subscribe(func(e signup.SessionEvent) {
		logger.Info("%s %s", e.Type, e.Key)
	})
	app.bus = app.hub

	if cfg.NATSURL == "" {
		return nil
	}

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("signup-server"))
	if err != nil {
		return fmt.Errorf("nats %s: %w", cfg.NATSURL, err)
	}
	app.onClose(func() error {
		nc.Close()
		return nil
	})

	remote := natsbus.NewBroadcaster(nc, cfg.NATSSubject)
	unsubscribe, err := natsbus.Relay(nc, cfg.NATSSubject, remote.Origin(), app.hub, app.GetLogger("natsbus"))
	if err != nil {
		return err
	}
	app.onClose(unsubscribe)

	app.bus = signup.MultiBroadcaster{app.hub, remote}
	app.nc = nc
	return nil
}

// WithMetrics exposes Prometheus metrics on a separate listener.
func WithMetrics(_ context.Context, app *App) error {
	cfg := app.config
	if !cfg.MetricsEnabled {
		return nil
	}

	collector, err := prom.New("signup", nil)
	if err != nil {
		return err
	}
	app.metrics = collector

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger := app.GetLogger("metrics")
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener: %v", err)
		}
	}()
	app.onClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	})
	return nil
}

// WithHTTPServer wires the registration flow onto a Fiber backed router.
func WithHTTPServer(_ context.Context, app *App) error {
	cfg := app.config

	writer := signup.NewSessionWriter(app.sessions,
		signup.WithSessionBroadcaster(app.bus),
		signup.WithSessionMetrics(app.metrics),
		signup.WithSessionLogger(app.GetLogger("sessions")),
		signup.WithSettleDelay(cfg.SettleDelay),
	)

	backend := signup.NewHTTPBackend(cfg.APIURL,
		signup.WithHTTPClient(&http.Client{Timeout: cfg.CompletionTimeout + 5*time.Second}),
		signup.WithHTTPBackendLogger(app.GetLogger("backend")),
	)

	coordinator := signup.NewCoordinator(app.pending, writer, backend,
		signup.WithDecoder(signup.NewDecoder(
			signup.WithDecoderMetrics(app.metrics),
			signup.WithDecoderLogger(app.GetLogger("decoder")),
		)),
		signup.WithCoordinatorLogger(app.GetLogger("coordinator")),
		signup.WithCoordinatorMetrics(app.metrics),
		signup.WithActivitySink(app.activity),
		signup.WithIdentityURL(cfg.IdentityURL),
		signup.WithPhoneRegion(cfg.PhoneRegion),
		signup.WithWatchdog(cfg.Watchdog),
		signup.WithCompletionTimeout(cfg.CompletionTimeout),
	)

	callback := signup.NewLoginCallback(backend, app.pending, writer,
		signup.WithCallbackLogger(app.GetLogger("callback")),
		signup.WithCallbackActivitySink(app.activity),
		signup.WithRegistrationURL(cfg.RegistrationURL()+"?newUser=true"),
		signup.WithCallbackTimeout(cfg.CompletionTimeout),
	)

	var signer *csrf.Signer
	if cfg.CSRFKey != "" {
		var err error
		if signer, err = csrf.New([]byte(cfg.CSRFKey), csrf.WithExpiration(cfg.PendingTTL)); err != nil {
			return err
		}
	}

	controller := signup.NewHTTPController(coordinator, callback, writer, signup.HTTPConfig{
		PathPrefix:   cfg.RoutePrefix,
		CSRF:         signer,
		AuthCookie:   cfg.AuthCookie,
		CookieSecure: cfg.SecureCookies,
		Debug:        cfg.Debug,
		Logger:       app.GetLogger("http"),
	})

	engine := django.New(cfg.ViewsDir, ".html")
	engine.Reload(cfg.Debug)

	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:      true,
			StrictRouting:     false,
			PassLocalsToViews: true,
			Views:             engine,
		}))
	})

	controller.RegisterRoutes(srv.Router().Group(cfg.RoutePrefix))

	app.srv = srv
	return nil
}

// activitySink logs normalized activity records and, when NATS is
// connected, also publishes them on <subject>.activity.
func activitySink(app *App) signup.ActivitySink {
	logger := app.GetLogger("activity")
	sinks := signup.ActivitySinks{
		signup.ActivitySinkFunc(func(_ context.Context, e signup.ActivityEvent) error {
			record := activitymap.Normalize(e)
			logger.Info("%s actor=%s flow=%s %v", record.Verb, record.ActorID, record.ObjectID, record.Metadata)
			return nil
		}),
	}

	if app.nc != nil {
		subject := app.config.NATSSubject + ".activity"
		sinks = append(sinks, signup.ActivitySinkFunc(func(_ context.Context, e signup.ActivityEvent) error {
			data, err := json.Marshal(activitymap.Normalize(e))
			if err != nil {
				return err
			}
			return app.nc.Publish(subject, data)
		}))
	}

	return sinks
}
