package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chatwoot/crm-sync/internal/config"
	"github.com/chatwoot/crm-sync/internal/crm"
	"github.com/chatwoot/crm-sync/internal/debug"
	"github.com/chatwoot/crm-sync/internal/hub"
	"github.com/chatwoot/crm-sync/internal/proxy"
	"github.com/chatwoot/crm-sync/internal/realtime"
	"github.com/chatwoot/crm-sync/internal/store/redisstore"
	"github.com/chatwoot/crm-sync/internal/store/sqlstore"
	"github.com/chatwoot/crm-sync/internal/webhook"
)

// syncStore is what serve and history need from a store backend.
type syncStore interface {
	webhook.Store
	Contact(ctx context.Context, vendorID crm.ID) (crm.Contact, error)
	Conversation(ctx context.Context, vendorID crm.ID) (crm.Conversation, error)
	Messages(ctx context.Context, conversationVendorID crm.ID) ([]crm.Message, error)
	Close() error
}

var (
	_ syncStore = (*sqlstore.Store)(nil)
	_ syncStore = (*redisstore.Store)(nil)
)

func openStore(ctx context.Context, cfg config.Server) (syncStore, error) {
	switch cfg.StoreDriver {
	case config.StoreRedis:
		return redisstore.Open(ctx, cfg.RedisURL)
	case config.StoreSQLite, config.StorePostgres:
		return sqlstore.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.StoreDriver)
	}
}

func newServeCmd() *cobra.Command {
	var (
		cfg     config.Server
		loadErr error
	)
	cfg, loadErr = config.LoadServer()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook sync, realtime hub and API proxy",
		Long: `Serves:
  POST /webhook             Chatwoot webhooks
  POST /webhook/evolution   Evolution gateway webhooks
  GET  /ws                  realtime rooms (chat, whatsapp)
  ANY  /proxy/...           Chatwoot API with the server's token (when configured)
  GET  /metrics             Prometheus metrics
  GET  /healthz             liveness and store health`,
		Args: cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			if loadErr != nil {
				return loadErr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			debug.SetupServerLogger(flags.Debug, cfg.LogFormat)
			return runServe(cmd.Context(), cfg)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address (env CRM_LISTEN_ADDR)")
	f.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "Store backend: sqlite|postgres|redis (env CRM_STORE)")
	f.StringVar(&cfg.StoreDSN, "store-dsn", cfg.StoreDSN, "SQLite path or PostgreSQL DSN (env CRM_STORE_DSN)")
	f.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for the hub bridge or redis store (env CRM_REDIS_URL)")
	f.StringVar(&cfg.WebhookSecret, "webhook-secret", cfg.WebhookSecret, "Shared secret required on webhook requests (env CRM_WEBHOOK_SECRET)")
	f.StringSliceVar(&cfg.AllowedOrigins, "allowed-origin", cfg.AllowedOrigins, "Allowed websocket origins (env CRM_ALLOWED_ORIGINS)")
	f.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "Serve /metrics (env CRM_METRICS)")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json (env CRM_LOG_FORMAT)")
	f.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout")
	return cmd
}

// server is the assembled serve process.
type server struct {
	cfg     config.Server
	handler http.Handler
	hub     *hub.Hub
	bridge  *hub.RedisBridge
	store   syncStore
	rdb     redis.UniversalClient
	logger  *slog.Logger
}

func (s *server) Close() error {
	var errs []error
	if s.rdb != nil && s.cfg.StoreDriver != config.StoreRedis {
		errs = append(errs, s.rdb.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

// newServer opens the store and wires every endpoint. The hub and bridge are
// started by run.
func newServer(ctx context.Context, cfg config.Server) (*server, error) {
	s := &server{cfg: cfg, logger: debug.Component("serve")}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.store = store

	if cfg.RedisURL != "" {
		if rs, ok := store.(*redisstore.Store); ok {
			s.rdb = rs.Client()
		} else {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("parse redis url: %w", err)
			}
			s.rdb = redis.NewClient(opts)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s.hub = hub.New(hub.WithMetrics(hub.NewMetrics(reg)), hub.WithLogger(debug.Component("hub")))
	var publisher webhook.Publisher = s.hub
	if s.rdb != nil {
		s.bridge = hub.NewRedisBridge(s.hub, s.rdb, hub.DefaultChannel)
		publisher = s.bridge
	}

	syncOpts := []webhook.SyncerOption{
		webhook.WithPublisher(publisher),
		webhook.WithLogger(debug.Component("webhook")),
	}
	if cfg.BotAttribute != "" {
		syncOpts = append(syncOpts, webhook.WithBotAttribute(cfg.BotAttribute))
	}
	syncer := webhook.NewSyncer(store, syncOpts...)

	mux := http.NewServeMux()
	webhook.NewHandler(syncer,
		webhook.WithSecret(cfg.WebhookSecret),
		webhook.WithMetrics(webhook.NewMetrics(reg)),
		webhook.WithHandlerLogger(debug.Component("webhook")),
	).Register(mux)

	mux.Handle("/ws", hub.NewHandler(s.hub,
		hub.WithAllowedOrigins(cfg.AllowedOrigins...),
		hub.WithRooms(realtime.DefaultRooms...),
	))

	if cfg.ProxyEnabled() {
		p, err := proxy.New(cfg.Upstream, cfg.Token, proxy.WithLogger(debug.Component("proxy")))
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		mux.Handle(proxy.Prefix+"/", p)
	}

	if cfg.Metrics {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	mux.HandleFunc("/healthz", s.healthz)

	s.handler = mux
	return s, nil
}

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status, code := "ok", http.StatusOK
	if err := s.ping(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"status":%q}`+"\n", status)
}

func (s *server) ping(ctx context.Context) error {
	switch st := s.store.(type) {
	case *sqlstore.Store:
		return st.DB().PingContext(ctx)
	case *redisstore.Store:
		return st.Client().Ping(ctx).Err()
	}
	return nil
}

// run serves until ctx is cancelled, then shuts down within the configured
// timeout.
func (s *server) run(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.hub.Run(gctx) })
	if s.bridge != nil {
		g.Go(func() error { return s.bridge.Run(gctx) })
	}
	g.Go(func() error {
		s.logger.Info("listening", "addr", ln.Addr().String(), "store", s.cfg.StoreDriver,
			"proxy", s.cfg.ProxyEnabled(), "bridge", s.bridge != nil)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), s.cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	err := g.Wait()
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	return err
}

func runServe(ctx context.Context, cfg config.Server) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return s.run(ctx, ln)
}
