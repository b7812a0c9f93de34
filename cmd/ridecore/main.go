package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/AyobamiH/Lagos/internal/actionqueue"
	"github.com/AyobamiH/Lagos/internal/breaker"
	"github.com/AyobamiH/Lagos/internal/config"
	"github.com/AyobamiH/Lagos/internal/deadletter"
	"github.com/AyobamiH/Lagos/internal/dispatch"
	"github.com/AyobamiH/Lagos/internal/metrics"
	"github.com/AyobamiH/Lagos/internal/netstate"
	"github.com/AyobamiH/Lagos/internal/notify"
	"github.com/AyobamiH/Lagos/internal/ratelimit"
	"github.com/AyobamiH/Lagos/internal/realtime"
	"github.com/AyobamiH/Lagos/internal/session"
	"github.com/AyobamiH/Lagos/internal/store"
	"github.com/AyobamiH/Lagos/internal/store/redisstore"
	"github.com/AyobamiH/Lagos/internal/store/sqlitestore"
	"github.com/AyobamiH/Lagos/internal/transport"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var cfgPaths string
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	log.Info("ridecore starting", zap.String("version", Version), zap.String("api", cfg.API.BaseURL), zap.String("store", cfg.Queue.Store))

	metrics.Register()
	notices := &notify.Recorder{Max: 200}
	sink := notify.Fanout(notify.LogSink(log), notices)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := ratelimit.New(ratelimit.Options{
		DefaultDelay: cfg.RateLimit.DefaultDelay,
		Tick:         cfg.RateLimit.Tick,
		Logger:       log,
		Sink:         sink,
	})
	mon := netstate.New(netstate.Options{
		HealthURL: cfg.API.BaseURL + cfg.Connectivity.HealthPath,
		Every:     cfg.Connectivity.CheckEvery,
		Initial:   true,
		Logger:    log,
	})

	// The channel follows the credential, so it is referenced from the
	// session callback before it exists.
	var ch *realtime.Channel
	sess := session.New(session.Options{
		Timeout: cfg.API.Timeout,
		Logger:  log,
		OnChange: func(token string) {
			if ch != nil {
				ch.SetToken(token)
			}
		},
	})

	var limiter *rate.Limiter
	if cfg.API.PaceRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.API.PaceRPS), cfg.API.PaceBurst)
	}
	client := transport.New(transport.Options{
		BaseURL:       cfg.API.BaseURL,
		RefreshPath:   cfg.API.RefreshPath,
		Timeout:       cfg.API.Timeout,
		RetryAttempts: cfg.API.RetryAttempts,
		RetryBackoff:  cfg.API.RetryBackoff,
		Credentials:   sess,
		Gate:          gate,
		Connectivity:  mon,
		Limiter:       limiter,
		Logger:        log,
		Hooks: transport.Hooks{
			OnError: func(o transport.Outcome) {
				log.Debug("api call failed",
					zap.String("method", o.Method),
					zap.String("path", o.Path),
					zap.Int("status", o.Status),
					zap.String("correlation_id", o.CorrelationID),
					zap.Error(o.Err))
			},
			OnUnauthorized: func() {
				sink.Notify(notify.Notice{Topic: notify.TopicUnauthenticated, Level: notify.LevelError, Message: "Session expired. Sign in again."})
			},
		},
	})
	sess.SetRefreshFunc(client.RefreshTokens)
	sess.OnDispose(client.Reset)

	kv, closeKV, err := openStore(cfg)
	if err != nil {
		log.Fatal("queue store init failed", zap.String("store", cfg.Queue.Store), zap.Error(err))
	}
	defer closeKV()

	var exporter *deadletter.Exporter
	if r := cfg.DeadLetter.RocketMQ; r.Enabled {
		prod, err := deadletter.NewRocketMQ(deadletter.RocketMQSettings{
			NameServer: r.NameServer,
			Group:      r.Group,
			Topic:      r.Topic,
			Tag:        r.Tag,
		})
		if err != nil {
			log.Fatal("dead-letter producer init failed", zap.Error(err))
		}
		brk := breaker.New(breaker.Options{
			Threshold: cfg.DeadLetter.Breaker.Threshold,
			Window:    cfg.DeadLetter.Breaker.Window,
			OpenFor:   cfg.DeadLetter.Breaker.OpenFor,
		})
		exporter = deadletter.NewExporter(prod, deadletter.Options{Breaker: brk, Logger: log})
		exporter.Start()
		defer exporter.Stop()
	}

	q, err := actionqueue.New(ctx, actionqueue.Options{
		Store:         kv,
		StorageKey:    cfg.Queue.StorageKey,
		Caps:          queueCaps(cfg.Queue.Caps),
		DeadLetterCap: cfg.Queue.DeadLetterCap,
		Gate:          gate,
		Logger:        log,
		OnDeadLetter: func(a actionqueue.Action) {
			// drain passes announce their own drops; evictions happen on enqueue
			if a.ReasonDropped == actionqueue.ReasonCapExceeded {
				sink.Notify(dispatch.DroppedNotice(a))
			}
			if exporter != nil {
				exporter.Export(deadletter.NewRecord(a, sess.Subject(), time.Now()))
			}
		},
	})
	if err != nil {
		log.Fatal("action queue init failed", zap.Error(err))
	}

	d := dispatch.New(dispatch.Options{
		API:          client,
		Queue:        q,
		Auth:         sess,
		Connectivity: mon,
		Gate:         gate,
		Sink:         sink,
		DrainEvery:   cfg.Queue.DrainEvery,
		Logger:       log,
	})

	rec := realtime.NewReconciler(realtime.Options{
		API:          client,
		Auth:         sess,
		Sink:         sink,
		PollEvery:    cfg.Realtime.PollEvery,
		RecentWindow: cfg.Realtime.RecentWindow,
		Logger:       log,
	})
	ch = realtime.NewChannel(realtime.ChannelOptions{
		URL:        cfg.Realtime.URL,
		Handler:    rec,
		MaxRetries: cfg.Realtime.MaxReconnects,
		Logger:     log,
	})
	rec.Attach(ch)
	followSession(sess, ch, rec)

	// drain as soon as the client may send again instead of waiting a tick
	kick := func() {
		go func() {
			dctx, dcancel := context.WithTimeout(ctx, 30*time.Second)
			defer dcancel()
			if _, err := d.ForceDrain(dctx); err != nil {
				log.Debug("drain skipped", zap.Error(err))
			}
		}()
	}
	gate.OnClear(func() {
		if mon.Online() {
			kick()
		}
	})
	mon.OnChange(func(online bool) {
		if !online {
			return
		}
		if !ch.Active() && sess.Authenticated() {
			ch.Reconnect()
		}
		if !gate.Active() {
			kick()
		}
	})

	if cfg.Auth.AccessToken != "" {
		sess.Set(session.TokenPair{
			AccessToken:  cfg.Auth.AccessToken,
			RefreshToken: cfg.Auth.RefreshToken,
			Role:         cfg.Auth.Role,
		})
	}

	go gate.Run(ctx)
	go mon.Run(ctx)
	go rec.Run(ctx)
	d.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	ctl := &control{d: d, q: q, rec: rec, gate: gate, sess: sess, api: client, notices: notices, log: log, tmout: cfg.API.Timeout * 3}
	ctl.register(mux)
	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		log.Info("ridecore listening", zap.String("addr", cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(sctx)
	scancel()
	d.Stop()
	ch.Disconnect()
	cancel()
	rec.Close()
	log.Info("ridecore stopped", zap.Int("pending", q.Size()))
}

// followSession drops the realtime view whenever per-user state is disposed:
// on logout and when a different user signs in. The socket is closed first so
// the next credential dials fresh.
func followSession(sess *session.Session, ch *realtime.Channel, rec *realtime.Reconciler) {
	sess.OnDispose(func() {
		if ch != nil {
			ch.Disconnect()
		}
		rec.Reset()
	})
}

// openStore selects the queue persistence backend.
func openStore(cfg *config.Config) (store.KV, func(), error) {
	switch cfg.Queue.Store {
	case "redis":
		s, err := redisstore.New(redisstore.Settings{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			Database: cfg.Redis.Database,
			Prefix:   "ridecore:",
		})
		if err != nil {
			return nil, nil, err
		}
		pctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.Ping(pctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "sqlite":
		s, err := sqlitestore.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return store.NewMemory(), func() {}, nil
	}
}

func queueCaps(in map[string]int) map[actionqueue.Kind]int {
	out := make(map[actionqueue.Kind]int, len(in))
	for k, v := range in {
		out[actionqueue.Kind(k)] = v
	}
	return out
}
