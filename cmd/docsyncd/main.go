// Command docsyncd runs the DocSync sync server: it upgrades websocket
// connections, authenticates handshakes against a shared JWT secret, and
// dispatches sync-operations/presence/delete-doc/unsubscribe-doc events
// to per-document rooms, persisting to a bbolt-backed store. Grounded on
// the teacher's main.go (plain net/http + HandleFunc + signal.NotifyContext
// graceful shutdown), generalized to real CLI/env configuration via
// jessevdk/go-flags and Prometheus metrics on a second listener.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Polqt/docsync/server"
	"github.com/Polqt/docsync/storage/bolt"
)

type options struct {
	Addr        string        `long:"addr" env:"DOCSYNC_ADDR" default:":8080" description:"address to serve the websocket sync endpoint on"`
	MetricsAddr string        `long:"metrics-addr" env:"DOCSYNC_METRICS_ADDR" default:":9090" description:"address to serve /metrics on, empty to disable"`
	DBPath      string        `long:"db" env:"DOCSYNC_DB" default:"docsync.db" description:"path to the bbolt database file"`
	CacheSize   int           `long:"cache-size" env:"DOCSYNC_CACHE_SIZE" default:"1024" description:"number of serialized doc snapshots to keep in the write-filled LRU"`
	JWTSecret   string        `long:"jwt-secret" env:"DOCSYNC_JWT_SECRET" required:"true" description:"HMAC secret used to verify client JWTs"`
	IdleSweep   time.Duration `long:"idle-sweep-interval" env:"DOCSYNC_IDLE_SWEEP_INTERVAL" default:"30s" description:"how often the hub sweeps idle rooms"`
	IdleTimeout time.Duration `long:"idle-timeout" env:"DOCSYNC_IDLE_TIMEOUT" default:"2m" description:"how long a room may sit with no sockets/presence before it's evicted"`
	Verbose     bool          `long:"verbose" short:"v" description:"enable debug logging"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	log := logrus.StandardLogger()
	if opts.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	provider, err := bolt.Open(opts.DBPath, opts.CacheSize, bolt.WithLogger(log))
	if err != nil {
		log.WithError(err).Fatal("docsyncd: opening database")
	}
	defer provider.Close()

	srv := server.New(
		server.NewProvider(provider),
		server.NewJWTAuthenticator([]byte(opts.JWTSecret)),
		server.WithLogger(log),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go srv.RunIdleEviction(ctx, opts.IdleSweep, opts.IdleTimeout)

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})

	httpSrv := &http.Server{Addr: opts.Addr, Handler: mux}

	if opts.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: opts.MetricsAddr, Handler: metricsMux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("docsyncd: metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	go func() {
		log.WithFields(logrus.Fields{"addr": opts.Addr, "metricsAddr": opts.MetricsAddr}).Info("docsyncd: listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("docsyncd: serve failed")
		}
	}()

	<-ctx.Done()
	log.Info("docsyncd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
