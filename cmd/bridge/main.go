// Command bridge runs the session bridge over stdio: one JSON intent per line on stdin,
// one JSON event per line on stdout. Logs go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/klipach/firebridge/auth"
	"github.com/klipach/firebridge/bridge"
	"github.com/klipach/firebridge/config"
	"github.com/klipach/firebridge/contract"
	"github.com/klipach/firebridge/log"
	"github.com/klipach/firebridge/logger"
	"github.com/klipach/firebridge/messages"
	"github.com/klipach/firebridge/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"google.golang.org/api/option"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var (
		store           = cfg.Bridge.Store
		heartbeat       = cfg.Bridge.Heartbeat
		interval        = cfg.Bridge.HeartbeatInterval
		credentialsFile string
		metricsAddr     string
		logLevel        string
	)
	flagSet := pflag.NewFlagSet("bridge", pflag.ContinueOnError)
	flagSet.StringVar(&store, "store", store, "message store: firestore or memory")
	flagSet.BoolVar(&heartbeat, "heartbeat", heartbeat, "send receiveStuff with a growing counter")
	flagSet.DurationVar(&interval, "heartbeat-interval", interval, "interval between heartbeat events")
	flagSet.StringVar(&credentialsFile, "credentials", "", "service account key file (default: application default credentials)")
	flagSet.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, closeLogger := logger.New(ctx, os.Stderr, level)
	defer func() { _ = closeLogger() }()
	ctx = log.WithLogger(ctx, l)
	cfg.LogPresence(ctx, l)

	var app *firebase.App
	if store != config.StoreMemory {
		var opts []option.ClientOption
		if credentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(credentialsFile))
		}
		if app, err = cfg.FirebaseApp(ctx, opts...); err != nil {
			return err
		}
	}
	messageStore, closeStore, err := messages.Open(ctx, app, store)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	if metricsAddr != "" {
		go serveMetrics(ctx, l, metricsAddr, registry)
	}

	flow := auth.NewGooglePopup(cfg.GoogleOAuth.ClientID, cfg.GoogleOAuth.ClientSecret, cfg.GoogleOAuth.RedirectAddr, auth.LogOpener)
	identity := auth.NewFirebase(cfg.Firebase.APIKey, flow)
	port := bridge.NewJSONPort(os.Stdout)
	ctx = auth.WithOpener(ctx, func(ctx context.Context, url string) error {
		_ = auth.LogOpener(ctx, url)
		return port.Send(ctx, contract.Event{Name: contract.EventSignInRedirect, Payload: contract.SignInRedirect{URL: url}})
	})
	b := bridge.New(identity, messageStore, port,
		bridge.WithLogger(l),
		bridge.WithMetrics(collector),
	)

	intents := make(chan contract.Intent)
	go func() {
		err := bridge.ReadIntents(ctx, os.Stdin, intents, func(line []byte, err error) {
			l.Warn("skipping invalid intent", slog.String("line", string(line)), log.Err(err))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			l.Error("error while reading intents", log.Err(err))
		}
	}()

	if heartbeat {
		b.Start(ctx)
		go b.Heartbeat(ctx, interval)
	}

	l.Info("bridge started", slog.String("store", store), slog.Bool("heartbeat", heartbeat))
	if err := b.Run(ctx, intents); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	l.Info("bridge stopped")
	return nil
}

func serveMetrics(ctx context.Context, l *slog.Logger, addr string, registry *prometheus.Registry) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.Handler(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Error("metrics server failed", log.Err(err))
	}
}
