// Command fake-verifier serves the decrypt endpoint the integrity sample
// forwards its tokens to.
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

	"github.com/caarlos0/env/v11"
	"golang.org/x/sync/errgroup"

	"github.com/kacy/integrity-flow/replay"
	"github.com/kacy/integrity-flow/token"
	"github.com/kacy/integrity-flow/verifier"
)

const svcName = "fake-verifier"

type config struct {
	LogLevel       string        `env:"VERIFIER_LOG_LEVEL"        envDefault:"info"`
	HTTPAddr       string        `env:"VERIFIER_HTTP_ADDR"        envDefault:":8080"`
	TokenKey       string        `env:"INTEGRITY_TOKEN_KEY"       envDefault:"integrity-sample-shared-secret!!"`
	PackageNames   []string      `env:"VERIFIER_PACKAGE_NAMES"    envDefault:"com.google.android.play.integrity.sample" envSeparator:","`
	APKCertDigests []string      `env:"VERIFIER_APK_CERT_DIGESTS" envSeparator:","`
	MaxTokenAge    time.Duration `env:"VERIFIER_MAX_TOKEN_AGE"    envDefault:"5m"`
	RequireStrong  bool          `env:"VERIFIER_REQUIRE_STRONG"   envDefault:"false"`
	AllowBasic     bool          `env:"VERIFIER_ALLOW_BASIC"      envDefault:"false"`
	ReplayTTL      time.Duration `env:"VERIFIER_REPLAY_TTL"       envDefault:"10m"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to load %s configuration : %s\n", svcName, err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	codec, err := token.NewCodec(token.Config{Key: []byte(cfg.TokenKey)})
	if err != nil {
		logger.Error(fmt.Sprintf("failed to create token codec: %s", err))
		os.Exit(1)
	}

	guard := replay.NewMemoryGuard(replay.Config{TTL: cfg.ReplayTTL})
	defer guard.Close()

	v, err := verifier.NewLocal(verifier.LocalConfig{
		Codec: codec,
		Policy: verifier.Policy{
			PackageNames:           cfg.PackageNames,
			APKCertDigests:         cfg.APKCertDigests,
			MaxTokenAge:            cfg.MaxTokenAge,
			RequireStrongIntegrity: cfg.RequireStrong,
			AllowBasicIntegrity:    cfg.AllowBasic,
		},
		Replay: guard,
	})
	if err != nil {
		logger.Error(fmt.Sprintf("failed to create verifier: %s", err))
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           verifier.Handler(v, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)

		select {
		case <-ch:
			logger.Info("Received signal, shutting down...")
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	g.Go(func() error {
		logger.Info(fmt.Sprintf("%s started on %s", svcName, cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s terminated: %s", svcName, err))
	}
}
