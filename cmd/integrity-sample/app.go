package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	integrity "github.com/kacy/integrity-flow"
	"github.com/kacy/integrity-flow/nonce"
	"github.com/kacy/integrity-flow/provider"
	"github.com/kacy/integrity-flow/replay"
	"github.com/kacy/integrity-flow/status"
	"github.com/kacy/integrity-flow/token"
	"github.com/kacy/integrity-flow/verifier"
)

// Verifier modes.
const (
	verifierLocal = "local"
	verifierHTTP  = "http"
	verifierPlay  = "play"
)

var errProjectNumberRequired = errors.New("cloud project number is required: set INTEGRITY_CLOUD_PROJECT_NUMBER or --cloud-project-number (0 uses the project linked in the Play Console)")

type config struct {
	LogLevel           string        `env:"INTEGRITY_LOG_LEVEL"            envDefault:"info"`
	CloudProjectNumber *int64        `env:"INTEGRITY_CLOUD_PROJECT_NUMBER"`
	NonceSeed          int64         `env:"INTEGRITY_NONCE_SEED"           envDefault:"42"`
	RequestHash        string        `env:"INTEGRITY_REQUEST_HASH"         envDefault:"2cp24z..."`
	TokenKey           string        `env:"INTEGRITY_TOKEN_KEY"            envDefault:"integrity-sample-shared-secret!!"`
	PackageName        string        `env:"INTEGRITY_PACKAGE_NAME"         envDefault:"com.google.android.play.integrity.sample"`
	ProviderLatency    time.Duration `env:"INTEGRITY_PROVIDER_LATENCY"     envDefault:"250ms"`
	Verifier           string        `env:"INTEGRITY_VERIFIER"             envDefault:"local"`
	VerifierURL        string        `env:"INTEGRITY_VERIFIER_URL"         envDefault:"http://localhost:8080"`
	GCPCredentialsFile string        `env:"INTEGRITY_GCP_CREDENTIALS_FILE" envDefault:""`
}

// options are the command line flags. Flags that were set override the
// environment.
type options struct {
	projectNumber int64
	nonceSeed     int64
	requestHash   string
	verifier      string
	verifierURL   string
	latency       time.Duration
	failRequest   string
	failPrepare   string
	failStandard  string
	nullToken     bool
	nullProvider  bool
}

func (o *options) bindFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.Int64Var(&o.projectNumber, "cloud-project-number", 0, "Google Cloud project number (0 uses the project linked in the Play Console)")
	flags.Int64Var(&o.nonceSeed, "nonce-seed", 42, "seed of the deterministic nonce")
	flags.StringVar(&o.requestHash, "request-hash", "", "request hash of the standard flow")
	flags.StringVar(&o.verifier, "verifier", "", "verifier to forward tokens to: local, http or play")
	flags.StringVar(&o.verifierURL, "verifier-url", "", "base URL of the fake verification server")
	flags.DurationVar(&o.latency, "latency", 0, "latency of every provider operation")
	flags.StringVar(&o.failRequest, "fail-request", "", "error code returned by the classic token request")
	flags.StringVar(&o.failPrepare, "fail-prepare", "", "error code returned by the prepare step")
	flags.StringVar(&o.failStandard, "fail-standard", "", "error code returned by the standard token request")
	flags.BoolVar(&o.nullToken, "null-token", false, "complete token requests without a token")
	flags.BoolVar(&o.nullProvider, "null-provider", false, "complete the prepare step without a provider")
}

func loadConfig(cmd *cobra.Command, o *options) (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to load %s configuration: %w", svcName, err)
	}

	flags := cmd.Flags()
	if flags.Changed("cloud-project-number") {
		n := o.projectNumber
		cfg.CloudProjectNumber = &n
	}
	if flags.Changed("nonce-seed") {
		cfg.NonceSeed = o.nonceSeed
	}
	if flags.Changed("request-hash") {
		cfg.RequestHash = o.requestHash
	}
	if flags.Changed("verifier") {
		cfg.Verifier = o.verifier
	}
	if flags.Changed("verifier-url") {
		cfg.VerifierURL = o.verifierURL
	}
	if flags.Changed("latency") {
		cfg.ProviderLatency = o.latency
	}

	if cfg.CloudProjectNumber == nil {
		return cfg, errProjectNumberRequired
	}
	return cfg, nil
}

func (o *options) faults() (provider.Faults, error) {
	faults := provider.Faults{
		NullToken:    o.nullToken,
		NullProvider: o.nullProvider,
	}

	for _, f := range []struct {
		name string
		dst  *integrity.ErrorCode
	}{
		{o.failRequest, &faults.RequestError},
		{o.failPrepare, &faults.PrepareError},
		{o.failStandard, &faults.StandardError},
	} {
		if f.name == "" {
			continue
		}
		code, err := integrity.ParseErrorCode(f.name)
		if err != nil {
			return faults, err
		}
		*f.dst = code
	}

	return faults, nil
}

type app struct {
	cfg      config
	logger   *slog.Logger
	orch     *integrity.Orchestrator
	provider *provider.Provider
	closers  []func()
}

func newApp(cmd *cobra.Command, o *options) (*app, error) {
	cfg, err := loadConfig(cmd, o)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	faults, err := o.faults()
	if err != nil {
		return nil, err
	}

	codec, err := token.NewCodec(token.Config{Key: []byte(cfg.TokenKey)})
	if err != nil {
		return nil, err
	}

	p, err := provider.New(provider.Config{
		Codec:       codec,
		PackageName: cfg.PackageName,
		Latency:     cfg.ProviderLatency,
		Faults:      faults,
		Logger:      logger.With(slog.String("component", "provider")),
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, provider: p}

	v, err := a.newVerifier(cmd.Context(), codec)
	if err != nil {
		a.close()
		return nil, err
	}

	orch, err := integrity.NewOrchestrator(integrity.Config{
		Manager:            p,
		StandardManager:    p,
		Nonces:             nonce.Deterministic{},
		NonceSeed:          cfg.NonceSeed,
		Verifier:           v,
		Status:             status.NewLog(status.Config{Output: cmd.OutOrStdout()}),
		CloudProjectNumber: *cfg.CloudProjectNumber,
		Logger:             logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.orch = orch

	logger.Debug("integrity sample configured",
		slog.String("verifier", cfg.Verifier),
		slog.Int64("cloud_project_number", *cfg.CloudProjectNumber))

	return a, nil
}

func (a *app) newVerifier(ctx context.Context, codec *token.Codec) (integrity.Verifier, error) {
	policy := verifier.Policy{PackageNames: []string{a.cfg.PackageName}}

	switch a.cfg.Verifier {
	case verifierLocal:
		guard := replay.NewMemoryGuard(replay.Config{})
		a.closers = append(a.closers, guard.Close)
		return verifier.NewLocal(verifier.LocalConfig{
			Codec:  codec,
			Policy: policy,
			Replay: guard,
		})
	case verifierHTTP:
		return verifier.NewHTTPClient(verifier.HTTPConfig{BaseURL: a.cfg.VerifierURL})
	case verifierPlay:
		return verifier.NewPlay(ctx, verifier.PlayConfig{
			Policy:             policy,
			GCPCredentialsFile: a.cfg.GCPCredentialsFile,
		})
	default:
		return nil, fmt.Errorf("unknown verifier %q (want %s, %s or %s)", a.cfg.Verifier, verifierLocal, verifierHTTP, verifierPlay)
	}
}

// runBoth starts the two flows concurrently and waits for both outcomes.
func (a *app) runBoth(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	handles := []*integrity.Operation[integrity.Outcome]{
		a.orch.StartSimpleFlow(ctx),
		a.orch.StartDependentFlow(ctx, a.cfg.RequestHash),
	}
	for _, h := range handles {
		h := h
		g.Go(func() error {
			if err := h.Await(ctx); err != nil {
				return err
			}
			out, err := h.Result()
			if err != nil {
				return err
			}
			a.logger.Info("flow finished",
				slog.String("flow_id", out.FlowID),
				slog.String("state", out.State.String()))
			return nil
		})
	}

	return g.Wait()
}

func (a *app) close() {
	a.provider.Wait()
	for _, c := range a.closers {
		c()
	}
}
