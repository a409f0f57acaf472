// Package provider implements an in-process integrity provider that mints
// sample tokens.
//
// It behaves like the on-device client library: every call returns a
// pending operation that completes asynchronously, request validation
// failures are reported as error codes, and failures can be injected to
// exercise the error paths of a flow.
package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	integrity "github.com/kacy/integrity-flow"
	"github.com/kacy/integrity-flow/nonce"
	"github.com/kacy/integrity-flow/token"
)

// MaxRequestHashLength is the longest request hash accepted.
const MaxRequestHashLength = 500

// Default verdicts of minted tokens.
const (
	DefaultPackageName      = "com.google.android.play.integrity.sample"
	DefaultAppVerdict       = "PLAY_RECOGNIZED"
	DefaultDeviceVerdict    = "MEETS_DEVICE_INTEGRITY"
	DefaultLicensingVerdict = "LICENSED"
)

// Faults injects failures. A zero Faults never fails.
type Faults struct {
	// RequestError fails RequestIntegrityToken.
	RequestError integrity.ErrorCode

	// PrepareError fails PrepareIntegrityToken.
	PrepareError integrity.ErrorCode

	// StandardError fails TokenProvider.Request.
	StandardError integrity.ErrorCode

	// NullToken completes token requests without a token.
	NullToken bool

	// NullProvider completes PrepareIntegrityToken without a provider.
	NullProvider bool
}

// Config holds configuration for the fake provider.
type Config struct {
	// Codec mints the tokens (required).
	Codec *token.Codec

	// PackageName is written to every token (default: DefaultPackageName).
	PackageName string

	// CertificateDigests are the APK signing certificate digests.
	CertificateDigests []string

	// VersionCode is the app version code.
	VersionCode int64

	// AppVerdict is the app recognition verdict (default: PLAY_RECOGNIZED).
	AppVerdict string

	// DeviceVerdicts are the device recognition verdicts
	// (default: MEETS_DEVICE_INTEGRITY).
	DeviceVerdicts []string

	// LicensingVerdict is the licensing verdict (default: LICENSED).
	LicensingVerdict string

	// Latency delays the completion of every operation.
	Latency time.Duration

	// ProviderTTL invalidates prepared providers after this duration.
	// Zero keeps them valid.
	ProviderTTL time.Duration

	// Faults injects failures.
	Faults Faults

	// Now overrides the clock (for tests).
	Now func() time.Time

	// Logger is optional.
	Logger *slog.Logger
}

// Provider is a fake integrity provider serving both flows.
type Provider struct {
	codec       *token.Codec
	payload     token.Payload
	latency     time.Duration
	providerTTL time.Duration
	faults      Faults
	now         func() time.Time
	logger      *slog.Logger

	wg sync.WaitGroup
}

var (
	_ integrity.Manager         = (*Provider)(nil)
	_ integrity.StandardManager = (*Provider)(nil)
)

// New creates a new fake provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Codec == nil {
		return nil, errors.New("token codec is required")
	}

	packageName := cfg.PackageName
	if packageName == "" {
		packageName = DefaultPackageName
	}

	appVerdict := cfg.AppVerdict
	if appVerdict == "" {
		appVerdict = DefaultAppVerdict
	}

	deviceVerdicts := cfg.DeviceVerdicts
	if len(deviceVerdicts) == 0 {
		deviceVerdicts = []string{DefaultDeviceVerdict}
	}

	licensingVerdict := cfg.LicensingVerdict
	if licensingVerdict == "" {
		licensingVerdict = DefaultLicensingVerdict
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Provider{
		codec: cfg.Codec,
		payload: token.Payload{
			RequestDetails: token.RequestDetails{RequestPackageName: packageName},
			AppIntegrity: token.AppIntegrity{
				AppRecognitionVerdict:   appVerdict,
				PackageName:             packageName,
				CertificateSha256Digest: cfg.CertificateDigests,
				VersionCode:             cfg.VersionCode,
			},
			DeviceIntegrity: token.DeviceIntegrity{DeviceRecognitionVerdict: deviceVerdicts},
			AccountDetails:  token.AccountDetails{AppLicensingVerdict: licensingVerdict},
		},
		latency:     cfg.Latency,
		providerTTL: cfg.ProviderTTL,
		faults:      cfg.Faults,
		now:         now,
		logger:      logger,
	}, nil
}

// RequestIntegrityToken mints a classic token bound to req.Nonce.
func (p *Provider) RequestIntegrityToken(ctx context.Context, req integrity.TokenRequest) *integrity.Operation[integrity.TokenResponse] {
	op := integrity.NewOperation[integrity.TokenResponse]()

	run(ctx, p, op, func() (integrity.TokenResponse, integrity.ErrorCode) {
		if code := validateNonce(req.Nonce); code != integrity.NoError {
			return integrity.TokenResponse{}, code
		}
		if req.CloudProjectNumber < 0 {
			return integrity.TokenResponse{}, integrity.CloudProjectNumberIsInvalid
		}
		if p.faults.RequestError != integrity.NoError {
			return integrity.TokenResponse{}, p.faults.RequestError
		}
		if p.faults.NullToken {
			return integrity.TokenResponse{}, integrity.NoError
		}

		payload := p.newPayload()
		payload.RequestDetails.Nonce = req.Nonce

		tok, err := p.codec.EncodeClassic(payload, uuid.NewString())
		if err != nil {
			p.logger.Error("failed to mint classic token", slog.String("error", err.Error()))
			return integrity.TokenResponse{}, integrity.InternalError
		}
		return integrity.TokenResponse{Token: &tok}, integrity.NoError
	})

	return op
}

// PrepareIntegrityToken returns a token provider bound to the cloud project.
func (p *Provider) PrepareIntegrityToken(ctx context.Context, req integrity.PrepareTokenRequest) *integrity.Operation[integrity.TokenProvider] {
	op := integrity.NewOperation[integrity.TokenProvider]()

	run(ctx, p, op, func() (integrity.TokenProvider, integrity.ErrorCode) {
		if req.CloudProjectNumber < 0 {
			return nil, integrity.CloudProjectNumberIsInvalid
		}
		if p.faults.PrepareError != integrity.NoError {
			return nil, p.faults.PrepareError
		}
		if p.faults.NullProvider {
			return nil, integrity.NoError
		}

		h := &handle{
			provider:      p,
			projectNumber: req.CloudProjectNumber,
		}
		if p.providerTTL > 0 {
			h.expiresAt = p.now().Add(p.providerTTL)
		}
		return h, integrity.NoError
	})

	return op
}

// Wait blocks until every pending operation has completed.
func (p *Provider) Wait() {
	p.wg.Wait()
}

func (p *Provider) newPayload() token.Payload {
	payload := p.payload
	payload.RequestDetails.TimestampMillis = p.now().UnixMilli()
	return payload
}

// run completes op on a separate goroutine after the configured latency.
// A canceled ctx completes op with ClientTransientError.
func run[T any](ctx context.Context, p *Provider, op *integrity.Operation[T], fn func() (T, integrity.ErrorCode)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if p.latency > 0 {
			timer := time.NewTimer(p.latency)
			defer timer.Stop()

			select {
			case <-timer.C:
			case <-ctx.Done():
				op.Fail(integrity.ClientTransientError)
				return
			}
		}

		result, code := fn()
		if code != integrity.NoError {
			p.logger.Debug("operation failed", slog.String("code", code.String()))
			op.Fail(code)
			return
		}
		op.Resolve(result)
	}()
}

type handle struct {
	provider      *Provider
	projectNumber int64
	expiresAt     time.Time
}

// Request mints a standard token bound to req.RequestHash.
func (h *handle) Request(ctx context.Context, req integrity.StandardTokenRequest) *integrity.Operation[integrity.TokenResponse] {
	p := h.provider
	op := integrity.NewOperation[integrity.TokenResponse]()

	run(ctx, p, op, func() (integrity.TokenResponse, integrity.ErrorCode) {
		if len(req.RequestHash) > MaxRequestHashLength {
			return integrity.TokenResponse{}, integrity.RequestHashTooLong
		}
		if !h.expiresAt.IsZero() && p.now().After(h.expiresAt) {
			return integrity.TokenResponse{}, integrity.IntegrityTokenProviderInvalid
		}
		if p.faults.StandardError != integrity.NoError {
			return integrity.TokenResponse{}, p.faults.StandardError
		}
		if p.faults.NullToken {
			return integrity.TokenResponse{}, integrity.NoError
		}

		payload := p.newPayload()
		payload.RequestDetails.RequestHash = req.RequestHash

		tok, err := p.codec.EncodeStandard(payload, uuid.NewString())
		if err != nil {
			p.logger.Error("failed to mint standard token", slog.String("error", err.Error()))
			return integrity.TokenResponse{}, integrity.InternalError
		}
		return integrity.TokenResponse{Token: &tok}, integrity.NoError
	})

	return op
}

func validateNonce(n string) integrity.ErrorCode {
	err := nonce.Validate(n)
	switch {
	case err == nil:
		return integrity.NoError
	case errors.Is(err, nonce.ErrTooShort):
		return integrity.NonceTooShort
	case errors.Is(err, nonce.ErrTooLong):
		return integrity.NonceTooLong
	default:
		return integrity.NonceIsNotBase64
	}
}
