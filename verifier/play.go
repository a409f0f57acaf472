package verifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/playintegrity/v1"

	integrity "github.com/kacy/integrity-flow"
	"github.com/kacy/integrity-flow/replay"
)

// PlayConfig holds configuration for Play Integrity verification.
type PlayConfig struct {
	// Policy is applied to every decoded token. Policy.PackageNames must
	// not be empty; the first name is used to call the API.
	Policy Policy

	// GCPCredentialsFile is the path to the service account credentials file.
	// If empty, uses Application Default Credentials.
	GCPCredentialsFile string

	// Endpoint overrides the API endpoint (optional).
	Endpoint string

	// HTTPClient overrides the HTTP client and disables the credential
	// options (optional).
	HTTPClient *http.Client

	// Replay rejects tokens verified before (optional).
	Replay replay.Guard

	// Now overrides the clock (for tests).
	Now func() time.Time
}

// Play verifies tokens with Google's Play Integrity API.
type Play struct {
	service     *playintegrity.Service
	packageName string
	policy      *policy
	replay      replay.Guard
	now         func() time.Time
}

var _ integrity.Verifier = (*Play)(nil)

// NewPlay creates a new Play Integrity verifier.
func NewPlay(ctx context.Context, cfg PlayConfig) (*Play, error) {
	if len(cfg.Policy.PackageNames) == 0 {
		return nil, errors.New("at least one package name is required")
	}

	var opts []option.ClientOption
	if cfg.GCPCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GCPCredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	service, err := playintegrity.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Play Integrity service: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Play{
		service:     service,
		packageName: cfg.Policy.PackageNames[0],
		policy:      newPolicy(cfg.Policy),
		replay:      cfg.Replay,
		now:         now,
	}, nil
}

// DecryptAndVerify decodes tok with the Play Integrity API and applies
// the policy to the payload.
func (p *Play) DecryptAndVerify(ctx context.Context, tok string) (*integrity.Verdict, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	decodeReq := &playintegrity.DecodeIntegrityTokenRequest{
		IntegrityToken: tok,
	}

	call := p.service.V1.DecodeIntegrityToken(p.packageName, decodeReq)
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode integrity token: %v", ErrVerificationFailed, err)
	}

	payload := resp.TokenPayloadExternal
	if payload == nil {
		return nil, fmt.Errorf("%w: empty token payload", ErrVerificationFailed)
	}
	if payload.RequestDetails == nil {
		return nil, fmt.Errorf("%w: missing request details", ErrVerificationFailed)
	}

	verdict := verdictFromExternal(payload)
	if err := consume(ctx, p.replay, tokenKey(tok), verdict); err != nil {
		return nil, err
	}

	p.policy.apply(verdict, p.now())
	return verdict, nil
}

func verdictFromExternal(payload *playintegrity.TokenPayloadExternal) *integrity.Verdict {
	v := &integrity.Verdict{
		RequestDetails: integrity.RequestDetails{
			RequestPackageName: payload.RequestDetails.RequestPackageName,
			Nonce:              payload.RequestDetails.Nonce,
			RequestHash:        payload.RequestDetails.RequestHash,
			Timestamp:          time.UnixMilli(payload.RequestDetails.TimestampMillis),
		},
	}

	if app := payload.AppIntegrity; app != nil {
		v.AppIntegrity = integrity.AppIntegrity{
			AppRecognitionVerdict:   app.AppRecognitionVerdict,
			PackageName:             app.PackageName,
			CertificateSha256Digest: app.CertificateSha256Digest,
			VersionCode:             app.VersionCode,
		}
	} else {
		v.Reasons = append(v.Reasons, "missing app integrity")
	}

	if device := payload.DeviceIntegrity; device != nil {
		v.DeviceIntegrity.DeviceRecognitionVerdict = device.DeviceRecognitionVerdict
	}

	// Include account details if available
	if payload.AccountDetails != nil {
		v.AccountDetails.AppLicensingVerdict = payload.AccountDetails.AppLicensingVerdict
	}

	return v
}
