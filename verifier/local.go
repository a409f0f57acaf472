package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	integrity "github.com/kacy/integrity-flow"
	"github.com/kacy/integrity-flow/replay"
	"github.com/kacy/integrity-flow/token"
)

// LocalConfig holds configuration for the local verifier.
type LocalConfig struct {
	// Codec opens the tokens (required).
	Codec *token.Codec

	// Policy is applied to every decoded token.
	Policy Policy

	// Replay rejects tokens verified before (optional).
	Replay replay.Guard

	// Now overrides the clock (for tests).
	Now func() time.Time
}

// Local verifies the sample tokens without leaving the process.
type Local struct {
	codec  *token.Codec
	policy *policy
	replay replay.Guard
	now    func() time.Time
}

var _ integrity.Verifier = (*Local)(nil)

// NewLocal creates a new local verifier.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.Codec == nil {
		return nil, errors.New("token codec is required")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Local{
		codec:  cfg.Codec,
		policy: newPolicy(cfg.Policy),
		replay: cfg.Replay,
		now:    now,
	}, nil
}

// DecryptAndVerify opens tok and applies the policy to its payload.
func (l *Local) DecryptAndVerify(ctx context.Context, tok string) (*integrity.Verdict, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	decoded, err := l.codec.Decode(tok)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	verdict := VerdictFromPayload(decoded.Payload)

	key := decoded.ID
	if key == "" {
		key = tokenKey(tok)
	}
	if err := consume(ctx, l.replay, key, verdict); err != nil {
		return nil, err
	}

	l.policy.apply(verdict, l.now())
	return verdict, nil
}

// VerdictFromPayload converts a decoded sample payload.
func VerdictFromPayload(p token.Payload) *integrity.Verdict {
	return &integrity.Verdict{
		RequestDetails: integrity.RequestDetails{
			RequestPackageName: p.RequestDetails.RequestPackageName,
			Nonce:              p.RequestDetails.Nonce,
			RequestHash:        p.RequestDetails.RequestHash,
			Timestamp:          p.Timestamp(),
		},
		AppIntegrity: integrity.AppIntegrity{
			AppRecognitionVerdict:   p.AppIntegrity.AppRecognitionVerdict,
			PackageName:             p.AppIntegrity.PackageName,
			CertificateSha256Digest: p.AppIntegrity.CertificateSha256Digest,
			VersionCode:             p.AppIntegrity.VersionCode,
		},
		DeviceIntegrity: integrity.DeviceIntegrity{
			DeviceRecognitionVerdict: p.DeviceIntegrity.DeviceRecognitionVerdict,
		},
		AccountDetails: integrity.AccountDetails{
			AppLicensingVerdict: p.AccountDetails.AppLicensingVerdict,
		},
	}
}

// consume records key with guard and marks replayed verdicts.
func consume(ctx context.Context, guard replay.Guard, key string, v *integrity.Verdict) error {
	if guard == nil {
		return nil
	}

	fresh, err := guard.Consume(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: replay check: %v", ErrVerificationFailed, err)
	}
	if !fresh {
		v.Reasons = append(v.Reasons, ReasonReplayed)
	}
	return nil
}

func tokenKey(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}
