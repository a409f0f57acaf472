// Package token encodes and decodes the integrity tokens minted by the
// sample provider.
//
// Classic tokens are compact JWS (HS256). Standard tokens carry a CBOR
// payload followed by an HMAC-SHA256 tag:
//
//	v1.<base64url(cbor payload)>.<base64url(tag)>
//
// Both formats are keyed with the same shared secret. They stand in for
// the encrypted tokens of the real service and are not meant to be secure.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Kind identifies a token format.
type Kind string

// Token kinds.
const (
	KindClassic  Kind = "classic"
	KindStandard Kind = "standard"
)

const standardPrefix = "v1."

// Common errors.
var (
	ErrMissingKey   = errors.New("token key is required")
	ErrMalformed    = errors.New("malformed token")
	ErrBadSignature = errors.New("token signature mismatch")
	ErrExpired      = errors.New("token expired")
)

// Payload mirrors the external token payload of Play Integrity.
type Payload struct {
	RequestDetails  RequestDetails  `json:"requestDetails" cbor:"1,keyasint"`
	AppIntegrity    AppIntegrity    `json:"appIntegrity" cbor:"2,keyasint"`
	DeviceIntegrity DeviceIntegrity `json:"deviceIntegrity" cbor:"3,keyasint"`
	AccountDetails  AccountDetails  `json:"accountDetails" cbor:"4,keyasint"`
}

// RequestDetails describes the request a token was issued for.
type RequestDetails struct {
	RequestPackageName string `json:"requestPackageName" cbor:"1,keyasint"`
	Nonce              string `json:"nonce,omitempty" cbor:"2,keyasint,omitempty"`
	RequestHash        string `json:"requestHash,omitempty" cbor:"3,keyasint,omitempty"`
	TimestampMillis    int64  `json:"timestampMillis" cbor:"4,keyasint"`
}

// AppIntegrity describes the app binary.
type AppIntegrity struct {
	AppRecognitionVerdict   string   `json:"appRecognitionVerdict" cbor:"1,keyasint"`
	PackageName             string   `json:"packageName,omitempty" cbor:"2,keyasint,omitempty"`
	CertificateSha256Digest []string `json:"certificateSha256Digest,omitempty" cbor:"3,keyasint,omitempty"`
	VersionCode             int64    `json:"versionCode,omitempty" cbor:"4,keyasint,omitempty"`
}

// DeviceIntegrity describes the device.
type DeviceIntegrity struct {
	DeviceRecognitionVerdict []string `json:"deviceRecognitionVerdict" cbor:"1,keyasint"`
}

// AccountDetails carries the licensing verdict.
type AccountDetails struct {
	AppLicensingVerdict string `json:"appLicensingVerdict" cbor:"1,keyasint"`
}

// Timestamp returns the request time of the payload.
func (p *Payload) Timestamp() time.Time {
	return time.UnixMilli(p.RequestDetails.TimestampMillis)
}

type classicClaims struct {
	Payload
	jwt.RegisteredClaims
}

type standardEnvelope struct {
	Payload   Payload `cbor:"1,keyasint"`
	IssuedAt  int64   `cbor:"2,keyasint"`
	ExpiresAt int64   `cbor:"3,keyasint"`
	Issuer    string  `cbor:"4,keyasint"`
	ID        string  `cbor:"5,keyasint,omitempty"`
}

// Config holds configuration for a Codec.
type Config struct {
	// Key is the shared secret (required).
	Key []byte

	// Issuer is written to and expected in every token (default: "integrity-sample").
	Issuer string

	// TTL is how long a minted token is accepted (default: 10 minutes).
	TTL time.Duration

	// Now overrides the clock (for tests).
	Now func() time.Time
}

// Codec mints and opens tokens.
type Codec struct {
	key     []byte
	issuer  string
	ttl     time.Duration
	now     func() time.Time
	encMode cbor.EncMode
}

// NewCodec creates a new token codec.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.Key) == 0 {
		return nil, ErrMissingKey
	}

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "integrity-sample"
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	encMode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	return &Codec{
		key:     append([]byte(nil), cfg.Key...),
		issuer:  issuer,
		ttl:     ttl,
		now:     now,
		encMode: encMode,
	}, nil
}

// EncodeClassic mints a classic token. id becomes the JWT ID.
func (c *Codec) EncodeClassic(p Payload, id string) (string, error) {
	now := c.now()
	claims := classicClaims{
		Payload: p,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
			ID:        id,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign classic token: %w", err)
	}
	return signed, nil
}

// EncodeStandard mints a standard token. id is carried in the envelope.
func (c *Codec) EncodeStandard(p Payload, id string) (string, error) {
	now := c.now()
	env := standardEnvelope{
		Payload:   p,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(c.ttl).Unix(),
		Issuer:    c.issuer,
		ID:        id,
	}

	raw, err := c.encMode.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode standard token: %w", err)
	}

	body := base64.RawURLEncoding.EncodeToString(raw)
	tag := base64.RawURLEncoding.EncodeToString(c.mac(body))
	return standardPrefix + body + "." + tag, nil
}

// Decoded is an opened token.
type Decoded struct {
	Kind    Kind
	ID      string
	Payload Payload
}

// Decode verifies and opens a token of either kind.
func (c *Codec) Decode(tok string) (*Decoded, error) {
	if strings.HasPrefix(tok, standardPrefix) {
		return c.decodeStandard(tok)
	}
	return c.decodeClassic(tok)
}

func (c *Codec) decodeClassic(tok string) (*Decoded, error) {
	claims := &classicClaims{}
	_, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return &Decoded{
		Kind:    KindClassic,
		ID:      claims.ID,
		Payload: claims.Payload,
	}, nil
}

func (c *Codec) decodeStandard(tok string) (*Decoded, error) {
	parts := strings.Split(strings.TrimPrefix(tok, standardPrefix), ".")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: expected 2 segments, got %d", ErrMalformed, len(parts))
	}

	tag, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: tag: %v", ErrMalformed, err)
	}
	if !hmac.Equal(tag, c.mac(parts[0])) {
		return nil, ErrBadSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}

	var env standardEnvelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	if env.Issuer != c.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrMalformed, env.Issuer)
	}
	if c.now().After(time.Unix(env.ExpiresAt, 0)) {
		return nil, ErrExpired
	}

	return &Decoded{
		Kind:    KindStandard,
		ID:      env.ID,
		Payload: env.Payload,
	}, nil
}

func (c *Codec) mac(body string) []byte {
	h := hmac.New(sha256.New, c.key)
	h.Write([]byte(body))
	return h.Sum(nil)
}
