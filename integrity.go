package integrity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode is the completion code of a provider operation.
type ErrorCode int

// Error codes reported by the integrity provider. NoError is the only
// success value.
const (
	NoError ErrorCode = iota
	APINotAvailable
	PlayStoreNotFound
	NetworkError
	PlayStoreAccountNotFound
	AppNotInstalled
	PlayServicesNotFound
	AppUIDMismatch
	TooManyRequests
	CannotBindToService
	NonceTooShort
	NonceTooLong
	GoogleServerUnavailable
	NonceIsNotBase64
	PlayStoreVersionOutdated
	PlayServicesVersionOutdated
	CloudProjectNumberIsInvalid
	RequestHashTooLong
	ClientTransientError
	IntegrityTokenProviderInvalid
	InternalError
)

var errorCodeNames = map[ErrorCode]string{
	NoError:                       "NoError",
	APINotAvailable:               "ApiNotAvailable",
	PlayStoreNotFound:             "PlayStoreNotFound",
	NetworkError:                  "NetworkError",
	PlayStoreAccountNotFound:      "PlayStoreAccountNotFound",
	AppNotInstalled:               "AppNotInstalled",
	PlayServicesNotFound:          "PlayServicesNotFound",
	AppUIDMismatch:                "AppUidMismatch",
	TooManyRequests:               "TooManyRequests",
	CannotBindToService:           "CannotBindToService",
	NonceTooShort:                 "NonceTooShort",
	NonceTooLong:                  "NonceTooLong",
	GoogleServerUnavailable:       "GoogleServerUnavailable",
	NonceIsNotBase64:              "NonceIsNotBase64",
	PlayStoreVersionOutdated:      "PlayStoreVersionOutdated",
	PlayServicesVersionOutdated:   "PlayServicesVersionOutdated",
	CloudProjectNumberIsInvalid:   "CloudProjectNumberIsInvalid",
	RequestHashTooLong:            "RequestHashTooLong",
	ClientTransientError:          "ClientTransientError",
	IntegrityTokenProviderInvalid: "IntegrityTokenProviderInvalid",
	InternalError:                 "InternalError",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// ParseErrorCode returns the code with the given name. Matching ignores case.
func ParseErrorCode(name string) (ErrorCode, error) {
	for code, n := range errorCodeNames {
		if strings.EqualFold(n, name) {
			return code, nil
		}
	}
	return NoError, fmt.Errorf("%w: %q", ErrUnknownErrorCode, name)
}

// Common errors.
var (
	ErrUnknownErrorCode  = errors.New("unknown error code")
	ErrOperationFailed   = errors.New("operation completed with error")
	ErrInvalidProjectNum = errors.New("cloud project number must not be negative")
	ErrMissingDependency = errors.New("missing orchestrator dependency")
)

// TokenRequest is a request for a classic integrity token.
type TokenRequest struct {
	// Nonce binds the token to a single request. Must not be empty.
	Nonce string

	// CloudProjectNumber identifies the Google Cloud project. Zero means
	// the project linked in the Play Console.
	CloudProjectNumber int64
}

// PrepareTokenRequest warms up a token provider for standard requests.
type PrepareTokenRequest struct {
	CloudProjectNumber int64
}

// StandardTokenRequest is a request issued through a prepared TokenProvider.
type StandardTokenRequest struct {
	// RequestHash correlates the token with a user action. It is opaque
	// to the client and checked by the backend.
	RequestHash string
}

// TokenResponse wraps the token returned by the provider. Token may be nil
// even when the operation completed without error.
type TokenResponse struct {
	Token *string
}

// Manager requests classic integrity tokens.
type Manager interface {
	RequestIntegrityToken(ctx context.Context, req TokenRequest) *Operation[TokenResponse]
}

// StandardManager prepares token providers for standard requests.
type StandardManager interface {
	PrepareIntegrityToken(ctx context.Context, req PrepareTokenRequest) *Operation[TokenProvider]
}

// TokenProvider is the handle obtained from PrepareIntegrityToken.
type TokenProvider interface {
	Request(ctx context.Context, req StandardTokenRequest) *Operation[TokenResponse]
}

// NonceSource produces reproducible nonces.
type NonceSource interface {
	GenerateNonce(seed int64) string
}

// Verifier decodes a token on the backend and returns its verdict.
type Verifier interface {
	DecryptAndVerify(ctx context.Context, token string) (*Verdict, error)
}

// StatusSink receives one human-readable line per flow transition.
// Implementations must be safe for concurrent use and must not fail.
type StatusSink interface {
	Append(line string)
}

// Verdict is the decoded token payload together with the outcome of the
// verifier's policy checks.
type Verdict struct {
	// Valid is true when no policy check failed.
	Valid bool `json:"valid"`

	// Reasons lists the failed policy checks.
	Reasons []string `json:"reasons,omitempty"`

	RequestDetails  RequestDetails  `json:"requestDetails"`
	AppIntegrity    AppIntegrity    `json:"appIntegrity"`
	DeviceIntegrity DeviceIntegrity `json:"deviceIntegrity"`
	AccountDetails  AccountDetails  `json:"accountDetails"`
}

// RequestDetails describes the request the token was issued for.
type RequestDetails struct {
	RequestPackageName string    `json:"requestPackageName"`
	Nonce              string    `json:"nonce,omitempty"`
	RequestHash        string    `json:"requestHash,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// AppIntegrity describes the calling app binary.
type AppIntegrity struct {
	AppRecognitionVerdict   string   `json:"appRecognitionVerdict"`
	PackageName             string   `json:"packageName,omitempty"`
	CertificateSha256Digest []string `json:"certificateSha256Digest,omitempty"`
	VersionCode             int64    `json:"versionCode,omitempty"`
}

// DeviceIntegrity describes the device the app runs on.
type DeviceIntegrity struct {
	DeviceRecognitionVerdict []string `json:"deviceRecognitionVerdict"`
}

// AccountDetails carries the Play licensing verdict.
type AccountDetails struct {
	AppLicensingVerdict string `json:"appLicensingVerdict"`
}

func (v *Verdict) String() string {
	if v == nil {
		return "<nil>"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "valid=%t", v.Valid)
	fmt.Fprintf(&b, " package=%s", v.RequestDetails.RequestPackageName)
	if v.RequestDetails.Nonce != "" {
		fmt.Fprintf(&b, " nonce=%s", v.RequestDetails.Nonce)
	}
	if v.RequestDetails.RequestHash != "" {
		fmt.Fprintf(&b, " requestHash=%s", v.RequestDetails.RequestHash)
	}
	if !v.RequestDetails.Timestamp.IsZero() {
		fmt.Fprintf(&b, " timestamp=%s", v.RequestDetails.Timestamp.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, " app=%s", v.AppIntegrity.AppRecognitionVerdict)
	fmt.Fprintf(&b, " device=[%s]", strings.Join(v.DeviceIntegrity.DeviceRecognitionVerdict, ","))
	fmt.Fprintf(&b, " licensing=%s", v.AccountDetails.AppLicensingVerdict)
	if len(v.Reasons) > 0 {
		fmt.Fprintf(&b, " reasons=[%s]", strings.Join(v.Reasons, "; "))
	}
	return b.String()
}
