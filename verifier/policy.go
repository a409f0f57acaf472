// Package verifier decrypts and verifies integrity tokens on the backend.
//
// Three implementations of integrity.Verifier are provided:
//
//   - Local opens the sample tokens minted by the provider package;
//   - Play decodes real tokens with Google's Play Integrity API;
//   - HTTPClient forwards tokens to a verification server run with Handler.
//
// Local and Play apply the same Policy. A failed policy check does not make
// DecryptAndVerify fail: the verdict is returned with Valid set to false
// and the failed checks listed in Reasons. Errors are reserved for tokens
// that cannot be opened at all.
package verifier

import (
	"errors"
	"fmt"
	"strings"
	"time"

	integrity "github.com/kacy/integrity-flow"
)

// Common errors.
var (
	ErrInvalidToken       = errors.New("invalid integrity token")
	ErrVerificationFailed = errors.New("verification failed")
)

// Policy reasons.
const (
	ReasonPackageName      = "unexpected package name"
	ReasonAppNotRecognized = "app not recognized"
	ReasonDeviceIntegrity  = "device integrity check failed"
	ReasonCertDigest       = "APK certificate digest mismatch"
	ReasonExpired          = "token too old"
	ReasonFuture           = "token from the future"
	ReasonReplayed         = "token already verified"
)

// Policy holds the checks applied to every decoded token.
type Policy struct {
	// PackageNames is the list of allowed package names. Empty allows any.
	PackageNames []string

	// APKCertDigests is the list of allowed APK signing certificate
	// SHA-256 digests. Empty skips the check.
	APKCertDigests []string

	// MaxTokenAge is the maximum age of a token (default: 5 minutes).
	MaxTokenAge time.Duration

	// RequireStrongIntegrity requires MEETS_STRONG_INTEGRITY verdict.
	// When false, MEETS_DEVICE_INTEGRITY is sufficient.
	RequireStrongIntegrity bool

	// AllowBasicIntegrity allows MEETS_BASIC_INTEGRITY verdict.
	// Not recommended for sensitive operations.
	AllowBasicIntegrity bool
}

type policy struct {
	packageNameSet map[string]struct{}
	certDigestSet  map[string]struct{}
	maxAge         time.Duration
	requireStrong  bool
	allowBasic     bool
}

func newPolicy(p Policy) *policy {
	packageNameSet := make(map[string]struct{}, len(p.PackageNames))
	for _, name := range p.PackageNames {
		packageNameSet[name] = struct{}{}
	}

	certDigestSet := make(map[string]struct{}, len(p.APKCertDigests))
	for _, digest := range p.APKCertDigests {
		certDigestSet[strings.ToUpper(digest)] = struct{}{}
	}

	maxAge := p.MaxTokenAge
	if maxAge == 0 {
		maxAge = 5 * time.Minute
	}

	return &policy{
		packageNameSet: packageNameSet,
		certDigestSet:  certDigestSet,
		maxAge:         maxAge,
		requireStrong:  p.RequireStrongIntegrity,
		allowBasic:     p.AllowBasicIntegrity,
	}
}

// apply records the failed checks in v and sets v.Valid.
func (p *policy) apply(v *integrity.Verdict, now time.Time) {
	var reasons []string

	reasons = append(reasons, p.checkRequestDetails(v.RequestDetails, now)...)
	reasons = append(reasons, p.checkAppIntegrity(v.AppIntegrity)...)
	reasons = append(reasons, p.checkDeviceIntegrity(v.DeviceIntegrity)...)

	v.Reasons = append(v.Reasons, reasons...)
	v.Valid = len(v.Reasons) == 0
}

func (p *policy) allowedPackage(name string) bool {
	if len(p.packageNameSet) == 0 {
		return true
	}
	_, ok := p.packageNameSet[name]
	return ok
}

func (p *policy) checkRequestDetails(details integrity.RequestDetails, now time.Time) []string {
	var reasons []string

	if !p.allowedPackage(details.RequestPackageName) {
		reasons = append(reasons, fmt.Sprintf("%s: %s", ReasonPackageName, details.RequestPackageName))
	}

	age := now.Sub(details.Timestamp)
	if age > p.maxAge {
		reasons = append(reasons, fmt.Sprintf("%s (%v)", ReasonExpired, age.Round(time.Second)))
	}
	if age < -1*time.Minute {
		reasons = append(reasons, ReasonFuture)
	}

	return reasons
}

func (p *policy) checkAppIntegrity(app integrity.AppIntegrity) []string {
	var reasons []string

	switch app.AppRecognitionVerdict {
	case "PLAY_RECOGNIZED":
		// App binary matches what's on Play Store - good
	case "UNRECOGNIZED_VERSION":
		reasons = append(reasons, ReasonAppNotRecognized+": app version not recognized by Play Store")
	case "UNEVALUATED":
		reasons = append(reasons, ReasonAppNotRecognized+": app integrity not evaluated")
	default:
		reasons = append(reasons, fmt.Sprintf("%s: unknown app recognition verdict: %s", ReasonAppNotRecognized, app.AppRecognitionVerdict))
	}

	if app.PackageName != "" && !p.allowedPackage(app.PackageName) {
		reasons = append(reasons, ReasonPackageName+" in app integrity")
	}

	if len(p.certDigestSet) > 0 {
		found := false
		for _, digest := range app.CertificateSha256Digest {
			if _, ok := p.certDigestSet[strings.ToUpper(digest)]; ok {
				found = true
				break
			}
		}
		if !found {
			reasons = append(reasons, ReasonCertDigest)
		}
	}

	return reasons
}

func (p *policy) checkDeviceIntegrity(device integrity.DeviceIntegrity) []string {
	verdicts := device.DeviceRecognitionVerdict

	hasBasic := false
	hasDevice := false
	hasStrong := false

	for _, verdict := range verdicts {
		switch verdict {
		case "MEETS_BASIC_INTEGRITY":
			hasBasic = true
		case "MEETS_DEVICE_INTEGRITY":
			hasDevice = true
		case "MEETS_STRONG_INTEGRITY":
			hasStrong = true
		}
	}

	if p.requireStrong {
		if !hasStrong {
			return []string{fmt.Sprintf("%s: device does not meet strong integrity requirements (verdicts: %v)", ReasonDeviceIntegrity, verdicts)}
		}
		return nil
	}

	if hasDevice || hasStrong {
		return nil
	}

	if hasBasic && p.allowBasic {
		return nil
	}

	if hasBasic {
		return []string{ReasonDeviceIntegrity + ": device only meets basic integrity (may be rooted/modified)"}
	}

	return []string{fmt.Sprintf("%s (verdicts: %v)", ReasonDeviceIntegrity, verdicts)}
}
