package verifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacy/integrity-flow/replay"
	"github.com/kacy/integrity-flow/token"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestCodec(t *testing.T, now func() time.Time) *token.Codec {
	t.Helper()
	codec, err := token.NewCodec(token.Config{Key: testKey, Now: now})
	require.NoError(t, err)
	return codec
}

func samplePayload(now time.Time) token.Payload {
	return token.Payload{
		RequestDetails: token.RequestDetails{
			RequestPackageName: "com.example.app",
			Nonce:              "bm9uY2Utbm9uY2Utbm9uY2U",
			TimestampMillis:    now.UnixMilli(),
		},
		AppIntegrity: token.AppIntegrity{
			AppRecognitionVerdict: "PLAY_RECOGNIZED",
			PackageName:           "com.example.app",
		},
		DeviceIntegrity: token.DeviceIntegrity{
			DeviceRecognitionVerdict: []string{"MEETS_DEVICE_INTEGRITY"},
		},
		AccountDetails: token.AccountDetails{AppLicensingVerdict: "LICENSED"},
	}
}

func TestNewLocal_Validation(t *testing.T) {
	_, err := NewLocal(LocalConfig{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "token codec is required")
}

func TestLocal_Classic(t *testing.T) {
	codec := newTestCodec(t, nil)
	v, err := NewLocal(LocalConfig{
		Codec:  codec,
		Policy: Policy{PackageNames: []string{"com.example.app"}},
	})
	require.NoError(t, err)

	tok, err := codec.EncodeClassic(samplePayload(time.Now()), "id-1")
	require.NoError(t, err)

	verdict, err := v.DecryptAndVerify(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, verdict.Valid, "reasons: %v", verdict.Reasons)
	assert.Equal(t, "bm9uY2Utbm9uY2Utbm9uY2U", verdict.RequestDetails.Nonce)
	assert.Equal(t, "LICENSED", verdict.AccountDetails.AppLicensingVerdict)
}

func TestLocal_Standard(t *testing.T) {
	codec := newTestCodec(t, nil)
	v, err := NewLocal(LocalConfig{Codec: codec})
	require.NoError(t, err)

	p := samplePayload(time.Now())
	p.RequestDetails.Nonce = ""
	p.RequestDetails.RequestHash = "2cp24z..."
	tok, err := codec.EncodeStandard(p, "id-2")
	require.NoError(t, err)

	verdict, err := v.DecryptAndVerify(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, verdict.Valid)
	assert.Equal(t, "2cp24z...", verdict.RequestDetails.RequestHash)
}

func TestLocal_PolicyFailureIsNotAnError(t *testing.T) {
	codec := newTestCodec(t, nil)
	v, err := NewLocal(LocalConfig{
		Codec:  codec,
		Policy: Policy{RequireStrongIntegrity: true},
	})
	require.NoError(t, err)

	tok, err := codec.EncodeClassic(samplePayload(time.Now()), "id-3")
	require.NoError(t, err)

	verdict, err := v.DecryptAndVerify(context.Background(), tok)
	require.NoError(t, err)
	assert.False(t, verdict.Valid)
	assert.True(t, containsReason(verdict.Reasons, ReasonDeviceIntegrity))
}

func TestLocal_InvalidTokens(t *testing.T) {
	v, err := NewLocal(LocalConfig{Codec: newTestCodec(t, nil)})
	require.NoError(t, err)

	_, err = v.DecryptAndVerify(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.DecryptAndVerify(context.Background(), "abc123")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLocal_ExpiredToken(t *testing.T) {
	minted := time.Now().Add(-time.Hour)
	minter := newTestCodec(t, func() time.Time { return minted })
	tok, err := minter.EncodeClassic(samplePayload(minted), "id-4")
	require.NoError(t, err)

	v, err := NewLocal(LocalConfig{Codec: newTestCodec(t, nil)})
	require.NoError(t, err)

	_, err = v.DecryptAndVerify(context.Background(), tok)
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestLocal_Replay(t *testing.T) {
	guard := replay.NewMemoryGuard(replay.Config{})
	defer guard.Close()

	codec := newTestCodec(t, nil)
	v, err := NewLocal(LocalConfig{Codec: codec, Replay: guard})
	require.NoError(t, err)

	tok, err := codec.EncodeClassic(samplePayload(time.Now()), "id-5")
	require.NoError(t, err)

	first, err := v.DecryptAndVerify(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, first.Valid)

	second, err := v.DecryptAndVerify(context.Background(), tok)
	require.NoError(t, err)
	assert.False(t, second.Valid)
	assert.Contains(t, second.Reasons, ReasonReplayed)
}
