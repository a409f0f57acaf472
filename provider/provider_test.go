package provider

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	integrity "github.com/kacy/integrity-flow"
	"github.com/kacy/integrity-flow/nonce"
	"github.com/kacy/integrity-flow/token"
)

func newCodec(t *testing.T) *token.Codec {
	t.Helper()
	codec, err := token.NewCodec(token.Config{Key: []byte("0123456789abcdef0123456789abcdef")})
	require.NoError(t, err)
	return codec
}

func newProvider(t *testing.T, cfg Config) *Provider {
	t.Helper()
	if cfg.Codec == nil {
		cfg.Codec = newCodec(t)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func await[T any](t *testing.T, op *integrity.Operation[T]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, op.Await(ctx))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "token codec is required")

	p := newProvider(t, Config{})
	assert.Equal(t, DefaultPackageName, p.payload.RequestDetails.RequestPackageName)
	assert.Equal(t, DefaultAppVerdict, p.payload.AppIntegrity.AppRecognitionVerdict)
	assert.Equal(t, []string{DefaultDeviceVerdict}, p.payload.DeviceIntegrity.DeviceRecognitionVerdict)
	assert.Equal(t, DefaultLicensingVerdict, p.payload.AccountDetails.AppLicensingVerdict)
}

func TestRequestIntegrityToken(t *testing.T) {
	codec := newCodec(t)
	p := newProvider(t, Config{Codec: codec, PackageName: "com.example.app"})
	n := nonce.Deterministic{}.GenerateNonce(42)

	op := p.RequestIntegrityToken(context.Background(), integrity.TokenRequest{Nonce: n})
	await(t, op)

	require.Equal(t, integrity.NoError, op.Error())
	resp, err := op.Result()
	require.NoError(t, err)
	require.NotNil(t, resp.Token)

	decoded, err := codec.Decode(*resp.Token)
	require.NoError(t, err)
	assert.Equal(t, token.KindClassic, decoded.Kind)
	assert.Equal(t, n, decoded.Payload.RequestDetails.Nonce)
	assert.Equal(t, "com.example.app", decoded.Payload.RequestDetails.RequestPackageName)
	assert.NotEmpty(t, decoded.ID)
}

func TestRequestIntegrityToken_Validation(t *testing.T) {
	valid := nonce.Deterministic{}.GenerateNonce(1)

	tests := []struct {
		name string
		req  integrity.TokenRequest
		want integrity.ErrorCode
	}{
		{name: "not base64", req: integrity.TokenRequest{Nonce: "N42!"}, want: integrity.NonceIsNotBase64},
		{name: "too short", req: integrity.TokenRequest{Nonce: "YWJj"}, want: integrity.NonceTooShort},
		{name: "too long", req: integrity.TokenRequest{Nonce: strings.Repeat("QUFB", 200)}, want: integrity.NonceTooLong},
		{name: "negative project", req: integrity.TokenRequest{Nonce: valid, CloudProjectNumber: -1}, want: integrity.CloudProjectNumberIsInvalid},
	}

	p := newProvider(t, Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := p.RequestIntegrityToken(context.Background(), tt.req)
			await(t, op)
			assert.Equal(t, tt.want, op.Error())
			_, err := op.Result()
			assert.ErrorIs(t, err, integrity.ErrOperationFailed)
		})
	}
}

func TestRequestIntegrityToken_Faults(t *testing.T) {
	n := nonce.Deterministic{}.GenerateNonce(42)

	p := newProvider(t, Config{Faults: Faults{RequestError: integrity.TooManyRequests}})
	op := p.RequestIntegrityToken(context.Background(), integrity.TokenRequest{Nonce: n})
	await(t, op)
	assert.Equal(t, integrity.TooManyRequests, op.Error())

	p = newProvider(t, Config{Faults: Faults{NullToken: true}})
	op = p.RequestIntegrityToken(context.Background(), integrity.TokenRequest{Nonce: n})
	await(t, op)
	require.Equal(t, integrity.NoError, op.Error())
	resp, err := op.Result()
	require.NoError(t, err)
	assert.Nil(t, resp.Token)
}

func TestStandardFlow(t *testing.T) {
	codec := newCodec(t)
	p := newProvider(t, Config{Codec: codec})

	prepare := p.PrepareIntegrityToken(context.Background(), integrity.PrepareTokenRequest{CloudProjectNumber: 123})
	await(t, prepare)
	require.Equal(t, integrity.NoError, prepare.Error())
	handle, err := prepare.Result()
	require.NoError(t, err)
	require.NotNil(t, handle)

	op := handle.Request(context.Background(), integrity.StandardTokenRequest{RequestHash: "2cp24z..."})
	await(t, op)
	require.Equal(t, integrity.NoError, op.Error())
	resp, err := op.Result()
	require.NoError(t, err)
	require.NotNil(t, resp.Token)

	decoded, err := codec.Decode(*resp.Token)
	require.NoError(t, err)
	assert.Equal(t, token.KindStandard, decoded.Kind)
	assert.Equal(t, "2cp24z...", decoded.Payload.RequestDetails.RequestHash)
}

func TestStandardFlow_Faults(t *testing.T) {
	p := newProvider(t, Config{Faults: Faults{PrepareError: integrity.PlayServicesNotFound}})
	prepare := p.PrepareIntegrityToken(context.Background(), integrity.PrepareTokenRequest{})
	await(t, prepare)
	assert.Equal(t, integrity.PlayServicesNotFound, prepare.Error())

	p = newProvider(t, Config{Faults: Faults{NullProvider: true}})
	prepare = p.PrepareIntegrityToken(context.Background(), integrity.PrepareTokenRequest{})
	await(t, prepare)
	handle, err := prepare.Result()
	require.NoError(t, err)
	assert.Nil(t, handle)

	p = newProvider(t, Config{Faults: Faults{StandardError: integrity.NetworkError}})
	prepare = p.PrepareIntegrityToken(context.Background(), integrity.PrepareTokenRequest{})
	await(t, prepare)
	handle, err = prepare.Result()
	require.NoError(t, err)
	op := handle.Request(context.Background(), integrity.StandardTokenRequest{RequestHash: "h"})
	await(t, op)
	assert.Equal(t, integrity.NetworkError, op.Error())

	op = handle.Request(context.Background(), integrity.StandardTokenRequest{RequestHash: strings.Repeat("x", MaxRequestHashLength+1)})
	await(t, op)
	assert.Equal(t, integrity.RequestHashTooLong, op.Error())
}

func TestStandardFlow_ProviderExpired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	p := newProvider(t, Config{ProviderTTL: time.Minute, Now: clock})

	prepare := p.PrepareIntegrityToken(context.Background(), integrity.PrepareTokenRequest{})
	await(t, prepare)
	handle, err := prepare.Result()
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	op := handle.Request(context.Background(), integrity.StandardTokenRequest{RequestHash: "h"})
	await(t, op)
	assert.Equal(t, integrity.IntegrityTokenProviderInvalid, op.Error())
}

func TestLatency_CanceledContext(t *testing.T) {
	p := newProvider(t, Config{Latency: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	op := p.PrepareIntegrityToken(ctx, integrity.PrepareTokenRequest{})
	assert.False(t, op.IsDone())

	cancel()
	p.Wait()

	assert.True(t, op.IsDone())
	assert.Equal(t, integrity.ClientTransientError, op.Error())
}

func TestLatency_CompletesAsynchronously(t *testing.T) {
	p := newProvider(t, Config{Latency: 20 * time.Millisecond})

	op := p.RequestIntegrityToken(context.Background(), integrity.TokenRequest{Nonce: nonce.Deterministic{}.GenerateNonce(42)})
	assert.False(t, op.IsDone())

	p.Wait()
	assert.True(t, op.IsDone())
	assert.Equal(t, integrity.NoError, op.Error())
}
