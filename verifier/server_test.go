package verifier

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	integrity "github.com/kacy/integrity-flow"
	"github.com/kacy/integrity-flow/replay"
)

func newTestServer(t *testing.T, v integrity.Verifier) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(Handler(v, nil))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandler_Health(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_RejectsContentType(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/v1/decrypt", "text/plain", strings.NewReader(`{"token":"t"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestHandler_RejectsBody(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/v1/decrypt", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPClient_RoundTrip(t *testing.T) {
	codec := newTestCodec(t, nil)
	guard := replay.NewMemoryGuard(replay.Config{})
	defer guard.Close()

	local, err := NewLocal(LocalConfig{Codec: codec, Replay: guard})
	require.NoError(t, err)
	srv := newTestServer(t, local)

	client, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	tok, err := codec.EncodeClassic(samplePayload(time.Now()), "id-http")
	require.NoError(t, err)

	verdict, err := client.DecryptAndVerify(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, verdict.Valid, "reasons: %v", verdict.Reasons)
	assert.Equal(t, "com.example.app", verdict.RequestDetails.RequestPackageName)
	assert.Equal(t, []string{"MEETS_DEVICE_INTEGRITY"}, verdict.DeviceIntegrity.DeviceRecognitionVerdict)

	replayed, err := client.DecryptAndVerify(context.Background(), tok)
	require.NoError(t, err)
	assert.False(t, replayed.Valid)
	assert.Contains(t, replayed.Reasons, ReasonReplayed)
}

func TestHTTPClient_InvalidToken(t *testing.T) {
	local, err := NewLocal(LocalConfig{Codec: newTestCodec(t, nil)})
	require.NoError(t, err)
	srv := newTestServer(t, local)

	client, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.DecryptAndVerify(context.Background(), "abc123")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

type failingVerifier struct{ err error }

func (f failingVerifier) DecryptAndVerify(context.Context, string) (*integrity.Verdict, error) {
	return nil, f.err
}

func TestHTTPClient_ServerErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "verification failed", err: ErrVerificationFailed},
		{name: "internal", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, failingVerifier{err: tt.err})
			client, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = client.DecryptAndVerify(context.Background(), "t")
			assert.ErrorIs(t, err, ErrVerificationFailed)
		})
	}
}

func TestHTTPClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := NewHTTPClient(HTTPConfig{BaseURL: url})
	require.NoError(t, err)

	_, err = client.DecryptAndVerify(context.Background(), "t")
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestNewHTTPClient_Validation(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "base URL is required")
}
