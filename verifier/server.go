package verifier

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	integrity "github.com/kacy/integrity-flow"
)

const (
	contentType = "application/json"
	decryptPath = "/v1/decrypt"
	healthPath  = "/healthz"

	maxRequestBytes = 64 << 10
)

var errUnsupportedContentType = errors.New("unsupported content type")

// DecryptRequest is the request body of the decrypt endpoint.
type DecryptRequest struct {
	Token string `json:"token"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler returns the HTTP handler of the fake verification server.
//
//	POST /v1/decrypt  {"token": "..."} -> integrity.Verdict
//	GET  /healthz
func Handler(v integrity.Verifier, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	r := chi.NewRouter()
	r.Post(decryptPath, decryptHandler(v, logger))
	r.Get(healthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"pass"}`))
	})

	return r
}

func decryptHandler(v integrity.Verifier, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Type"), contentType) {
			encodeError(w, http.StatusUnsupportedMediaType, errUnsupportedContentType)
			return
		}

		var req DecryptRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
			encodeError(w, http.StatusBadRequest, errors.New("invalid request body"))
			return
		}

		verdict, err := v.DecryptAndVerify(r.Context(), req.Token)
		if err != nil {
			logger.Warn("token verification failed", slog.String("error", err.Error()))
			switch {
			case errors.Is(err, ErrInvalidToken):
				encodeError(w, http.StatusBadRequest, err)
			case errors.Is(err, ErrVerificationFailed):
				encodeError(w, http.StatusUnprocessableEntity, err)
			default:
				encodeError(w, http.StatusInternalServerError, err)
			}
			return
		}

		logger.Info("token verified",
			slog.Bool("valid", verdict.Valid),
			slog.String("package", verdict.RequestDetails.RequestPackageName))

		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(verdict); err != nil {
			logger.Error("failed to encode verdict", slog.String("error", err.Error()))
		}
	}
}

func encodeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
}
