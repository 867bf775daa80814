package server

import (
	"context"
	"encoding/json"
	"net/http"

	apperrors "github.com/louisbranch/chatrelay/internal/platform/errors"
	"github.com/louisbranch/chatrelay/internal/platform/logging"
	"github.com/louisbranch/chatrelay/internal/services/relay/domain"
	"github.com/louisbranch/chatrelay/internal/services/relay/identity"
	"github.com/louisbranch/chatrelay/internal/services/relay/protocol"
	"github.com/louisbranch/chatrelay/internal/services/relay/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

const (
	maxAuthBodyBytes = 64 * 1024
	bearerRealm      = `Bearer realm="chatrelay"`
)

type authenticator interface {
	Verify(ctx context.Context, authorization string) (domain.User, error)
	SignUp(ctx context.Context, name, email, password string) (domain.AuthResult, error)
	Login(ctx context.Context, email, password string) (identity.SignInResult, error)
}

type joiner interface {
	Join(conn registry.Conn, user domain.User) (*registry.Session, error)
	Healthy() bool
}

type unregisterer interface {
	Unregister(s *registry.Session)
}

type handlerDeps struct {
	gate       authenticator
	bridge     joiner
	sessions   unregisterer
	dispatcher *protocol.Dispatcher
	metrics    prometheus.Gatherer
	// identity serves the local provider's REST endpoints. Optional.
	identity http.Handler
	logger   *zap.Logger
}

type wsUserContextKey struct{}

type signUpRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func newHandler(deps handlerDeps) http.Handler {
	deps.logger = logging.OrNop(deps.logger).Named("http")
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if deps.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.metrics, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("POST /api/v1/auth/signup", func(w http.ResponseWriter, r *http.Request) {
		var req signUpRequest
		if !decodeBody(w, r, &req) {
			return
		}
		result, err := deps.gate.SignUp(r.Context(), req.Name, req.Email, req.Password)
		if err != nil {
			writeError(w, deps.logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, domain.Success(result))
	})
	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if !decodeBody(w, r, &req) {
			return
		}
		result, err := deps.gate.Login(r.Context(), req.Email, req.Password)
		if err != nil {
			writeError(w, deps.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, domain.Success(result))
	})

	ws := websocket.Server{
		// Non-browser clients send no Origin; bearer auth already ran.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(conn *websocket.Conn) {
			handleWSConn(conn, deps)
		},
	}
	mux.HandleFunc("GET /api/v1/ws/chat", func(w http.ResponseWriter, r *http.Request) {
		user, err := deps.gate.Verify(r.Context(), authorizationFromRequest(r))
		if err != nil {
			deps.logger.Debug("websocket unauthorized", zap.String("remote", r.RemoteAddr), zap.Error(err))
			w.Header().Set("WWW-Authenticate", bearerRealm)
			writeError(w, deps.logger, err)
			return
		}
		if !deps.bridge.Healthy() {
			writeError(w, deps.logger, apperrors.New(apperrors.CodeStreamLost, "chat stream unavailable"))
			return
		}
		ctx := context.WithValue(r.Context(), wsUserContextKey{}, user)
		ws.ServeHTTP(w, r.WithContext(ctx))
	})

	if deps.identity != nil {
		mux.Handle("/identity/", http.StripPrefix("/identity", deps.identity))
	}
	return mux
}

// authorizationFromRequest prefers the Authorization header and falls back to
// an access_token query parameter for browser clients that cannot set
// headers on a WebSocket upgrade.
func authorizationFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return header
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return "Bearer " + token
	}
	return ""
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAuthBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, domain.Failure("invalid request body"))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	code := apperrors.CodeOf(err)
	message := apperrors.MessageOf(err)
	if code == apperrors.CodeUnknown {
		logger.Error("request failed", zap.Error(err))
		message = "internal error"
	}
	writeJSON(w, code.HTTPStatus(), domain.Failure(message))
}

func writeJSON(w http.ResponseWriter, status int, resp domain.Response) {
	body, err := resp.Encode()
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = domain.Failure("internal error").Encode()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
