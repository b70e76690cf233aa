package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"trafficguard/internal/api/dto"
	"trafficguard/internal/apisix"
	"trafficguard/internal/auth"
	"trafficguard/internal/blacklist"
	"trafficguard/internal/domain"
)

const shutdownTimeout = 10 * time.Second

// RouteSource relays route reads to the gateway.
type RouteSource interface {
	ListRoutes(ctx context.Context) (*apisix.Response, error)
	GetRoute(ctx context.Context, id string) (*apisix.Response, error)
}

// BlacklistManager reads and mutates the gateway blacklist.
type BlacklistManager interface {
	List(ctx context.Context) ([]string, error)
	Update(ctx context.Context, change blacklist.Change) (blacklist.UpdateResult, error)
}

// AuditReader lists recorded blacklist updates.
type AuditReader interface {
	Recent(ctx context.Context, ip string, limit int) ([]domain.BlacklistAuditEntry, error)
}

// Dependencies are the components the router serves. Audit and Auth are optional.
type Dependencies struct {
	Routes    RouteSource
	Blacklist BlacklistManager
	Audit     AuditReader
	Auth      *auth.Authenticator
}

type handlers struct {
	routes    RouteSource
	blacklist BlacklistManager
	audit     AuditReader
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, dto.ErrorResponse{Error: msg})
}

// writeDomainError maps the error kind to a status code and a structured payload.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusForError(err)

	payload := dto.ErrorResponse{Error: err.Error(), Kind: string(kind)}
	if upstream, ok := domain.UpstreamStatus(err); ok {
		payload.Status = upstream
	}

	if status >= http.StatusInternalServerError {
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	} else {
		log.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	writeJSON(w, status, payload)
}

func statusForError(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindUpstreamUnreachable:
		return http.StatusBadGateway
	case domain.KindUpstreamError:
		if status, ok := domain.UpstreamStatus(err); ok && status >= http.StatusBadRequest {
			return status
		}
		return http.StatusBadGateway
	case domain.KindSerialization:
		return http.StatusInternalServerError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error("handler panic", "method", r.Method, "path", r.URL.Path, "panic", rec)
				writeError(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// NewRouter builds the HTTP surface on top of the gateway client and the
// blacklist manager. Reads need any valid token and writes an admin token,
// unless deps.Auth is nil.
func NewRouter(deps Dependencies) http.Handler {
	h := &handlers{routes: deps.Routes, blacklist: deps.Blacklist, audit: deps.Audit}
	a := deps.Auth

	router := http.NewServeMux()
	router.Handle("GET /api/v1/routes", a.RequireAuth(http.HandlerFunc(h.getRoutes)))
	router.Handle("GET /api/v1/routes/{id}", a.RequireAuth(http.HandlerFunc(h.getRoute)))

	router.Handle("GET /api/Blacklist", a.RequireAuth(http.HandlerFunc(h.getBlacklist)))
	router.Handle("POST /api/Blacklist", a.IsAdmin(http.HandlerFunc(h.updateBlacklist)))
	router.Handle("GET /api/Blacklist/audit", a.IsAdmin(http.HandlerFunc(h.getBlacklistAudit)))
	router.Handle("DELETE /api/Blacklist/{ip...}", a.IsAdmin(http.HandlerFunc(h.deleteBlacklistEntry)))

	router.HandleFunc("GET /healthz", getHealth)
	router.HandleFunc("GET /version", getVersion)

	return recoverPanics(logRequests(enableCORS(router)))
}

// OpenRoutes serves handler on all interfaces until ctx is cancelled.
func OpenRoutes(ctx context.Context, port int, handler http.Handler) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting trafficguard backend on port :%d", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down trafficguard backend")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}
