// Package httpapi exposes the synchronous trigger surface. Handlers call the
// same process controllers the bus consumer does.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appClaim "github.com/aliasdir/aliasdir/internal/application/claim"
	appKey "github.com/aliasdir/aliasdir/internal/application/key"
	domainClaim "github.com/aliasdir/aliasdir/internal/domain/claim"
	"github.com/aliasdir/aliasdir/internal/domain/directory"
	domainKey "github.com/aliasdir/aliasdir/internal/domain/key"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	keySvc   *appKey.Service
	claimSvc *appClaim.Service
}

// NewServer creates the API server.
func NewServer(keySvc *appKey.Service, claimSvc *appClaim.Service) *Server {
	return &Server{keySvc: keySvc, claimSvc: claimSvc}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/keys", func(r chi.Router) {
			r.Post("/", s.createKey)
			r.Get("/", s.listKeys)
			r.Get("/resolve", s.resolveAlias)
			r.Get("/{keyId}", s.getKey)
			r.Get("/{keyId}/history", s.getKeyHistory)
			r.Get("/{keyId}/claims", s.getKeyClaims)
			r.Post("/{keyId}/confirm", s.confirmKey)
			r.Post("/{keyId}/activate", s.activateKey)
			r.Post("/{keyId}/resolve-error", s.resolveError)
			r.Delete("/{keyId}", s.deleteKey)
		})

		r.Route("/claims", func(r chi.Router) {
			r.Post("/ownership", s.startOwnership)
			r.Post("/portability", s.startPortability)
			r.Post("/{keyId}/open", s.openClaim)
			r.Post("/{keyId}/approve", s.approveClaim)
			r.Post("/{keyId}/confirm", s.confirmClaim)
			r.Post("/{keyId}/cancel", s.cancelClaim)
			r.Post("/{keyId}/deny", s.denyClaim)
			r.Post("/{keyId}/close", s.closeClaim)
			r.Post("/{keyId}/complete", s.completeClaim)
		})
	})

	return r
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondDomainError maps the error taxonomy onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	var rej *directory.RejectedError
	switch {
	case errors.Is(err, domainKey.ErrNotFound), errors.Is(err, domainClaim.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domainKey.ErrInvalidState):
		respondError(w, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, domainKey.ErrMissingField):
		respondError(w, http.StatusBadRequest, "MISSING_FIELD", err.Error())
	case errors.Is(err, domainKey.ErrAliasTaken):
		respondError(w, http.StatusConflict, "ALIAS_TAKEN", err.Error())
	case errors.As(err, &rej):
		respondError(w, http.StatusUnprocessableEntity, "DIRECTORY_REJECTED", err.Error())
	case errors.Is(err, directory.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, "DIRECTORY_UNAVAILABLE", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, key))
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func actorFromRequest(r *http.Request) string {
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		actor = "system"
	}
	return actor
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
