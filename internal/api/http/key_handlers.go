package httpapi

import (
	"net/http"
	"strings"

	domainKey "github.com/aliasdir/aliasdir/internal/domain/key"
)

type createKeyRequest struct {
	Owner     string `json:"owner"`
	Alias     string `json:"alias"`
	AliasType string `json:"aliasType"`
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	k, err := s.keySvc.Create(r.Context(), req.Owner, req.Alias, domainKey.AliasType(strings.ToUpper(req.AliasType)))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, k)
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "owner is required")
		return
	}
	limit, offset := parseLimitOffset(r, 100, 200)
	keys, err := s.keySvc.List(r.Context(), owner, limit, offset)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

func (s *Server) resolveAlias(w http.ResponseWriter, r *http.Request) {
	alias := r.URL.Query().Get("alias")
	if alias == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "alias is required")
		return
	}
	k, err := s.keySvc.ResolveByAlias(r.Context(), alias)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, k)
}

func (s *Server) getKey(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "keyId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid keyId")
		return
	}
	k, err := s.keySvc.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, k)
}

func (s *Server) getKeyHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "keyId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid keyId")
		return
	}
	entries, err := s.keySvc.History(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

func (s *Server) getKeyClaims(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "keyId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid keyId")
		return
	}
	claims, err := s.keySvc.Claims(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"claims": claims})
}

func (s *Server) confirmKey(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "keyId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid keyId")
		return
	}
	k, err := s.keySvc.Confirm(r.Context(), id, actorFromRequest(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, k)
}

func (s *Server) activateKey(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "keyId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid keyId")
		return
	}
	k, err := s.keySvc.Activate(r.Context(), id, actorFromRequest(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, k)
}

func (s *Server) deleteKey(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "keyId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid keyId")
		return
	}
	k, err := s.keySvc.Delete(r.Context(), id, actorFromRequest(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, k)
}

type resolveErrorRequest struct {
	Action string `json:"action"` // "cancel" or "restore"
}

func (s *Server) resolveError(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "keyId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid keyId")
		return
	}
	var req resolveErrorRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	action := strings.ToLower(req.Action)
	if action != "cancel" && action != "restore" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "action must be cancel or restore")
		return
	}
	k, err := s.claimSvc.ResolveError(r.Context(), id, action == "cancel", actorFromRequest(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, k)
}
