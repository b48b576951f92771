package httpapi

import (
	"net/http"
	"strings"

	appClaim "github.com/aliasdir/aliasdir/internal/application/claim"
	domainClaim "github.com/aliasdir/aliasdir/internal/domain/claim"
	domainKey "github.com/aliasdir/aliasdir/internal/domain/key"
)

type startClaimRequest struct {
	Owner     string `json:"owner"`
	Alias     string `json:"alias"`
	AliasType string `json:"aliasType"`
	DonorISPB string `json:"donorIspb"`
}

type claimActionRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) startOwnership(w http.ResponseWriter, r *http.Request) {
	s.startClaim(w, r, domainClaim.KindOwnership)
}

func (s *Server) startPortability(w http.ResponseWriter, r *http.Request) {
	s.startClaim(w, r, domainClaim.KindPortability)
}

func (s *Server) startClaim(w http.ResponseWriter, r *http.Request, kind domainClaim.Kind) {
	var req startClaimRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	start := appClaim.StartRequest{
		Owner:     req.Owner,
		Alias:     req.Alias,
		AliasType: domainKey.AliasType(strings.ToUpper(req.AliasType)),
		DonorISPB: req.DonorISPB,
		Actor:     actorFromRequest(r),
	}
	var (
		k   *domainKey.Key
		err error
	)
	if kind == domainClaim.KindOwnership {
		k, err = s.claimSvc.StartOwnership(r.Context(), start)
	} else {
		k, err = s.claimSvc.StartPortability(r.Context(), start)
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, k)
}

// claimAction resolves the trigger from the action name and the key's current
// claim family, then runs it through the shared controller.
func (s *Server) claimAction(w http.ResponseWriter, r *http.Request, action string) {
	id, err := parseUUIDParam(r, "keyId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid keyId")
		return
	}
	var req claimActionRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
			return
		}
	}
	k, err := s.keySvc.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	trg, ok := triggerForAction(action, k.State)
	if !ok {
		respondError(w, http.StatusConflict, "INVALID_STATE", "no "+action+" applies to state "+string(k.State))
		return
	}
	out, err := s.claimSvc.Apply(r.Context(), id, trg, appClaim.Input{
		Reason: req.Reason,
		Actor:  actorFromRequest(r),
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// openClaim retries directory registration for a claim stuck in its pending
// state after a gateway outage during start.
func (s *Server) openClaim(w http.ResponseWriter, r *http.Request) { s.claimAction(w, r, "open") }

func (s *Server) approveClaim(w http.ResponseWriter, r *http.Request) { s.claimAction(w, r, "approve") }

func (s *Server) confirmClaim(w http.ResponseWriter, r *http.Request) { s.claimAction(w, r, "confirm") }

func (s *Server) cancelClaim(w http.ResponseWriter, r *http.Request) { s.claimAction(w, r, "cancel") }

func (s *Server) denyClaim(w http.ResponseWriter, r *http.Request) { s.claimAction(w, r, "deny") }

func (s *Server) closeClaim(w http.ResponseWriter, r *http.Request) { s.claimAction(w, r, "close") }

func (s *Server) completeClaim(w http.ResponseWriter, r *http.Request) { s.claimAction(w, r, "complete") }

func triggerForAction(action string, state domainKey.State) (domainKey.Trigger, bool) {
	ownership := strings.HasPrefix(string(state), "ownership_")
	portability := strings.HasPrefix(string(state), "portability_")

	switch action {
	case "open":
		switch state {
		case domainKey.StateOwnershipPending, domainKey.StateOwnershipOpened:
			return domainKey.TriggerOpenOwnership, true
		case domainKey.StatePortabilityPending, domainKey.StatePortabilityOpened:
			return domainKey.TriggerOpenPortability, true
		}
	case "approve":
		if ownership {
			return domainKey.TriggerApproveOwnership, true
		}
		if portability {
			return domainKey.TriggerApprovePortability, true
		}
	case "confirm":
		if ownership {
			return domainKey.TriggerConfirmOwnership, true
		}
		if portability {
			return domainKey.TriggerConfirmPortability, true
		}
	case "cancel":
		if ownership {
			return domainKey.TriggerCancelOwnership, true
		}
		if portability {
			return domainKey.TriggerCancelPortabilityRequest, true
		}
	case "deny":
		return domainKey.TriggerDenyClaim, true
	case "close":
		return domainKey.TriggerCloseClaim, true
	case "complete":
		if state == domainKey.StateClaimClosing {
			return domainKey.TriggerCompleteClaimClosing, true
		}
		if ownership {
			return domainKey.TriggerReadyOwnership, true
		}
		if portability {
			return domainKey.TriggerReadyPortability, true
		}
	}
	return "", false
}
