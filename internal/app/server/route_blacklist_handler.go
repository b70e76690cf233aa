package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"trafficguard/internal/api/dto"
	"trafficguard/internal/auth"
	"trafficguard/internal/blacklist"
	"trafficguard/internal/domain"
)

const maxRequestBytes = 64 << 10

func (h *handlers) getBlacklist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.blacklist.List(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) updateBlacklist(w http.ResponseWriter, r *http.Request) {
	var req dto.BlacklistUpdateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeDomainError(w, r, domain.Validationf("invalid request body: %v", err))
		return
	}

	h.applyBlacklistUpdate(w, r, req)
}

func (h *handlers) deleteBlacklistEntry(w http.ResponseWriter, r *http.Request) {
	h.applyBlacklistUpdate(w, r, dto.BlacklistUpdateRequest{
		IP:     r.PathValue("ip"),
		Action: string(domain.ActionRemove),
	})
}

func (h *handlers) applyBlacklistUpdate(w http.ResponseWriter, r *http.Request, req dto.BlacklistUpdateRequest) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		writeDomainError(w, r, err)
		return
	}

	action, err := domain.ParseAction(req.Action)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	result, err := h.blacklist.Update(r.Context(), blacklist.Change{
		IP:     req.IP,
		Action: action,
		Actor:  auth.Actor(r.Context()),
		Reason: req.Reason,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	status := result.Status
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, dto.BlacklistUpdateResponse{
		Message:   result.Message(),
		IP:        result.IP,
		Action:    string(result.Action),
		Changed:   result.Changed,
		Blacklist: result.Blacklist,
	})
}

func (h *handlers) getBlacklistAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, "audit log is not configured", http.StatusNotFound)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeDomainError(w, r, domain.Validationf("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	ip := strings.TrimSpace(r.URL.Query().Get("ip"))
	entries, err := h.audit.Recent(r.Context(), ip, limit)
	if err != nil {
		writeError(w, "could not read audit log", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []domain.BlacklistAuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
