package server

import (
	"net/http"

	"trafficguard/internal/apisix"
)

func (h *handlers) getRoutes(w http.ResponseWriter, r *http.Request) {
	resp, err := h.routes.ListRoutes(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	relay(w, resp)
}

func (h *handlers) getRoute(w http.ResponseWriter, r *http.Request) {
	resp, err := h.routes.GetRoute(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	relay(w, resp)
}

// relay writes the upstream reply unmodified.
func relay(w http.ResponseWriter, resp *apisix.Response) {
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
