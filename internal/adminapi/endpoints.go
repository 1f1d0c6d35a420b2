package adminapi

import (
	"fmt"
	"net/http"
	"strings"

	"pkt.systems/endpointd/api"
	"pkt.systems/endpointd/internal/registry"
)

func endpointStatus(st registry.Status) api.EndpointStatus {
	return api.EndpointStatus{
		Name:         st.Name,
		Kind:         st.Kind,
		Attribute:    st.Attribute.String(),
		AutoStart:    st.AutoStart,
		Paused:       st.Paused,
		PausedAt:     st.PausedAt,
		RegisteredAt: st.RegisteredAt,
		Admitted:     st.Admitted,
		Refused:      st.Refused,

		InstancesCreated: st.InstancesCreated,
	}
}

func (h *Handler) handleEndpointList(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodGet); err != nil {
		return err
	}
	list := h.registry.List()
	resp := api.EndpointListResponse{Endpoints: make([]api.EndpointStatus, 0, len(list))}
	for _, st := range list {
		resp.Endpoints = append(resp.Endpoints, endpointStatus(st))
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleEndpointStatus(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodGet); err != nil {
		return err
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_name", Detail: "name query parameter required"}
	}
	st, err := h.registry.Status(name)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, endpointStatus(st))
	return nil
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) error {
	return h.toggle(w, r, true)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) error {
	return h.toggle(w, r, false)
}

func (h *Handler) toggle(w http.ResponseWriter, r *http.Request, pause bool) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	var req api.EndpointToggleRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return badRequest("invalid_body", err)
	}
	if strings.TrimSpace(req.Name) == "" {
		return badRequest("missing_name", fmt.Errorf("name required"))
	}
	var err error
	if pause {
		err = h.registry.Pause(r.Context(), req.Name)
	} else {
		err = h.registry.Resume(r.Context(), req.Name)
	}
	if err != nil {
		return err
	}
	st, err := h.registry.Status(req.Name)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.EndpointToggleResponse{Name: st.Name, Paused: st.Paused})
	return nil
}
