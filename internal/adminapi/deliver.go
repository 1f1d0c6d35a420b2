package adminapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pkt.systems/endpointd/api"
	"pkt.systems/endpointd/internal/core"
	"pkt.systems/endpointd/internal/delivery"
	"pkt.systems/endpointd/internal/results"
	"pkt.systems/endpointd/internal/txncoord"
	"pkt.systems/endpointd/internal/work"
)

// DeliveryRequest converts the wire form into a dispatcher request.
func DeliveryRequest(in api.DeliverRequest) (delivery.Request, error) {
	var req delivery.Request
	switch {
	case len(in.Steps) > 0:
		req.Endpoint = in.Endpoint
		for i, s := range in.Steps {
			kind, err := delivery.ParseStepKind(s.Kind)
			if err != nil {
				return delivery.Request{}, fmt.Errorf("step %d: %w", i, err)
			}
			req.Steps = append(req.Steps, delivery.Step{Kind: kind, Instance: s.Instance, Method: s.Method, Payload: s.Payload})
		}
	default:
		if in.Method == "" {
			return delivery.Request{}, fmt.Errorf("method or steps required")
		}
		payloads := in.Payloads
		if len(payloads) == 0 {
			payloads = []string{""}
		}
		option, err := core.ParseDeliveryOption(in.Option)
		if err != nil {
			return delivery.Request{}, err
		}
		switch {
		case option == core.OptionB && in.Fanout:
			return delivery.Request{}, fmt.Errorf("fanout requires option A")
		case option == core.OptionB:
			req = delivery.OptionB(in.Endpoint, in.Method, payloads...)
		case in.Fanout:
			req = delivery.Fanout(in.Endpoint, in.Method, payloads...)
		default:
			req = delivery.OptionA(in.Endpoint, in.Method, payloads...)
		}
	}
	mode, err := work.ParseMode(strings.ToLower(strings.TrimSpace(in.Mode)))
	if err != nil {
		return delivery.Request{}, err
	}
	req.Mode = mode
	req.DeliveryID = in.DeliveryID
	req.WithResource = in.WithResource
	req.Shared = in.Shared
	req.StartTimeout = time.Duration(in.StartTimeoutMillis) * time.Millisecond
	req.WaitTimeout = time.Duration(in.WaitTimeoutMillis) * time.Millisecond
	if in.Xid != "" {
		xid, err := txncoord.ParseXid(in.Xid)
		if err != nil {
			return delivery.Request{}, err
		}
		req.Xid = &xid
	}
	return req, nil
}

// DeliveryResult converts a result record into its wire form.
func DeliveryResult(rec results.Record) api.DeliveryResult {
	out := api.DeliveryResult{
		DeliveryID:              rec.DeliveryID,
		Endpoint:                rec.Endpoint,
		Xid:                     rec.Xid,
		MessagesDelivered:       rec.MessagesDelivered,
		OptionAUsed:             rec.OptionAUsed,
		OptionBUsed:             rec.OptionBUsed,
		DeliveryTransacted:      rec.DeliveryTransacted,
		LocalTransactionContext: rec.LocalTransactionContext,
		ResourceEnlisted:        rec.ResourceEnlisted,
		CommitDriven:            rec.CommitDriven,
		RollbackDriven:          rec.RollbackDriven,
		IllegalStateCaught:      rec.IllegalStateCaught,
		ListenerError:           rec.ListenerError,
		StartedAt:               rec.StartedAt,
		CompletedAt:             rec.CompletedAt,
	}
	for _, in := range rec.Instances {
		out.Instances = append(out.Instances, api.InstanceResult(in))
	}
	return out
}

func (h *Handler) handleDeliver(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	var in api.DeliverRequest
	if err := decodeJSONBody(r.Body, &in); err != nil {
		return badRequest("invalid_body", err)
	}
	if strings.TrimSpace(in.Endpoint) == "" {
		return badRequest("missing_endpoint", fmt.Errorf("endpoint required"))
	}
	req, err := DeliveryRequest(in)
	if err != nil {
		return badRequest("invalid_delivery", err)
	}
	// Work outlives the request; a disconnecting caller must not cancel it.
	receipt, err := h.dispatcher.Deliver(context.WithoutCancel(r.Context()), req)
	if receipt.DeliveryID == "" {
		return err
	}
	resp := api.DeliverResponse{DeliveryID: receipt.DeliveryID}
	if receipt.Handle != nil {
		select {
		case <-receipt.Handle.Done():
			resp.Completed = !receipt.Handle.Rejected()
		default:
		}
	}
	rec, ok := h.dispatcher.TestResult(receipt.DeliveryID)
	if err != nil && !ok {
		return err
	}
	if ok {
		resp.Completed = true
		result := DeliveryResult(rec)
		resp.Result = &result
	}
	if err != nil {
		errResp, _ := errorResponse(err)
		resp.Error = &errResp
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodGet); err != nil {
		return err
	}
	id := strings.TrimSpace(r.URL.Query().Get("delivery_id"))
	if id == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_delivery_id", Detail: "delivery_id query parameter required"}
	}
	rec, ok := h.dispatcher.TestResult(id)
	if !ok {
		return httpError{Status: http.StatusNotFound, Code: "unknown_delivery", Detail: id}
	}
	writeJSON(w, http.StatusOK, DeliveryResult(rec))
	return nil
}

func (h *Handler) handleResultRelease(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	var req api.ReleaseResultRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return badRequest("invalid_body", err)
	}
	if req.DeliveryID == "" {
		return badRequest("missing_delivery_id", fmt.Errorf("delivery_id required"))
	}
	released := h.dispatcher.ReleaseDeliveryID(req.DeliveryID)
	writeJSON(w, http.StatusOK, api.ReleaseResultResponse{DeliveryID: req.DeliveryID, Released: released})
	return nil
}
