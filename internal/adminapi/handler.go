// Package adminapi serves the JSON administrative surface: endpoint
// pause control, delivery submission, result lookup and the terminator
// operations for imported transactions.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/endpointd/api"
	"pkt.systems/endpointd/internal/core"
	"pkt.systems/endpointd/internal/delivery"
	"pkt.systems/endpointd/internal/ids"
	"pkt.systems/endpointd/internal/registry"
	"pkt.systems/endpointd/internal/svcfields"
	"pkt.systems/endpointd/internal/txncoord"
	"pkt.systems/pslog"
)

const (
	headerRequestID = "X-Request-Id"
	jsonBodyLimit   = 1 << 20
)

// Config wires a Handler.
type Config struct {
	Registry     *registry.Registry
	Dispatcher   *delivery.Dispatcher
	Transactions *txncoord.Manager
	Logger       pslog.Logger
	// Tracing wraps every route in otelhttp.
	Tracing bool
}

// Handler wires HTTP routes to the registry, dispatcher and terminator.
type Handler struct {
	registry   *registry.Registry
	dispatcher *delivery.Dispatcher
	txns       *txncoord.Manager
	logger     pslog.Logger
	tracing    bool
}

// New constructs a Handler.
func New(cfg Config) *Handler {
	return &Handler{
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		txns:       cfg.Transactions,
		logger:     svcfields.WithSubsystem(svcfields.Ensure(cfg.Logger), "server.admin"),
		tracing:    cfg.Tracing,
	}
}

// Register wires the routes under /v1 and health endpoints.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/endpoints", h.wrap("endpoints.list", h.handleEndpointList))
	mux.Handle("/v1/endpoints/status", h.wrap("endpoints.status", h.handleEndpointStatus))
	mux.Handle("/v1/endpoints/pause", h.wrap("endpoints.pause", h.handlePause))
	mux.Handle("/v1/endpoints/resume", h.wrap("endpoints.resume", h.handleResume))
	mux.Handle("/v1/deliver", h.wrap("deliver", h.handleDeliver))
	mux.Handle("/v1/results", h.wrap("results.get", h.handleResult))
	mux.Handle("/v1/results/release", h.wrap("results.release", h.handleResultRelease))
	mux.Handle("/v1/txn/prepare", h.wrap("txn.prepare", h.handleTxnPrepare))
	mux.Handle("/v1/txn/commit", h.wrap("txn.commit", h.handleTxnCommit))
	mux.Handle("/v1/txn/rollback", h.wrap("txn.rollback", h.handleTxnRollback))
	mux.Handle("/v1/txn/forget", h.wrap("txn.forget", h.handleTxnForget))
	mux.Handle("/v1/txn/recover", h.wrap("txn.recover", h.handleTxnRecover))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := strings.TrimSpace(r.Header.Get(headerRequestID))
		if reqID == "" {
			reqID = ids.NewRequestID()
		}
		logger := h.logger.With(
			"req_id", reqID,
			"operation", operation,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx := pslog.ContextWithLogger(r.Context(), logger)
		r = r.WithContext(ctx)
		w.Header().Set(headerRequestID, reqID)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if err := fn(w, r); err != nil {
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, "endpointd.http."+operation)
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func badRequest(code string, err error) error {
	return httpError{Status: http.StatusBadRequest, Code: code, Detail: err.Error()}
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
		writeJSON(w, httpErr.Status, api.ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail})
		return
	}
	resp, status := errorResponse(err)
	if status >= http.StatusInternalServerError {
		logger.Error("http.request.failed", "status", status, "error", err)
	} else {
		logger.Debug("http.request.failure", "status", status, "code", resp.ErrorCode, "detail", resp.Detail)
	}
	writeJSON(w, status, resp)
}

func errorResponse(err error) (api.ErrorResponse, int) {
	if code := core.CodeOf(err); code != "" {
		return api.ErrorResponse{ErrorCode: code, Detail: err.Error()}, core.HTTPStatus(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return api.ErrorResponse{ErrorCode: "context", Detail: err.Error()}, http.StatusRequestTimeout
	}
	return api.ErrorResponse{ErrorCode: "internal_error", Detail: "internal server error"}, http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) error {
	if r.Method == method {
		return nil
	}
	w.Header().Set("Allow", method)
	return httpError{
		Status: http.StatusMethodNotAllowed,
		Code:   "method_not_allowed",
		Detail: "supported methods: " + method,
	}
}

func decodeJSONBody(body io.Reader, dst any) error {
	if body == nil {
		return io.EOF
	}
	dec := json.NewDecoder(io.LimitReader(body, jsonBodyLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}
