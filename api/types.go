package api

import "time"

// ErrorResponse is the body of every non-2xx admin response.
type ErrorResponse struct {
	// ErrorCode is the stable endpointd error identifier (for example endpoint_unavailable).
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
}

// EndpointStatus describes one registered endpoint.
type EndpointStatus struct {
	// Name is the scoped endpoint name (application#module#bean).
	Name string `json:"name"`
	// Kind is the built-in listener kind backing the endpoint, when declared in config.
	Kind string `json:"kind,omitempty"`
	// Attribute is the endpoint's default transaction attribute.
	Attribute string `json:"attribute"`
	// AutoStart reports whether the endpoint was registered active.
	AutoStart bool `json:"auto_start"`
	// Paused reports whether deliveries are currently refused.
	Paused bool `json:"paused"`
	// PausedAt is when the endpoint was last paused; zero when active.
	PausedAt time.Time `json:"paused_at,omitempty"`
	// RegisteredAt is when the endpoint was registered.
	RegisteredAt time.Time `json:"registered_at"`
	// Admitted counts deliveries let through the gate.
	Admitted int64 `json:"admitted"`
	// Refused counts deliveries refused because the endpoint was paused.
	Refused int64 `json:"refused"`
	// InstancesCreated counts endpoint instances created since registration.
	InstancesCreated int64 `json:"instances_created"`
}

// EndpointListResponse is returned by GET /v1/endpoints.
type EndpointListResponse struct {
	// Endpoints is sorted by name.
	Endpoints []EndpointStatus `json:"endpoints"`
}

// EndpointToggleRequest drives POST /v1/endpoints/pause and /v1/endpoints/resume.
type EndpointToggleRequest struct {
	// Name is the scoped endpoint name; a bare bean name is accepted.
	Name string `json:"name"`
}

// EndpointToggleResponse reports the pause state after the toggle.
type EndpointToggleResponse struct {
	// Name is the canonical scoped endpoint name.
	Name string `json:"name"`
	// Paused is the state after the call.
	Paused bool `json:"paused"`
}

// DeliveryStep is one protocol call in a delivery script.
type DeliveryStep struct {
	// Kind is one of before_delivery, invoke, after_delivery, release. Empty means invoke.
	Kind string `json:"kind,omitempty"`
	// Instance addresses an instance within the delivery; empty means "0".
	Instance string `json:"instance,omitempty"`
	// Method is the listener method for before_delivery and invoke.
	Method string `json:"method,omitempty"`
	// Payload is the argument passed to the listener method.
	Payload string `json:"payload,omitempty"`
}

// DeliverRequest drives POST /v1/deliver.
type DeliverRequest struct {
	// DeliveryID is optional; the server allocates one when empty.
	DeliveryID string `json:"delivery_id,omitempty"`
	// Endpoint is the target endpoint name.
	Endpoint string `json:"endpoint"`
	// Option selects a canned script (A or B) built from Method and Payloads when Steps is empty.
	Option string `json:"option,omitempty"`
	// Method is the listener method used with Option.
	Method string `json:"method,omitempty"`
	// Payloads are the messages used with Option.
	Payloads []string `json:"payloads,omitempty"`
	// Fanout sends each payload to its own instance (Option A only).
	Fanout bool `json:"fanout,omitempty"`
	// Steps is an explicit script; it overrides Option.
	Steps []DeliveryStep `json:"steps,omitempty"`
	// WithResource supplies a tracking transactional resource for the delivery.
	WithResource bool `json:"with_resource,omitempty"`
	// Xid imports an externally begun transaction ("format:global:branch").
	Xid string `json:"xid,omitempty"`
	// Shared keeps idle instances alive for later deliveries.
	Shared bool `json:"shared,omitempty"`
	// Mode is one of nowork, dowork, startwork, schedulework. Empty means dowork.
	Mode string `json:"mode,omitempty"`
	// StartTimeoutMillis rejects the work when it has not started in time.
	StartTimeoutMillis int64 `json:"start_timeout_ms,omitempty"`
	// WaitTimeoutMillis bounds how long the call waits for the mode's state.
	WaitTimeoutMillis int64 `json:"wait_timeout_ms,omitempty"`
}

// DeliverResponse reports an accepted delivery.
type DeliverResponse struct {
	// DeliveryID identifies the delivery's result record.
	DeliveryID string `json:"delivery_id"`
	// Completed reports whether the delivery finished before the response was written.
	Completed bool `json:"completed"`
	// Result is the observation record when Completed is true.
	Result *DeliveryResult `json:"result,omitempty"`
	// Error is the delivery's own failure (for example a protocol violation
	// or listener failure) when it ran and recorded a result.
	Error *ErrorResponse `json:"error,omitempty"`
}

// InstanceResult is the per-instance part of a DeliveryResult.
type InstanceResult struct {
	ID                string `json:"id"`
	MessagesDelivered int    `json:"messages_delivered"`
	OptionAUsed       bool   `json:"option_a_used"`
	OptionBUsed       bool   `json:"option_b_used"`
	Transacted        bool   `json:"transacted"`
	Committed         int    `json:"committed"`
	RolledBack        int    `json:"rolled_back"`
	Violations        int    `json:"violations"`
}

// DeliveryResult is the observation record of one delivery.
type DeliveryResult struct {
	DeliveryID              string           `json:"delivery_id"`
	Endpoint                string           `json:"endpoint"`
	Xid                     string           `json:"xid,omitempty"`
	MessagesDelivered       int              `json:"messages_delivered"`
	OptionAUsed             bool             `json:"option_a_used"`
	OptionBUsed             bool             `json:"option_b_used"`
	DeliveryTransacted      bool             `json:"delivery_transacted"`
	LocalTransactionContext bool             `json:"local_transaction_context"`
	ResourceEnlisted        bool             `json:"resource_enlisted"`
	CommitDriven            bool             `json:"commit_driven"`
	RollbackDriven          bool             `json:"rollback_driven"`
	IllegalStateCaught      bool             `json:"illegal_state_caught"`
	ListenerError           string           `json:"listener_error,omitempty"`
	Instances               []InstanceResult `json:"instances,omitempty"`
	StartedAt               time.Time        `json:"started_at"`
	CompletedAt             time.Time        `json:"completed_at"`
}

// ReleaseResultRequest drives POST /v1/results/release.
type ReleaseResultRequest struct {
	// DeliveryID identifies the record to drop.
	DeliveryID string `json:"delivery_id"`
}

// ReleaseResultResponse reports whether a record was dropped.
type ReleaseResultResponse struct {
	DeliveryID string `json:"delivery_id"`
	Released   bool   `json:"released"`
}
