package api

// TxnRequest drives POST /v1/txn/prepare, /v1/txn/commit, /v1/txn/rollback and /v1/txn/forget.
type TxnRequest struct {
	// Xid identifies an imported transaction ("format:global:branch").
	Xid string `json:"xid"`
	// OnePhase requests one-phase commit; only meaningful for commit.
	OnePhase bool `json:"one_phase,omitempty"`
}

// TxnResponse reports the result of a terminator call.
type TxnResponse struct {
	// Xid echoes the transaction id.
	Xid string `json:"xid"`
	// Vote is the prepare vote (commit or read_only); empty for other calls.
	Vote string `json:"vote,omitempty"`
	// Outcome is the transaction outcome after the call (pending, committed, rolled_back).
	Outcome string `json:"outcome,omitempty"`
}

// TxnRecoverResponse is returned by GET /v1/txn/recover.
type TxnRecoverResponse struct {
	// Xids lists the prepared, not yet completed, imported transactions.
	Xids []string `json:"xids"`
	// Active lists imported transactions seen by deliveries and not yet prepared.
	Active []string `json:"active,omitempty"`
}
