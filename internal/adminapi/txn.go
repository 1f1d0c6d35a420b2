package adminapi

import (
	"net/http"

	"pkt.systems/endpointd/api"
	"pkt.systems/endpointd/internal/txncoord"
)

func (h *Handler) decodeTxn(w http.ResponseWriter, r *http.Request) (api.TxnRequest, txncoord.Xid, error) {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return api.TxnRequest{}, txncoord.Xid{}, err
	}
	var req api.TxnRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return api.TxnRequest{}, txncoord.Xid{}, badRequest("invalid_body", err)
	}
	xid, err := txncoord.ParseXid(req.Xid)
	if err != nil {
		return api.TxnRequest{}, txncoord.Xid{}, badRequest("invalid_xid", err)
	}
	return req, xid, nil
}

func (h *Handler) txnResponse(xid txncoord.Xid, vote string) api.TxnResponse {
	resp := api.TxnResponse{Xid: xid.String(), Vote: vote}
	if h.txns != nil {
		if txn, ok := h.txns.Lookup(xid); ok {
			resp.Outcome = string(txn.Outcome())
		}
	}
	return resp
}

func (h *Handler) handleTxnPrepare(w http.ResponseWriter, r *http.Request) error {
	_, xid, err := h.decodeTxn(w, r)
	if err != nil {
		return err
	}
	vote, err := h.dispatcher.Terminator().Prepare(r.Context(), xid)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, h.txnResponse(xid, vote.String()))
	return nil
}

func (h *Handler) handleTxnCommit(w http.ResponseWriter, r *http.Request) error {
	req, xid, err := h.decodeTxn(w, r)
	if err != nil {
		return err
	}
	if err := h.dispatcher.Terminator().Commit(r.Context(), xid, req.OnePhase); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, h.txnResponse(xid, ""))
	return nil
}

func (h *Handler) handleTxnRollback(w http.ResponseWriter, r *http.Request) error {
	_, xid, err := h.decodeTxn(w, r)
	if err != nil {
		return err
	}
	if err := h.dispatcher.Terminator().Rollback(r.Context(), xid); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, h.txnResponse(xid, ""))
	return nil
}

func (h *Handler) handleTxnForget(w http.ResponseWriter, r *http.Request) error {
	_, xid, err := h.decodeTxn(w, r)
	if err != nil {
		return err
	}
	if err := h.dispatcher.Terminator().Forget(r.Context(), xid); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.TxnResponse{Xid: xid.String()})
	return nil
}

func (h *Handler) handleTxnRecover(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodGet); err != nil {
		return err
	}
	xids, err := h.dispatcher.Terminator().Recover(r.Context())
	if err != nil {
		return err
	}
	resp := api.TxnRecoverResponse{Xids: make([]string, 0, len(xids))}
	for _, x := range xids {
		resp.Xids = append(resp.Xids, x.String())
	}
	for _, x := range h.dispatcher.ActiveXids() {
		resp.Active = append(resp.Active, x.String())
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}
