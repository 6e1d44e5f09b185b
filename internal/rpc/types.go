package rpc

import (
	"encoding/json"

	"github.com/openclearing/hubd/internal/ledger"
)

// Command is one request over the websocket: command and id at top
// level, parameters as the remaining fields.
type Command struct {
	Command string
	ID      interface{}
	Params  json.RawMessage
}

// Response is the reply to a command.
type Response struct {
	Type   string      `json:"type"` // "response"
	ID     interface{} `json:"id,omitempty"`
	Status string      `json:"status"` // "success" | "error"
	Result interface{} `json:"result,omitempty"`
}

// wsError is an error reply with the domain kind at top level so
// clients can branch without parsing messages.
type wsError struct {
	Kind    ledger.Kind `json:"error"`
	Message string      `json:"error_message"`
}

func errorOf(err error) *wsError {
	kind := ledger.KindOf(err)
	if kind == "" {
		kind = "Internal"
	}
	return &wsError{Kind: kind, Message: err.Error()}
}

func invalidParams(msg string) *wsError {
	return &wsError{Kind: ledger.KindInvalidRequest, Message: msg}
}

// Request parameter shapes. Amounts and limits are decimal strings in
// the equivalent's precision.

type subscribeParams struct {
	LastSeenSeq uint64 `json:"last_seen_seq,omitempty"`
}

type submitPaymentParams struct {
	TxID       string `json:"tx_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Equivalent string `json:"equivalent"`
	Amount     string `json:"amount"`
}

type registerParticipantParams struct {
	// PublicKey is the hex-encoded key the PID derives from. Either it
	// or an explicit PID must be present.
	PublicKey   string `json:"public_key,omitempty"`
	PID         string `json:"pid,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Type        string `json:"type,omitempty"`
}

type openTrustLineParams struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Equivalent string `json:"equivalent"`
	Limit      string `json:"limit"`
}

type updateTrustLineParams struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Equivalent string `json:"equivalent"`
	Limit      string `json:"limit"`
}

type closeTrustLineParams struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Equivalent string `json:"equivalent"`
}

type snapshotParams struct {
	Equivalent string `json:"equivalent,omitempty"`
}
