package rpc

import (
	"github.com/ev0r0x/miden-tutorials/internal/protocol"
)

// SyncStateRequest asks the node for the current view of everything the
// client tracks: its accounts, the note tags it listens on, and the
// transactions it has in flight.
type SyncStateRequest struct {
	AccountIDs     []protocol.AccountID     `json:"account_ids,omitempty"`
	NoteTags       []protocol.NoteTag       `json:"note_tags,omitempty"`
	TransactionIDs []protocol.TransactionID `json:"transaction_ids,omitempty"`
}

// SyncStateResponse is the node's answer: the chain height plus the
// current records for everything the request named.
type SyncStateResponse struct {
	BlockNum     uint64                       `json:"block_num"`
	Accounts     []protocol.AccountRecord     `json:"accounts,omitempty"`
	Notes        []protocol.NoteRecord        `json:"notes,omitempty"`
	Transactions []protocol.TransactionRecord `json:"transactions,omitempty"`
}

// AccountResponse wraps a single account lookup.
type AccountResponse struct {
	Record protocol.AccountRecord `json:"record"`
}

// NoteResponse wraps a single note lookup.
type NoteResponse struct {
	Record protocol.NoteRecord `json:"record"`
}

// TransactionResponse wraps a single transaction lookup.
type TransactionResponse struct {
	Record protocol.TransactionRecord `json:"record"`
}

// SubmitTransactionRequest carries a proven transaction to the node.
type SubmitTransactionRequest struct {
	Transaction protocol.ProvenTransaction `json:"transaction"`
}

// SubmitTransactionResponse acknowledges acceptance into the pending
// set. BlockNum is the chain height at acceptance, not the commit
// height.
type SubmitTransactionResponse struct {
	TxID     protocol.TransactionID `json:"tx_id"`
	BlockNum uint64                 `json:"block_num"`
}

// NodeInfoResponse describes the node, served on /info.
type NodeInfoResponse struct {
	BlockNum     uint64 `json:"block_num"`
	Accounts     int    `json:"accounts"`
	Notes        int    `json:"notes"`
	PendingTxs   int    `json:"pending_txs"`
	CommittedTxs int    `json:"committed_txs"`
}

// HealthResponse is served on /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}
