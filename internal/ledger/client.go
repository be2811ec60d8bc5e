// Package ledger is the client core: it keeps a local projection of
// ledger state in a store, talks to the node over RPC, and drives the
// execute, prove, submit, apply pipeline for new transactions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ev0r0x/miden-tutorials/internal/kernel"
	"github.com/ev0r0x/miden-tutorials/internal/protocol"
	"github.com/ev0r0x/miden-tutorials/internal/rpc"
	"github.com/ev0r0x/miden-tutorials/internal/store"
)

// Config collects what a client needs to run. Store and NodeURL are
// required; zero values elsewhere select the defaults.
type Config struct {
	NodeURL string
	Store   store.Store
	Network rpc.NetworkConfig
	Timeout time.Duration
	Rng     protocol.Rng
	Prover  kernel.Prover
}

// Client is the transaction orchestration core. All reads return the
// local projection; SyncState advances it against the node.
type Client struct {
	node     *rpc.NodeClient
	store    store.Store
	registry *kernel.Registry
	executor *kernel.Executor
	builder  *kernel.CodeBuilder
	prover   kernel.Prover
	rng      protocol.Rng

	mu   sync.Mutex
	tags map[protocol.NoteTag]bool
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.NodeURL == "" {
		return nil, errors.New("ledger client requires a node URL")
	}
	if cfg.Store == nil {
		return nil, errors.New("ledger client requires a store")
	}
	rng := cfg.Rng
	if rng == nil {
		rng = protocol.NewCryptoRng()
	}
	prover := cfg.Prover
	if prover == nil {
		prover = kernel.NewLocalProver()
	}
	registry := kernel.NewRegistry()
	return &Client{
		node:     rpc.NewNodeClient(cfg.NodeURL, cfg.Network, cfg.Timeout),
		store:    cfg.Store,
		registry: registry,
		executor: kernel.NewExecutor(registry),
		builder:  kernel.NewCodeBuilder(registry),
		prover:   prover,
		rng:      rng,
		tags:     make(map[protocol.NoteTag]bool),
	}, nil
}

// CodeBuilder compiles script programs for this client's executor.
func (c *Client) CodeBuilder() *kernel.CodeBuilder {
	return c.builder
}

// Rng returns the client's randomness source, used to draw serial
// numbers and account identifiers.
func (c *Client) Rng() protocol.Rng {
	return c.rng
}

// Close releases the underlying store.
func (c *Client) Close() error {
	return c.store.Close()
}

// Height returns the block height the projection was last synced to.
func (c *Client) Height() (uint64, error) {
	return c.store.SyncHeight()
}

// AddNoteTag subscribes the client to a note tag on top of the ones
// derived from tracked accounts and notes.
func (c *Client) AddNoteTag(tag protocol.NoteTag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags[tag] = true
}

// SyncState asks the node for the current records of everything the
// client tracks and folds the answer into the local projection. It
// returns the chain height the projection now reflects.
func (c *Client) SyncState(ctx context.Context) (uint64, error) {
	req, err := c.syncRequest()
	if err != nil {
		return 0, err
	}
	resp, err := c.node.SyncState(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("failed to sync state: %w", err)
	}
	if err := c.applySync(resp); err != nil {
		return 0, err
	}
	log.Printf("[Client] Synced to block %d (%d accounts, %d notes, %d transactions)",
		resp.BlockNum, len(resp.Accounts), len(resp.Notes), len(resp.Transactions))
	return resp.BlockNum, nil
}

// syncRequest assembles the tracking set: account IDs, note tags, and
// pending transaction IDs.
func (c *Client) syncRequest() (rpc.SyncStateRequest, error) {
	var req rpc.SyncStateRequest

	accounts, err := c.store.Accounts()
	if err != nil {
		return req, err
	}
	tags := make(map[protocol.NoteTag]bool)
	for _, rec := range accounts {
		req.AccountIDs = append(req.AccountIDs, rec.ID)
		tags[protocol.TagForAccount(rec.ID)] = true
	}

	notes, err := c.store.Notes()
	if err != nil {
		return req, err
	}
	for _, rec := range notes {
		tags[rec.Note.Metadata.Tag] = true
	}
	c.mu.Lock()
	for tag := range c.tags {
		tags[tag] = true
	}
	c.mu.Unlock()
	for tag := range tags {
		req.NoteTags = append(req.NoteTags, tag)
	}
	sort.Slice(req.NoteTags, func(i, j int) bool { return req.NoteTags[i] < req.NoteTags[j] })

	txs, err := c.store.Transactions(protocol.FilterAll())
	if err != nil {
		return req, err
	}
	for _, tx := range txs {
		if tx.Status == protocol.TxPending {
			req.TransactionIDs = append(req.TransactionIDs, tx.ID)
		}
	}
	return req, nil
}

func (c *Client) applySync(resp *rpc.SyncStateResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range resp.Accounts {
		if err := c.mergeAccount(&resp.Accounts[i]); err != nil {
			return err
		}
	}
	for i := range resp.Notes {
		if err := c.mergeNote(&resp.Notes[i]); err != nil {
			return err
		}
	}
	for _, tx := range resp.Transactions {
		if tx.Status != protocol.TxCommitted {
			continue
		}
		err := c.store.SetTransactionStatus(tx.ID, tx.Status, tx.BlockNum)
		if errors.Is(err, store.ErrUnknownTransaction) {
			err = c.store.PutTransaction(tx)
		}
		if err != nil {
			return err
		}
	}
	return c.store.SetSyncHeight(resp.BlockNum)
}

// mergeAccount folds one node-side account record into the store. Full
// payloads are authoritative. Partial payloads only ever fill gaps:
// when the client holds full state the node cannot see (a private
// account), the local copy wins and a commitment mismatch is reported
// rather than silently resolved.
func (c *Client) mergeAccount(incoming *protocol.AccountRecord) error {
	if !incoming.IsPartial() {
		return c.store.PutAccount(incoming)
	}
	local, err := c.store.Account(incoming.ID)
	if err != nil {
		return err
	}
	if local == nil || local.IsPartial() {
		return c.store.PutAccount(incoming)
	}
	if local.Commitment != incoming.Commitment {
		log.Printf("[Client] Account %s commitment diverged from node (local %s, node %s), keeping local state",
			incoming.ID, local.Commitment.Hex(), incoming.Commitment.Hex())
	}
	return nil
}

// mergeNote folds one node-side note record into the store. Status only
// moves forward: a note the client already marked consumed never
// regresses to committed while the node catches up.
func (c *Client) mergeNote(incoming *protocol.NoteRecord) error {
	local, err := c.store.Note(incoming.Note.ID())
	if err != nil {
		return err
	}
	if local != nil && noteStatusRank(local.Status) >= noteStatusRank(incoming.Status) {
		return nil
	}
	return c.store.PutNote(incoming)
}

func noteStatusRank(status protocol.NoteRecordStatus) int {
	switch status {
	case protocol.NoteCommitted:
		return 1
	case protocol.NoteConsumed:
		return 2
	default:
		return 0
	}
}

// ImportAccountByID makes an account tracked. Already-tracked accounts
// are refreshed from the node; an account neither tracked nor known to
// the node is an error.
func (c *Client) ImportAccountByID(ctx context.Context, id protocol.AccountID) error {
	rec, err := c.node.Account(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to import account %s: %w", id, err)
	}
	if rec == nil {
		local, lerr := c.store.Account(id)
		if lerr != nil {
			return lerr
		}
		if local != nil {
			return nil
		}
		return fmt.Errorf("account %s is unknown to the node", id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mergeAccount(rec)
}

// GetAccount returns the tracked record for an account, nil when the
// account is not tracked.
func (c *Client) GetAccount(_ context.Context, id protocol.AccountID) (*protocol.AccountRecord, error) {
	return c.store.Account(id)
}

// ErrAccountTracked reports an AddAccount collision with an account
// the store already tracks.
var ErrAccountTracked = errors.New("account already tracked")

// AddAccount registers a locally built account. The node learns about
// it from the first transaction the account submits. Without overwrite
// the call fails when the account is already tracked.
func (c *Client) AddAccount(acct *protocol.Account, overwrite bool) error {
	if acct == nil {
		return errors.New("account must not be nil")
	}
	if !overwrite {
		existing, err := c.store.Account(acct.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("account %s: %w", acct.ID, ErrAccountTracked)
		}
	}
	rec := &protocol.AccountRecord{ID: acct.ID, Commitment: acct.Commitment(), Account: acct.Copy()}
	if err := c.store.PutAccount(rec); err != nil {
		return err
	}
	c.AddNoteTag(protocol.TagForAccount(acct.ID))
	log.Printf("[Client] Tracking new account %s (%s, %s)", acct.ID, acct.Type, acct.StorageMode)
	return nil
}

// ConsumableNote pairs a spendable note with the tracked accounts that
// can consume it.
type ConsumableNote struct {
	Record    protocol.NoteRecord
	Consumers []protocol.AccountID
}

// GetConsumableNotes lists committed, unconsumed notes. With a target
// the list is restricted to notes that account can spend; with nil it
// covers all tracked notes, annotated per tracked account.
func (c *Client) GetConsumableNotes(_ context.Context, target *protocol.AccountID) ([]ConsumableNote, error) {
	records, err := c.store.ConsumableNotes(target)
	if err != nil {
		return nil, err
	}
	accounts, err := c.store.Accounts()
	if err != nil {
		return nil, err
	}
	out := make([]ConsumableNote, 0, len(records))
	for _, rec := range records {
		cn := ConsumableNote{Record: *rec}
		for _, acct := range accounts {
			if rec.ConsumableBy(acct.ID) {
				cn.Consumers = append(cn.Consumers, acct.ID)
			}
		}
		out = append(out, cn)
	}
	return out, nil
}

// GetTransactions returns tracked transaction records matching the
// filter.
func (c *Client) GetTransactions(_ context.Context, filter protocol.TransactionFilter) ([]protocol.TransactionRecord, error) {
	return c.store.Transactions(filter)
}

// ExecuteTransaction runs a request against the local projection and
// returns the executed form. Nothing is persisted or submitted.
func (c *Client) ExecuteTransaction(accountID protocol.AccountID, req *protocol.TransactionRequest) (*protocol.ExecutedTransaction, error) {
	return c.executor.Execute(c.store, accountID, req)
}

// ProveTransaction seals an executed transaction with the client's
// default prover.
func (c *Client) ProveTransaction(ctx context.Context, executed *protocol.ExecutedTransaction) (*protocol.ProvenTransaction, error) {
	return c.ProveTransactionWith(ctx, c.prover, executed)
}

// ProveTransactionWith seals an executed transaction with a specific
// prover, e.g. a remote proving service.
func (c *Client) ProveTransactionWith(ctx context.Context, prover kernel.Prover, executed *protocol.ExecutedTransaction) (*protocol.ProvenTransaction, error) {
	proven, err := prover.Prove(ctx, executed)
	if err != nil {
		return nil, fmt.Errorf("failed to prove transaction %s: %w", executed.ID, err)
	}
	return proven, nil
}

// SubmitProvenTransaction hands a proven transaction to the node and
// returns the chain height at acceptance.
func (c *Client) SubmitProvenTransaction(ctx context.Context, proven *protocol.ProvenTransaction) (uint64, error) {
	resp, err := c.node.SubmitTransaction(ctx, *proven)
	if err != nil {
		return 0, fmt.Errorf("failed to submit transaction %s: %w", proven.ID, err)
	}
	log.Printf("[Client] Submitted transaction %s at height %d", proven.ID, resp.BlockNum)
	return resp.BlockNum, nil
}

// ApplyTransaction folds an executed transaction into the local
// projection: the account post-state, consumed input notes, created
// notes as expected, and a pending transaction record.
func (c *Client) ApplyTransaction(executed *protocol.ExecutedTransaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := &protocol.AccountRecord{
		ID:         executed.AccountID,
		Commitment: executed.FinalAccount.Commitment(),
		Account:    executed.FinalAccount,
	}
	if err := c.store.PutAccount(rec); err != nil {
		return err
	}

	for _, id := range executed.ConsumedNotes {
		err := c.store.MarkNoteConsumed(id, executed.BlockRef)
		if errors.Is(err, store.ErrUnknownNote) {
			// Unauthenticated inputs were never tracked.
			continue
		}
		if err != nil {
			return err
		}
	}

	for _, note := range executed.CreatedNotes {
		local, err := c.store.Note(note.ID())
		if err != nil {
			return err
		}
		if local != nil {
			continue
		}
		if err := c.store.PutNote(&protocol.NoteRecord{Note: note, Status: protocol.NoteExpected}); err != nil {
			return err
		}
		c.tags[note.Metadata.Tag] = true
	}

	return c.store.PutTransaction(protocol.TransactionRecord{
		ID:        executed.ID,
		AccountID: executed.AccountID,
		Status:    protocol.TxPending,
	})
}

// SubmitNewTransaction is the full pipeline: execute the request,
// prove it, submit it to the node, and apply it locally. It returns
// the transaction ID to await.
func (c *Client) SubmitNewTransaction(ctx context.Context, accountID protocol.AccountID, req *protocol.TransactionRequest) (protocol.TransactionID, error) {
	executed, err := c.ExecuteTransaction(accountID, req)
	if err != nil {
		return protocol.TransactionID{}, err
	}
	proven, err := c.ProveTransaction(ctx, executed)
	if err != nil {
		return protocol.TransactionID{}, err
	}
	if _, err := c.SubmitProvenTransaction(ctx, proven); err != nil {
		return protocol.TransactionID{}, err
	}
	if err := c.ApplyTransaction(executed); err != nil {
		return protocol.TransactionID{}, err
	}
	return executed.ID, nil
}
