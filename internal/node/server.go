// Package node implements the devnet node: an HTTP facade over an
// in-memory ledger, a block producer that commits submitted
// transactions on a fixed cadence, and a worker that consumes
// network-targeted notes on behalf of network accounts.
package node

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/ev0r0x/miden-tutorials/internal/kernel"
	"github.com/ev0r0x/miden-tutorials/internal/notechain"
	"github.com/ev0r0x/miden-tutorials/internal/protocol"
	"github.com/ev0r0x/miden-tutorials/internal/rpc"
)

// DefaultBlockInterval is the block production cadence used when the
// caller does not set one.
const DefaultBlockInterval = 3 * time.Second

// Server is the devnet node. All ledger state lives in memory under one
// lock; the block producer advances it on a ticker.
type Server struct {
	router   *mux.Router
	interval time.Duration

	mu       sync.RWMutex
	height   uint64
	accounts map[protocol.AccountID]*protocol.AccountRecord
	notes    map[protocol.NoteID]*protocol.NoteRecord
	txs      map[protocol.TransactionID]protocol.TransactionRecord
	pending  []protocol.ProvenTransaction
	reserved map[protocol.NoteID]protocol.TransactionID
	skipped  map[protocol.NoteID]bool

	executor  *kernel.Executor
	chainRoot common.Hash

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer builds a node and starts its block producer.
func NewServer(blockInterval time.Duration) *Server {
	s := newServer(blockInterval)
	s.done = make(chan struct{})
	go s.blockProducer()
	return s
}

// NewServerForTest builds a node without starting the block producer, so
// tests drive block production explicitly through ProduceBlock.
func NewServerForTest() *Server {
	return newServer(DefaultBlockInterval)
}

func newServer(blockInterval time.Duration) *Server {
	if blockInterval <= 0 {
		blockInterval = DefaultBlockInterval
	}

	// The node runs the standard note programs itself so it can execute
	// network-targeted notes without a client in the loop.
	registry := kernel.NewRegistry()
	builder := kernel.NewCodeBuilder(registry)
	builder.P2IDScript()
	builder.HashLockScript()
	builder.IncrementNoteScript()
	chainRoot := builder.CountChainScript().Root

	s := &Server{
		router:    mux.NewRouter(),
		interval:  blockInterval,
		accounts:  make(map[protocol.AccountID]*protocol.AccountRecord),
		notes:     make(map[protocol.NoteID]*protocol.NoteRecord),
		txs:       make(map[protocol.TransactionID]protocol.TransactionRecord),
		reserved:  make(map[protocol.NoteID]protocol.TransactionID),
		skipped:   make(map[protocol.NoteID]bool),
		executor:  kernel.NewExecutor(registry),
		chainRoot: chainRoot,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/v1/sync", s.handleSync).Methods("POST")
	s.router.HandleFunc("/v1/accounts/{id}", s.handleAccount).Methods("GET")
	s.router.HandleFunc("/v1/transactions", s.handleSubmit).Methods("POST")
	s.router.HandleFunc("/v1/transactions/{id}", s.handleTransaction).Methods("GET")
	s.router.HandleFunc("/v1/notes/{id}", s.handleNote).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")
}

// Router returns the HTTP router, for mounting under httptest.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start serves the node on the given port, blocking.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("[Node] Listening on %s (block interval %s)", addr, s.interval)
	return http.ListenAndServe(addr, s.router)
}

// Close stops the block producer. Idempotent, and safe on servers built
// with NewServerForTest.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.done != nil {
			close(s.done)
		}
	})
}

// Height returns the current chain height.
func (s *Server) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.height
}

// RegisterAccount seeds an account with full state, e.g. a genesis
// faucet or an oracle fixture. Overwrites any existing record.
func (s *Server) RegisterAccount(acct *protocol.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.ID] = &protocol.AccountRecord{
		ID:         acct.ID,
		Commitment: acct.Commitment(),
		Account:    acct.Copy(),
	}
	log.Printf("[Node] Registered account %s (%s, %s)", acct.ID, acct.Type, acct.StorageMode)
}

// AddCommittedNote seeds a note in committed state (for testing).
func (s *Server) AddCommittedNote(n protocol.Note) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[n.ID()] = &protocol.NoteRecord{Note: n, Status: protocol.NoteCommitted, BlockNum: s.height}
}

func (s *Server) blockProducer() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			log.Printf("[Node] Block producer stopping")
			return
		case <-ticker.C:
			s.ProduceBlock()
		}
	}
}

// ProduceBlock advances the chain one block: commits every pending
// transaction at the new height, then lets the network worker consume
// eligible network-targeted notes. Returns the new height.
func (s *Server) ProduceBlock() uint64 {
	s.mu.Lock()
	s.height++
	height := s.height
	committed := len(s.pending)
	for i := range s.pending {
		s.applyCommitted(&s.pending[i], height)
	}
	s.pending = nil
	candidates := s.networkCandidates()
	s.mu.Unlock()

	processed := s.runNetworkWorker(candidates, height)
	if committed > 0 || processed > 0 {
		log.Printf("[Node] Produced block %d (%d transactions committed, %d network notes consumed)",
			height, committed, processed)
	}
	return height
}

// applyCommitted folds one submitted transaction into ledger state.
// Caller holds the write lock.
func (s *Server) applyCommitted(proven *protocol.ProvenTransaction, height uint64) {
	if proven.Account != nil {
		s.accounts[proven.AccountID] = &protocol.AccountRecord{
			ID:         proven.AccountID,
			Commitment: proven.FinalCommitment,
			Account:    proven.Account.Copy(),
		}
	} else {
		s.accounts[proven.AccountID] = &protocol.AccountRecord{
			ID:         proven.AccountID,
			Commitment: proven.FinalCommitment,
		}
	}

	for _, id := range proven.ConsumedNotes {
		delete(s.reserved, id)
		if rec, ok := s.notes[id]; ok {
			rec.Status = protocol.NoteConsumed
			rec.BlockNum = height
		}
	}
	for _, note := range proven.CreatedNotes {
		s.notes[note.ID()] = &protocol.NoteRecord{Note: note, Status: protocol.NoteCommitted, BlockNum: height}
	}

	s.txs[proven.ID] = protocol.TransactionRecord{
		ID:        proven.ID,
		AccountID: proven.AccountID,
		Status:    protocol.TxCommitted,
		BlockNum:  height,
	}
	log.Printf("[Node] Committed transaction %s for account %s at block %d", proven.ID, proven.AccountID, height)
}

type networkCandidate struct {
	note   protocol.Note
	target protocol.AccountID
}

// networkCandidates lists committed notes whose attachment targets a
// network account the node holds full state for. Caller holds a lock.
func (s *Server) networkCandidates() []networkCandidate {
	var out []networkCandidate
	for id, rec := range s.notes {
		if rec.Status != protocol.NoteCommitted || rec.Note.Metadata.Attachment == nil {
			continue
		}
		if s.skipped[id] {
			continue
		}
		if _, taken := s.reserved[id]; taken {
			continue
		}
		target := rec.Note.Metadata.Attachment.Account
		acct, ok := s.accounts[target]
		if !ok || acct.IsPartial() || acct.Account.StorageMode != protocol.StorageNetwork {
			continue
		}
		out = append(out, networkCandidate{note: rec.Note, target: target})
	}
	return out
}

// runNetworkWorker executes each candidate note against its target
// account through the kernel, the node acting as the consuming client.
func (s *Server) runNetworkWorker(candidates []networkCandidate, height uint64) int {
	processed := 0
	for _, c := range candidates {
		req, err := s.networkRequest(c.note, c.target)
		if err != nil {
			s.skipNetworkNote(c.note.ID(), err)
			continue
		}
		executed, err := s.executor.Execute(stateView{s}, c.target, &req)
		if err != nil {
			s.skipNetworkNote(c.note.ID(), err)
			continue
		}
		if s.applyNetworkResult(executed, height) {
			processed++
			log.Printf("[Node] Network worker consumed note %s for account %s", c.note.ID(), c.target)
		}
	}
	return processed
}

// networkRequest builds the consumption request for one network note.
// Chain notes must pre-declare the successor they emit.
func (s *Server) networkRequest(note protocol.Note, target protocol.AccountID) (protocol.TransactionRequest, error) {
	b := protocol.NewTransactionRequestBuilder().WithInputNotes(note.ID())
	if note.Recipient.Script.Root == s.chainRoot {
		successor, err := notechain.NextNote(note, target)
		if err != nil {
			return protocol.TransactionRequest{}, err
		}
		b.WithExpectedFutureNotes(protocol.ExpectedNote{Details: successor.Details(), Tag: successor.Metadata.Tag}).
			WithExpectedOutputRecipients(successor.Recipient)
	}
	return b.Build()
}

// skipNetworkNote parks a note the worker cannot consume so it is not
// retried every block.
func (s *Server) skipNetworkNote(id protocol.NoteID, err error) {
	s.mu.Lock()
	s.skipped[id] = true
	s.mu.Unlock()
	log.Printf("[Node] Network note %s skipped: %v", id, err)
}

// applyNetworkResult commits a worker execution. The input note is
// re-checked under the lock: a submission racing the worker wins.
func (s *Server) applyNetworkResult(executed *protocol.ExecutedTransaction, height uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range executed.ConsumedNotes {
		rec, ok := s.notes[id]
		if !ok || rec.Status != protocol.NoteCommitted {
			return false
		}
		if _, taken := s.reserved[id]; taken {
			return false
		}
	}
	for _, id := range executed.ConsumedNotes {
		s.notes[id].Status = protocol.NoteConsumed
		s.notes[id].BlockNum = height
	}
	for _, note := range executed.CreatedNotes {
		s.notes[note.ID()] = &protocol.NoteRecord{Note: note, Status: protocol.NoteCommitted, BlockNum: height}
	}
	s.accounts[executed.AccountID] = &protocol.AccountRecord{
		ID:         executed.AccountID,
		Commitment: executed.FinalAccount.Commitment(),
		Account:    executed.FinalAccount.Copy(),
	}
	s.txs[executed.ID] = protocol.TransactionRecord{
		ID:        executed.ID,
		AccountID: executed.AccountID,
		Status:    protocol.TxCommitted,
		BlockNum:  height,
	}
	return true
}

// stateView adapts the server's ledger maps to the executor's read
// interface. Each call takes the read lock on its own.
type stateView struct {
	s *Server
}

func (v stateView) Account(id protocol.AccountID) (*protocol.AccountRecord, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	rec, ok := v.s.accounts[id]
	if !ok {
		return nil, nil
	}
	out := *rec
	if rec.Account != nil {
		out.Account = rec.Account.Copy()
	}
	return &out, nil
}

func (v stateView) Note(id protocol.NoteID) (*protocol.NoteRecord, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	rec, ok := v.s.notes[id]
	if !ok {
		return nil, nil
	}
	return rec.Copy(), nil
}

func (v stateView) SyncHeight() (uint64, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return v.s.height, nil
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req rpc.SyncStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid sync request: %v", err)
		return
	}

	s.mu.RLock()
	resp := rpc.SyncStateResponse{BlockNum: s.height}
	for _, id := range req.AccountIDs {
		if rec, ok := s.accounts[id]; ok {
			resp.Accounts = append(resp.Accounts, *rec)
		}
	}
	tags := make(map[protocol.NoteTag]bool, len(req.NoteTags))
	for _, tag := range req.NoteTags {
		tags[tag] = true
	}
	for _, rec := range s.notes {
		if tags[rec.Note.Metadata.Tag] {
			resp.Notes = append(resp.Notes, *rec.Copy())
		}
	}
	for _, id := range req.TransactionIDs {
		if rec, ok := s.txs[id]; ok {
			resp.Transactions = append(resp.Transactions, rec)
		}
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	id, err := protocol.ParseAccountID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id: %v", err)
		return
	}
	s.mu.RLock()
	rec, ok := s.accounts[id]
	var out protocol.AccountRecord
	if ok {
		out = *rec
		if rec.Account != nil {
			out.Account = rec.Account.Copy()
		}
	}
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "account %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, rpc.AccountResponse{Record: out})
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	var id protocol.NoteID
	if err := id.UnmarshalText([]byte(mux.Vars(r)["id"])); err != nil {
		writeError(w, http.StatusBadRequest, "invalid note id: %v", err)
		return
	}
	s.mu.RLock()
	rec, ok := s.notes[id]
	var out protocol.NoteRecord
	if ok {
		out = *rec.Copy()
	}
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "note %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, rpc.NoteResponse{Record: out})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	var id protocol.TransactionID
	if err := id.UnmarshalText([]byte(mux.Vars(r)["id"])); err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction id: %v", err)
		return
	}
	s.mu.RLock()
	rec, ok := s.txs[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "transaction %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, rpc.TransactionResponse{Record: rec})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req rpc.SubmitTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid submission: %v", err)
		return
	}
	proven := req.Transaction

	if len(proven.Proof) == 0 {
		writeError(w, http.StatusBadRequest, "transaction %s carries no proof", proven.ID)
		return
	}
	want := kernel.TransactionDigest(proven.AccountID, proven.InitialCommitment, proven.FinalCommitment,
		proven.ConsumedNotes, proven.CreatedNotes)
	if proven.ID != want {
		writeError(w, http.StatusBadRequest, "transaction digest mismatch: declared %s, computed %s", proven.ID, want)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.accounts[proven.AccountID]; ok {
		if rec.Commitment != proven.InitialCommitment && !s.extendsPending(proven) {
			writeError(w, http.StatusConflict, "stale transaction: account %s has moved past %s",
				proven.AccountID, proven.InitialCommitment.Hex())
			return
		}
	}
	for _, id := range proven.ConsumedNotes {
		if rec, ok := s.notes[id]; ok && rec.Status == protocol.NoteConsumed {
			writeError(w, http.StatusConflict, "note %s already consumed", id)
			return
		}
		if _, taken := s.reserved[id]; taken {
			writeError(w, http.StatusConflict, "note %s already spent by a pending transaction", id)
			return
		}
	}

	for _, id := range proven.ConsumedNotes {
		s.reserved[id] = proven.ID
	}
	s.pending = append(s.pending, proven)
	s.txs[proven.ID] = protocol.TransactionRecord{
		ID:        proven.ID,
		AccountID: proven.AccountID,
		Status:    protocol.TxPending,
	}
	log.Printf("[Node] Accepted transaction %s for account %s (%d consumed, %d created)",
		proven.ID, proven.AccountID, len(proven.ConsumedNotes), len(proven.CreatedNotes))

	writeJSON(w, http.StatusOK, rpc.SubmitTransactionResponse{TxID: proven.ID, BlockNum: s.height})
}

// extendsPending reports whether the submission chains onto a pending
// transaction of the same account, allowing a client to pipeline
// several transactions into one block. Caller holds the lock.
func (s *Server) extendsPending(proven protocol.ProvenTransaction) bool {
	for _, p := range s.pending {
		if p.AccountID.Equal(proven.AccountID) && p.FinalCommitment == proven.InitialCommitment {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rpc.HealthResponse{Status: "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := rpc.NodeInfoResponse{
		BlockNum: s.height,
		Accounts: len(s.accounts),
		Notes:    len(s.notes),
	}
	for _, rec := range s.txs {
		if rec.Status == protocol.TxCommitted {
			info.CommittedTxs++
		} else {
			info.PendingTxs++
		}
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, rpc.ErrorResponse{Error: fmt.Sprintf(format, args...)})
}
