// Package orchestrator sequences multi-transaction workflows against a
// ledger client: deploying accounts, minting, consuming and emitting
// notes, advancing note chains, and running custom scripts with their
// foreign dependencies resolved. Plans run strictly in order; a failed
// step aborts the run, and whatever earlier steps committed stays
// committed.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ev0r0x/miden-tutorials/internal/fpi"
	"github.com/ev0r0x/miden-tutorials/internal/ledger"
	"github.com/ev0r0x/miden-tutorials/internal/notechain"
	"github.com/ev0r0x/miden-tutorials/internal/protocol"
	"github.com/ev0r0x/miden-tutorials/internal/tracker"
)

// StepKind names what a plan step does.
type StepKind string

const (
	// StepDeployAccount registers a locally built account and publishes
	// it with an empty transaction.
	StepDeployAccount StepKind = "deploy_account"
	// StepMint issues assets from the acting faucet as a P2ID note.
	StepMint StepKind = "mint"
	// StepConsumeNotes consumes specific notes, or everything currently
	// consumable by the actor when none are named.
	StepConsumeNotes StepKind = "consume_notes"
	// StepEmitNote sends one fully formed note from the actor.
	StepEmitNote StepKind = "emit_note"
	// StepChainConsume consumes the actor's live chain link and
	// pre-declares the successor the link emits.
	StepChainConsume StepKind = "chain_consume"
	// StepScriptCall runs a custom transaction script, resolving
	// foreign dependencies first when a root account is named.
	StepScriptCall StepKind = "script_call"
	// StepAwaitNotes waits until the actor can consume at least
	// MinNotes notes.
	StepAwaitNotes StepKind = "await_notes"
	// StepPollStorage polls one of the actor's value slots until its
	// first component reaches MinCount.
	StepPollStorage StepKind = "poll_storage"
)

// Step is one unit of a plan. Kind selects which fields apply; Actor is
// the account the step acts as. Await makes the run block until the
// step's transaction commits before moving on.
type Step struct {
	ID    string
	Kind  StepKind
	Actor protocol.AccountID
	Await bool

	// DeployAccount
	Account *protocol.Account

	// Mint
	Target     protocol.AccountID
	Amount     uint64
	Visibility protocol.NoteType

	// ConsumeNotes
	NoteIDs []protocol.NoteID
	Args    *protocol.Word

	// EmitNote
	Note *protocol.Note

	// ScriptCall
	Script      protocol.TransactionScript
	ForeignRoot *protocol.AccountID
	Foreign     []protocol.ForeignAccountRequirement

	// AwaitNotes
	MinNotes int

	// PollStorage
	Slot     string
	MinCount uint64
}

// Plan is a named sequence of steps.
type Plan struct {
	Name  string
	Steps []Step
}

// StepError reports which step of a run failed and why.
type StepError struct {
	Index int
	Kind  StepKind
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

const (
	defaultInterval = 500 * time.Millisecond
	defaultAttempts = 30
)

// Orchestrator runs plans against one ledger client.
type Orchestrator struct {
	client    *ledger.Client
	resolver  *fpi.Resolver
	tracker   *tracker.Tracker
	chainRoot protocol.NoteScript
	interval  time.Duration
	attempts  int
}

// New builds an orchestrator around a client. Interval is the polling
// cadence for waits and attempts the budget per wait; an attempts of
// zero makes commitment waits unbounded, the same convention AwaitAll
// uses.
func New(client *ledger.Client, interval time.Duration, attempts int) *Orchestrator {
	if interval <= 0 {
		interval = defaultInterval
	}
	if attempts < 0 {
		attempts = defaultAttempts
	}
	return &Orchestrator{
		client:    client,
		resolver:  fpi.NewResolver(client),
		tracker:   tracker.NewTracker(client, interval),
		chainRoot: client.CodeBuilder().CountChainScript(),
		interval:  interval,
		attempts:  attempts,
	}
}

// Run executes the plan's steps strictly in order and returns the IDs
// of the transactions it submitted. On failure the returned error is a
// StepError naming the failed step; transactions from earlier steps are
// already on the node and are not rolled back.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) ([]protocol.TransactionID, error) {
	runID := uuid.New().String()
	log.Printf("[Orchestrator] Running plan %q (%d steps, run %s)", plan.Name, len(plan.Steps), runID)

	var txIDs []protocol.TransactionID
	for i, step := range plan.Steps {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		log.Printf("[Orchestrator] Step %d/%d %s acting as %s (id %s)",
			i+1, len(plan.Steps), step.Kind, step.Actor, step.ID)

		txID, err := o.runStep(ctx, step)
		if err != nil {
			return txIDs, &StepError{Index: i, Kind: step.Kind, Err: err}
		}
		if txID != nil {
			txIDs = append(txIDs, *txID)
		}
	}

	log.Printf("[Orchestrator] Plan %q complete: %d transactions (run %s)", plan.Name, len(txIDs), runID)
	return txIDs, nil
}

func (o *Orchestrator) runStep(ctx context.Context, step Step) (*protocol.TransactionID, error) {
	switch step.Kind {
	case StepDeployAccount:
		return o.deployAccount(ctx, step)
	case StepMint:
		return o.mint(ctx, step)
	case StepConsumeNotes:
		return o.consumeNotes(ctx, step)
	case StepEmitNote:
		return o.emitNote(ctx, step)
	case StepChainConsume:
		return o.chainConsume(ctx, step)
	case StepScriptCall:
		return o.scriptCall(ctx, step)
	case StepAwaitNotes:
		return nil, o.awaitNotes(ctx, step)
	case StepPollStorage:
		return nil, o.pollStorage(ctx, step)
	default:
		return nil, fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// deployAccount registers the account locally and publishes it through
// an empty transaction, so the node learns its state before anything
// depends on it.
func (o *Orchestrator) deployAccount(ctx context.Context, step Step) (*protocol.TransactionID, error) {
	if step.Account == nil {
		return nil, fmt.Errorf("deploy step carries no account")
	}
	if err := o.client.AddAccount(step.Account, false); err != nil {
		return nil, err
	}
	req, err := protocol.NewTransactionRequestBuilder().Build()
	if err != nil {
		return nil, err
	}
	return o.submit(ctx, step.Account.ID, &req, step.Await)
}

func (o *Orchestrator) mint(ctx context.Context, step Step) (*protocol.TransactionID, error) {
	visibility := step.Visibility
	if visibility == "" {
		visibility = protocol.NotePublic
	}
	note, err := protocol.NewP2IDNote(o.client.CodeBuilder().P2IDScript(), step.Actor, step.Target,
		protocol.NoteAssets{{FaucetID: step.Actor, Amount: step.Amount}}, visibility, nil, o.client.Rng())
	if err != nil {
		return nil, err
	}
	req, err := protocol.NewTransactionRequestBuilder().WithOwnOutputNotes(note).Build()
	if err != nil {
		return nil, err
	}
	return o.submit(ctx, step.Actor, &req, step.Await)
}

func (o *Orchestrator) consumeNotes(ctx context.Context, step Step) (*protocol.TransactionID, error) {
	ids := step.NoteIDs
	if len(ids) == 0 {
		notes, err := o.client.GetConsumableNotes(ctx, &step.Actor)
		if err != nil {
			return nil, err
		}
		for _, n := range notes {
			ids = append(ids, n.Record.Note.ID())
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no consumable notes for %s", step.Actor)
	}
	b := protocol.NewTransactionRequestBuilder()
	for _, id := range ids {
		b.WithAuthenticatedInputNote(id, step.Args)
	}
	req, err := b.Build()
	if err != nil {
		return nil, err
	}
	return o.submit(ctx, step.Actor, &req, step.Await)
}

func (o *Orchestrator) emitNote(ctx context.Context, step Step) (*protocol.TransactionID, error) {
	if step.Note == nil {
		return nil, fmt.Errorf("emit step carries no note")
	}
	req, err := protocol.NewTransactionRequestBuilder().WithOwnOutputNotes(*step.Note).Build()
	if err != nil {
		return nil, err
	}
	return o.submit(ctx, step.Actor, &req, step.Await)
}

// chainConsume finds the chain link currently consumable by the actor
// and consumes it. The link's script emits the next link, so the
// successor is pre-declared from the link's serial number.
func (o *Orchestrator) chainConsume(ctx context.Context, step Step) (*protocol.TransactionID, error) {
	notes, err := o.client.GetConsumableNotes(ctx, &step.Actor)
	if err != nil {
		return nil, err
	}
	var link *protocol.Note
	for i := range notes {
		if notes[i].Record.Note.Recipient.Script.Root == o.chainRoot.Root {
			link = &notes[i].Record.Note
			break
		}
	}
	if link == nil {
		return nil, fmt.Errorf("no live chain link consumable by %s", step.Actor)
	}
	successor, err := notechain.NextNote(*link, step.Actor)
	if err != nil {
		return nil, err
	}
	req, err := protocol.NewTransactionRequestBuilder().
		WithInputNotes(link.ID()).
		WithExpectedFutureNotes(protocol.ExpectedNote{Details: successor.Details(), Tag: successor.Metadata.Tag}).
		WithExpectedOutputRecipients(successor.Recipient).
		Build()
	if err != nil {
		return nil, err
	}
	return o.submit(ctx, step.Actor, &req, step.Await)
}

func (o *Orchestrator) scriptCall(ctx context.Context, step Step) (*protocol.TransactionID, error) {
	b := protocol.NewTransactionRequestBuilder().WithCustomScript(step.Script)
	if step.ForeignRoot != nil {
		reqs, err := o.resolver.Resolve(ctx, *step.ForeignRoot)
		if err != nil {
			return nil, err
		}
		b.WithForeignAccounts(reqs...)
	}
	if len(step.Foreign) > 0 {
		b.WithForeignAccounts(step.Foreign...)
	}
	req, err := b.Build()
	if err != nil {
		return nil, err
	}
	return o.submit(ctx, step.Actor, &req, step.Await)
}

func (o *Orchestrator) awaitNotes(ctx context.Context, step Step) error {
	budget := o.budget()
	seen := 0
	for attempt := 1; attempt <= budget; attempt++ {
		if _, err := o.client.SyncState(ctx); err != nil {
			log.Printf("[Orchestrator] Sync failed while waiting for notes (%v), retrying", err)
		} else {
			notes, err := o.client.GetConsumableNotes(ctx, &step.Actor)
			if err != nil {
				return err
			}
			seen = len(notes)
			if seen >= step.MinNotes {
				return nil
			}
		}
		if attempt == budget {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.interval):
		}
	}
	return fmt.Errorf("saw %d consumable notes for %s, need %d", seen, step.Actor, step.MinNotes)
}

func (o *Orchestrator) pollStorage(ctx context.Context, step Step) error {
	read := func(ctx context.Context) (protocol.Word, error) {
		if _, err := o.client.SyncState(ctx); err != nil {
			return protocol.Word{}, err
		}
		rec, err := o.client.GetAccount(ctx, step.Actor)
		if err != nil {
			return protocol.Word{}, err
		}
		if rec == nil || rec.IsPartial() {
			return protocol.Word{}, fmt.Errorf("no full state for account %s", step.Actor)
		}
		return rec.Account.Storage.Item(step.Slot)
	}
	reached := func(value protocol.Word) bool {
		return value[0].Uint64() >= step.MinCount
	}
	last, ok, err := o.tracker.PollValue(ctx, o.budget(), read, reached)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("slot %q of %s reached %d, need %d", step.Slot, step.Actor, last[0].Uint64(), step.MinCount)
	}
	return nil
}

// submit runs the full pipeline for one request and optionally waits
// for the commitment.
func (o *Orchestrator) submit(ctx context.Context, actor protocol.AccountID, req *protocol.TransactionRequest, await bool) (*protocol.TransactionID, error) {
	txID, err := o.client.SubmitNewTransaction(ctx, actor, req)
	if err != nil {
		return nil, err
	}
	if await {
		if err := o.await(ctx, txID); err != nil {
			return &txID, err
		}
	}
	return &txID, nil
}

func (o *Orchestrator) await(ctx context.Context, id protocol.TransactionID) error {
	var err error
	if o.attempts > 0 {
		_, err = o.tracker.AwaitCommitmentBounded(ctx, id, o.attempts)
	} else {
		_, err = o.tracker.AwaitCommitment(ctx, id)
	}
	return err
}

// budget is the attempt budget for waits that need one even when
// commitment waits are unbounded.
func (o *Orchestrator) budget() int {
	if o.attempts > 0 {
		return o.attempts
	}
	return defaultAttempts
}
