package kernel

import (
	"context"
	"errors"
	"testing"

	"github.com/ev0r0x/miden-tutorials/internal/notechain"
	"github.com/ev0r0x/miden-tutorials/internal/protocol"
	"github.com/ev0r0x/miden-tutorials/internal/store"
)

type kernelEnv struct {
	store    *store.MemoryStore
	executor *Executor
	builder  *CodeBuilder
	rng      protocol.Rng
}

func newKernelEnv(t *testing.T) *kernelEnv {
	t.Helper()
	registry := NewRegistry()
	env := &kernelEnv{
		store:    store.NewMemoryStore(),
		executor: NewExecutor(registry),
		builder:  NewCodeBuilder(registry),
		rng:      protocol.NewSeededRng(42),
	}
	t.Cleanup(func() { env.store.Close() })
	return env
}

func (k *kernelEnv) addAccount(t *testing.T, acct *protocol.Account) {
	t.Helper()
	rec := &protocol.AccountRecord{ID: acct.ID, Commitment: acct.Commitment(), Account: acct}
	if err := k.store.PutAccount(rec); err != nil {
		t.Fatalf("Failed to store account: %v", err)
	}
}

func (k *kernelEnv) addCommittedNote(t *testing.T, note protocol.Note) {
	t.Helper()
	rec := &protocol.NoteRecord{Note: note, Status: protocol.NoteCommitted, BlockNum: 1}
	if err := k.store.PutNote(rec); err != nil {
		t.Fatalf("Failed to store note: %v", err)
	}
}

func accountID(t *testing.T, prefix uint64) protocol.AccountID {
	t.Helper()
	id, err := protocol.AccountIDFromUint64s(prefix, prefix^0xff)
	if err != nil {
		t.Fatalf("Failed to build account id: %v", err)
	}
	return id
}

func wallet(id protocol.AccountID) *protocol.Account {
	return &protocol.Account{ID: id, Type: protocol.AccountWallet, StorageMode: protocol.StoragePublic}
}

func faucet(id protocol.AccountID) *protocol.Account {
	return &protocol.Account{ID: id, Type: protocol.AccountFaucet, StorageMode: protocol.StoragePublic}
}

func counter(id protocol.AccountID, count uint64) *protocol.Account {
	return &protocol.Account{
		ID:          id,
		Type:        protocol.AccountContract,
		StorageMode: protocol.StoragePublic,
		Storage: protocol.AccountStorage{Slots: []protocol.StorageSlot{
			protocol.NewValueSlot("count", protocol.WordFromUint64s(count, 0, 0, 0)),
		}},
	}
}

func mustBuild(t *testing.T, b *protocol.TransactionRequestBuilder) protocol.TransactionRequest {
	t.Helper()
	req, err := b.Build()
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	return req
}

func TestConsumeP2IDNote(t *testing.T) {
	k := newKernelEnv(t)
	faucetID := accountID(t, 0xfa00000000000001)
	alice := accountID(t, 0xa100000000000001)
	k.addAccount(t, wallet(alice))

	note, err := protocol.NewP2IDNote(k.builder.P2IDScript(), faucetID, alice,
		protocol.NoteAssets{{FaucetID: faucetID, Amount: 100}}, protocol.NotePublic, nil, k.rng)
	if err != nil {
		t.Fatalf("Failed to build note: %v", err)
	}
	k.addCommittedNote(t, note)

	req := mustBuild(t, protocol.NewTransactionRequestBuilder().WithInputNotes(note.ID()))
	executed, err := k.executor.Execute(k.store, alice, &req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if got := executed.FinalAccount.Vault.Balance(faucetID).Uint64(); got != 100 {
		t.Errorf("Expected balance 100, got %d", got)
	}
	if executed.FinalAccount.Nonce != 1 {
		t.Errorf("Expected nonce 1, got %d", executed.FinalAccount.Nonce)
	}
	if len(executed.ConsumedNotes) != 1 || executed.ConsumedNotes[0] != note.ID() {
		t.Errorf("Expected consumed note %s, got %v", note.ID(), executed.ConsumedNotes)
	}
	if executed.InitialCommitment == executed.FinalAccount.Commitment() {
		t.Error("Expected account commitment to change")
	}
}

func TestConsumeP2IDNoteWrongConsumer(t *testing.T) {
	k := newKernelEnv(t)
	faucetID := accountID(t, 0xfa00000000000001)
	alice := accountID(t, 0xa100000000000001)
	bob := accountID(t, 0xb200000000000001)
	k.addAccount(t, wallet(bob))

	note, err := protocol.NewP2IDNote(k.builder.P2IDScript(), faucetID, alice,
		protocol.NoteAssets{{FaucetID: faucetID, Amount: 100}}, protocol.NotePublic, nil, k.rng)
	if err != nil {
		t.Fatalf("Failed to build note: %v", err)
	}
	k.addCommittedNote(t, note)

	req := mustBuild(t, protocol.NewTransactionRequestBuilder().WithInputNotes(note.ID()))
	_, err = k.executor.Execute(k.store, bob, &req)
	if !errors.Is(err, ErrWrongConsumer) {
		t.Errorf("Expected ErrWrongConsumer, got %v", err)
	}
}

func TestMintIssuance(t *testing.T) {
	k := newKernelEnv(t)
	faucetID := accountID(t, 0xfa00000000000001)
	alice := accountID(t, 0xa100000000000001)
	k.addAccount(t, faucet(faucetID))

	note, err := protocol.NewP2IDNote(k.builder.P2IDScript(), faucetID, alice,
		protocol.NoteAssets{{FaucetID: faucetID, Amount: 2500}}, protocol.NotePublic, nil, k.rng)
	if err != nil {
		t.Fatalf("Failed to build note: %v", err)
	}

	req := mustBuild(t, protocol.NewTransactionRequestBuilder().WithOwnOutputNotes(note))
	executed, err := k.executor.Execute(k.store, faucetID, &req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(executed.CreatedNotes) != 1 {
		t.Fatalf("Expected 1 created note, got %d", len(executed.CreatedNotes))
	}
	if got := executed.FinalAccount.Vault.Balance(faucetID).Uint64(); got != 2500 {
		t.Errorf("Expected issued supply 2500, got %d", got)
	}
}

func TestMintRejectedForNonFaucet(t *testing.T) {
	k := newKernelEnv(t)
	alice := accountID(t, 0xa100000000000001)
	bob := accountID(t, 0xb200000000000001)
	k.addAccount(t, wallet(alice))

	// A wallet emitting an asset issued by itself is a mint attempt.
	note, err := protocol.NewP2IDNote(k.builder.P2IDScript(), alice, bob,
		protocol.NoteAssets{{FaucetID: alice, Amount: 10}}, protocol.NotePublic, nil, k.rng)
	if err != nil {
		t.Fatalf("Failed to build note: %v", err)
	}

	req := mustBuild(t, protocol.NewTransactionRequestBuilder().WithOwnOutputNotes(note))
	_, err = k.executor.Execute(k.store, alice, &req)
	if err == nil {
		t.Fatal("Expected mint rejection, got nil")
	}
}

func TestTransferDebitsVault(t *testing.T) {
	k := newKernelEnv(t)
	faucetID := accountID(t, 0xfa00000000000001)
	alice := accountID(t, 0xa100000000000001)
	bob := accountID(t, 0xb200000000000001)

	funded := wallet(alice)
	funded.Vault.Add(faucetID, 100)
	k.addAccount(t, funded)

	note, err := protocol.NewP2IDNote(k.builder.P2IDScript(), alice, bob,
		protocol.NoteAssets{{FaucetID: faucetID, Amount: 30}}, protocol.NotePrivate, nil, k.rng)
	if err != nil {
		t.Fatalf("Failed to build note: %v", err)
	}

	req := mustBuild(t, protocol.NewTransactionRequestBuilder().WithOwnOutputNotes(note))
	executed, err := k.executor.Execute(k.store, alice, &req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := executed.FinalAccount.Vault.Balance(faucetID).Uint64(); got != 70 {
		t.Errorf("Expected balance 70 after transfer, got %d", got)
	}
}

func TestTransferOverdraw(t *testing.T) {
	k := newKernelEnv(t)
	faucetID := accountID(t, 0xfa00000000000001)
	alice := accountID(t, 0xa100000000000001)
	bob := accountID(t, 0xb200000000000001)

	funded := wallet(alice)
	funded.Vault.Add(faucetID, 100)
	k.addAccount(t, funded)

	note, err := protocol.NewP2IDNote(k.builder.P2IDScript(), alice, bob,
		protocol.NoteAssets{{FaucetID: faucetID, Amount: 200}}, protocol.NotePrivate, nil, k.rng)
	if err != nil {
		t.Fatalf("Failed to build note: %v", err)
	}

	req := mustBuild(t, protocol.NewTransactionRequestBuilder().WithOwnOutputNotes(note))
	_, err = k.executor.Execute(k.store, alice, &req)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}
}

func TestHashLockNote(t *testing.T) {
	k := newKernelEnv(t)
	faucetID := accountID(t, 0xfa00000000000001)
	alice := accountID(t, 0xa100000000000001)
	k.addAccount(t, wallet(alice))

	secret := protocol.WordFromUint64s(1, 2, 3, 4)
	inputs, err := protocol.NewNoteInputs(HashLockCommitment(secret)...)
	if err != nil {
		t.Fatalf("Failed to build inputs: %v", err)
	}
	note := protocol.Note{
		Assets:   protocol.NoteAssets{{FaucetID: faucetID, Amount: 55}},
		Metadata: protocol.NoteMetadata{Sender: faucetID, Type: protocol.NotePublic},
		Recipient: protocol.NoteRecipient{
			SerialNum: k.rng.DrawWord(),
			Script:    k.builder.HashLockScript(),
			Inputs:    inputs,
		},
	}
	k.addCommittedNote(t, note)

	t.Run("correct secret unlocks", func(t *testing.T) {
		req := mustBuild(t, protocol.NewTransactionRequestBuilder().
			WithAuthenticatedInputNote(note.ID(), &secret))
		executed, err := k.executor.Execute(k.store, alice, &req)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if got := executed.FinalAccount.Vault.Balance(faucetID).Uint64(); got != 55 {
			t.Errorf("Expected balance 55, got %d", got)
		}
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		wrong := protocol.WordFromUint64s(4, 3, 2, 1)
		req := mustBuild(t, protocol.NewTransactionRequestBuilder().
			WithAuthenticatedInputNote(note.ID(), &wrong))
		_, err := k.executor.Execute(k.store, alice, &req)
		if !errors.Is(err, ErrUnlockFailed) {
			t.Errorf("Expected ErrUnlockFailed, got %v", err)
		}
	})

	t.Run("missing secret rejected", func(t *testing.T) {
		req := mustBuild(t, protocol.NewTransactionRequestBuilder().WithInputNotes(note.ID()))
		_, err := k.executor.Execute(k.store, alice, &req)
		if !errors.Is(err, ErrUnlockFailed) {
			t.Errorf("Expected ErrUnlockFailed, got %v", err)
		}
	})
}

func chainNote(t *testing.T, k *kernelEnv, sender protocol.AccountID) protocol.Note {
	t.Helper()
	inputs, err := protocol.NewNoteInputs(protocol.NewFelt(1))
	if err != nil {
		t.Fatalf("Failed to build inputs: %v", err)
	}
	return protocol.Note{
		Metadata: protocol.NoteMetadata{Sender: sender, Type: protocol.NotePublic, Tag: 7},
		Recipient: protocol.NoteRecipient{
			SerialNum: protocol.WordFromUint64s(5, 6, 7, 8),
			Script:    k.builder.CountChainScript(),
			Inputs:    inputs,
		},
	}
}

func TestChainNoteEmitsSuccessor(t *testing.T) {
	k := newKernelEnv(t)
	sender := accountID(t, 0xaa00000000000001)
	consumerID := accountID(t, 0xcc00000000000001)
	k.addAccount(t, counter(consumerID, 0))

	note := chainNote(t, k, sender)
	k.addCommittedNote(t, note)

	successor, err := notechain.NextNote(note, consumerID)
	if err != nil {
		t.Fatalf("Failed to derive successor: %v", err)
	}

	req := mustBuild(t, protocol.NewTransactionRequestBuilder().
		WithInputNotes(note.ID()).
		WithExpectedFutureNotes(protocol.ExpectedNote{Details: successor.Details(), Tag: successor.Metadata.Tag}).
		WithExpectedOutputRecipients(successor.Recipient))

	executed, err := k.executor.Execute(k.store, consumerID, &req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	count, err := executed.FinalAccount.Storage.Item("count")
	if err != nil {
		t.Fatalf("Failed to read count: %v", err)
	}
	if count[0].Uint64() != 1 {
		t.Errorf("Expected count 1, got %d", count[0].Uint64())
	}
	if len(executed.CreatedNotes) != 1 {
		t.Fatalf("Expected 1 created note, got %d", len(executed.CreatedNotes))
	}
	created := executed.CreatedNotes[0]
	if created.Recipient.SerialNum[3].Uint64() != 9 {
		t.Errorf("Expected advanced serial 9, got %d", created.Recipient.SerialNum[3].Uint64())
	}
	if !created.Metadata.Sender.Equal(consumerID) {
		t.Errorf("Expected sender rebound to %s, got %s", consumerID, created.Metadata.Sender)
	}
	if created.ID() != successor.ID() {
		t.Error("Expected emitted note to match the pre-declared successor exactly")
	}
}

func TestChainNoteUndeclaredOutput(t *testing.T) {
	k := newKernelEnv(t)
	sender := accountID(t, 0xaa00000000000001)
	consumerID := accountID(t, 0xcc00000000000001)
	k.addAccount(t, counter(consumerID, 0))

	note := chainNote(t, k, sender)
	k.addCommittedNote(t, note)

	// No expected recipients declared: the emitted successor must be
	// rejected, matching the ledger's refusal of free-form outputs.
	req := mustBuild(t, protocol.NewTransactionRequestBuilder().WithInputNotes(note.ID()))
	_, err := k.executor.Execute(k.store, consumerID, &req)
	if !errors.Is(err, ErrOutputNotDeclared) {
		t.Errorf("Expected ErrOutputNotDeclared, got %v", err)
	}
}

func TestDeclaredRecipientNotProduced(t *testing.T) {
	k := newKernelEnv(t)
	consumerID := accountID(t, 0xcc00000000000001)
	k.addAccount(t, counter(consumerID, 0))

	inputs, err := protocol.NewNoteInputs(protocol.NewFelt(9))
	if err != nil {
		t.Fatalf("Failed to build inputs: %v", err)
	}
	phantom := protocol.NoteRecipient{
		SerialNum: protocol.WordFromUint64s(1, 1, 1, 1),
		Script:    k.builder.P2IDScript(),
		Inputs:    inputs,
	}

	req := mustBuild(t, protocol.NewTransactionRequestBuilder().
		WithCustomScript(k.builder.IncrementScript("count")).
		WithExpectedOutputRecipients(phantom))
	_, err = k.executor.Execute(k.store, consumerID, &req)
	if !errors.Is(err, ErrExpectedOutputMissing) {
		t.Errorf("Expected ErrExpectedOutputMissing, got %v", err)
	}
}

func TestIncrementScript(t *testing.T) {
	k := newKernelEnv(t)
	consumerID := accountID(t, 0xcc00000000000001)
	k.addAccount(t, counter(consumerID, 41))

	req := mustBuild(t, protocol.NewTransactionRequestBuilder().
		WithCustomScript(k.builder.IncrementScript("count")))
	executed, err := k.executor.Execute(k.store, consumerID, &req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	count, err := executed.FinalAccount.Storage.Item("count")
	if err != nil {
		t.Fatalf("Failed to read count: %v", err)
	}
	if count[0].Uint64() != 42 {
		t.Errorf("Expected count 42, got %d", count[0].Uint64())
	}
}

func TestCopyCountScript(t *testing.T) {
	k := newKernelEnv(t)
	localID := accountID(t, 0xcc00000000000001)
	foreignID := accountID(t, 0xdd00000000000001)
	k.addAccount(t, counter(localID, 0))
	k.addAccount(t, counter(foreignID, 5))

	t.Run("declared read succeeds", func(t *testing.T) {
		req := mustBuild(t, protocol.NewTransactionRequestBuilder().
			WithCustomScript(k.builder.CopyCountScript(foreignID, "count")).
			WithForeignAccounts(protocol.NewForeignAccountRequirement(foreignID)))
		executed, err := k.executor.Execute(k.store, localID, &req)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		count, err := executed.FinalAccount.Storage.Item("count")
		if err != nil {
			t.Fatalf("Failed to read count: %v", err)
		}
		if count[0].Uint64() != 5 {
			t.Errorf("Expected copied count 5, got %d", count[0].Uint64())
		}
	})

	t.Run("undeclared read fails", func(t *testing.T) {
		req := mustBuild(t, protocol.NewTransactionRequestBuilder().
			WithCustomScript(k.builder.CopyCountScript(foreignID, "count")))
		_, err := k.executor.Execute(k.store, localID, &req)
		if !errors.Is(err, ErrUndeclaredForeignRead) {
			t.Errorf("Expected ErrUndeclaredForeignRead, got %v", err)
		}
	})

	t.Run("declared but untracked fails", func(t *testing.T) {
		missing := accountID(t, 0xee00000000000001)
		req := mustBuild(t, protocol.NewTransactionRequestBuilder().
			WithCustomScript(k.builder.CopyCountScript(missing, "count")).
			WithForeignAccounts(protocol.NewForeignAccountRequirement(missing)))
		_, err := k.executor.Execute(k.store, localID, &req)
		if !errors.Is(err, ErrForeignUnavailable) {
			t.Errorf("Expected ErrForeignUnavailable, got %v", err)
		}
	})
}

func publisher(id protocol.AccountID, pair protocol.Word, price uint64) *protocol.Account {
	acct := &protocol.Account{
		ID:          id,
		Type:        protocol.AccountContract,
		StorageMode: protocol.StoragePublic,
		Storage: protocol.AccountStorage{Slots: []protocol.StorageSlot{
			protocol.NewMapSlot("prices"),
		}},
	}
	acct.Storage.SetMapItem("prices", pair, protocol.WordFromUint64s(price, 0, 0, 0))
	return acct
}

func TestReadPriceScript(t *testing.T) {
	k := newKernelEnv(t)
	pair := protocol.WordFromUint64s(120195681, 0, 0, 0)
	oracleID := accountID(t, 0x0a00000000000001)
	p1 := accountID(t, 0x0b00000000000001)
	p2 := accountID(t, 0x0c00000000000001)
	p3 := accountID(t, 0x0d00000000000001)
	readerID := accountID(t, 0x0e00000000000001)

	oracle := &protocol.Account{
		ID:          oracleID,
		Type:        protocol.AccountContract,
		StorageMode: protocol.StoragePublic,
		Storage: protocol.AccountStorage{Slots: []protocol.StorageSlot{
			protocol.NewValueSlot("publisher_count", protocol.WordFromUint64s(4, 0, 0, 0)),
			protocol.NewValueSlot("publisher_0", p1.Word()),
			protocol.NewValueSlot("publisher_1", p2.Word()),
			protocol.NewValueSlot("publisher_2", p3.Word()),
		}},
	}
	k.addAccount(t, oracle)
	k.addAccount(t, publisher(p1, pair, 30))
	k.addAccount(t, publisher(p2, pair, 10))
	k.addAccount(t, publisher(p3, pair, 20))

	reader := &protocol.Account{
		ID:          readerID,
		Type:        protocol.AccountContract,
		StorageMode: protocol.StoragePublic,
		Storage: protocol.AccountStorage{Slots: []protocol.StorageSlot{
			protocol.NewValueSlot("price", protocol.Word{}),
		}},
	}
	k.addAccount(t, reader)

	script := k.builder.ReadPriceScript(oracleID, pair, "price")

	t.Run("full declaration yields median", func(t *testing.T) {
		req := mustBuild(t, protocol.NewTransactionRequestBuilder().
			WithCustomScript(script).
			WithForeignAccounts(
				protocol.NewForeignAccountRequirement(p1, protocol.StorageKeyRequirement{Slot: "prices"}),
				protocol.NewForeignAccountRequirement(p2, protocol.StorageKeyRequirement{Slot: "prices"}),
				protocol.NewForeignAccountRequirement(p3, protocol.StorageKeyRequirement{Slot: "prices"}),
				protocol.NewForeignAccountRequirement(oracleID),
			))
		executed, err := k.executor.Execute(k.store, readerID, &req)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		price, err := executed.FinalAccount.Storage.Item("price")
		if err != nil {
			t.Fatalf("Failed to read price: %v", err)
		}
		if price[0].Uint64() != 20 {
			t.Errorf("Expected median 20, got %d", price[0].Uint64())
		}
	})

	t.Run("missing publisher declaration is unprovable", func(t *testing.T) {
		req := mustBuild(t, protocol.NewTransactionRequestBuilder().
			WithCustomScript(script).
			WithForeignAccounts(
				protocol.NewForeignAccountRequirement(p1, protocol.StorageKeyRequirement{Slot: "prices"}),
				protocol.NewForeignAccountRequirement(oracleID),
			))
		_, err := k.executor.Execute(k.store, readerID, &req)
		if !errors.Is(err, ErrUndeclaredForeignRead) {
			t.Errorf("Expected ErrUndeclaredForeignRead, got %v", err)
		}
	})
}

func TestInputNoteStates(t *testing.T) {
	k := newKernelEnv(t)
	faucetID := accountID(t, 0xfa00000000000001)
	alice := accountID(t, 0xa100000000000001)
	k.addAccount(t, wallet(alice))

	note, err := protocol.NewP2IDNote(k.builder.P2IDScript(), faucetID, alice,
		nil, protocol.NotePublic, nil, k.rng)
	if err != nil {
		t.Fatalf("Failed to build note: %v", err)
	}

	t.Run("unknown note", func(t *testing.T) {
		req := mustBuild(t, protocol.NewTransactionRequestBuilder().WithInputNotes(note.ID()))
		_, err := k.executor.Execute(k.store, alice, &req)
		if !errors.Is(err, ErrNoteUnknown) {
			t.Errorf("Expected ErrNoteUnknown, got %v", err)
		}
	})

	t.Run("expected note not yet committed", func(t *testing.T) {
		if err := k.store.PutNote(&protocol.NoteRecord{Note: note, Status: protocol.NoteExpected}); err != nil {
			t.Fatalf("Failed to store note: %v", err)
		}
		req := mustBuild(t, protocol.NewTransactionRequestBuilder().WithInputNotes(note.ID()))
		_, err := k.executor.Execute(k.store, alice, &req)
		if !errors.Is(err, ErrNoteNotCommitted) {
			t.Errorf("Expected ErrNoteNotCommitted, got %v", err)
		}
	})

	t.Run("consumed note rejected", func(t *testing.T) {
		if err := k.store.PutNote(&protocol.NoteRecord{Note: note, Status: protocol.NoteCommitted, BlockNum: 1}); err != nil {
			t.Fatalf("Failed to store note: %v", err)
		}
		if err := k.store.MarkNoteConsumed(note.ID(), 2); err != nil {
			t.Fatalf("Failed to mark consumed: %v", err)
		}
		req := mustBuild(t, protocol.NewTransactionRequestBuilder().WithInputNotes(note.ID()))
		_, err := k.executor.Execute(k.store, alice, &req)
		if !errors.Is(err, ErrNoteConsumed) {
			t.Errorf("Expected ErrNoteConsumed, got %v", err)
		}
	})
}

func TestUnauthenticatedInput(t *testing.T) {
	k := newKernelEnv(t)
	faucetID := accountID(t, 0xfa00000000000001)
	alice := accountID(t, 0xa100000000000001)
	k.addAccount(t, wallet(alice))

	note, err := protocol.NewP2IDNote(k.builder.P2IDScript(), faucetID, alice,
		protocol.NoteAssets{{FaucetID: faucetID, Amount: 12}}, protocol.NotePrivate, nil, k.rng)
	if err != nil {
		t.Fatalf("Failed to build note: %v", err)
	}

	// The note was handed over out of band and is not in the store.
	req := mustBuild(t, protocol.NewTransactionRequestBuilder().WithUnauthenticatedInputNote(note, nil))
	executed, err := k.executor.Execute(k.store, alice, &req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := executed.FinalAccount.Vault.Balance(faucetID).Uint64(); got != 12 {
		t.Errorf("Expected balance 12, got %d", got)
	}
}

func TestExecuteAccountStates(t *testing.T) {
	k := newKernelEnv(t)
	ghost := accountID(t, 0xab00000000000001)

	req := mustBuild(t, protocol.NewTransactionRequestBuilder())
	if _, err := k.executor.Execute(k.store, ghost, &req); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("Expected ErrUnknownAccount, got %v", err)
	}

	if err := k.store.PutAccount(&protocol.AccountRecord{ID: ghost}); err != nil {
		t.Fatalf("Failed to store record: %v", err)
	}
	if _, err := k.executor.Execute(k.store, ghost, &req); !errors.Is(err, ErrPartialAccount) {
		t.Errorf("Expected ErrPartialAccount, got %v", err)
	}
}

func TestUnknownScriptRoots(t *testing.T) {
	k := newKernelEnv(t)
	alice := accountID(t, 0xa100000000000001)
	k.addAccount(t, wallet(alice))

	// A note whose script was never compiled through the builder.
	inputs, err := protocol.NewNoteInputs(alice.Suffix, alice.Prefix)
	if err != nil {
		t.Fatalf("Failed to build inputs: %v", err)
	}
	note := protocol.Note{
		Metadata: protocol.NoteMetadata{Sender: alice, Type: protocol.NotePublic},
		Recipient: protocol.NoteRecipient{
			SerialNum: protocol.WordFromUint64s(1, 2, 3, 4),
			Script:    protocol.NoteScript{Root: scriptRoot("note/unregistered@1")},
			Inputs:    inputs,
		},
	}
	k.addCommittedNote(t, note)

	req := mustBuild(t, protocol.NewTransactionRequestBuilder().WithInputNotes(note.ID()))
	if _, err := k.executor.Execute(k.store, alice, &req); !errors.Is(err, ErrUnknownScript) {
		t.Errorf("Expected ErrUnknownScript for note script, got %v", err)
	}

	req = mustBuild(t, protocol.NewTransactionRequestBuilder().
		WithCustomScript(protocol.TransactionScript{Root: scriptRoot("tx/unregistered@1")}))
	if _, err := k.executor.Execute(k.store, alice, &req); !errors.Is(err, ErrUnknownScript) {
		t.Errorf("Expected ErrUnknownScript for transaction script, got %v", err)
	}
}

func TestTransactionDigest(t *testing.T) {
	alice := accountID(t, 0xa100000000000001)
	bob := accountID(t, 0xb200000000000001)
	initial := scriptRoot("state/a")
	final := scriptRoot("state/b")
	consumed := []protocol.NoteID{protocol.NoteID(scriptRoot("note/x"))}

	base := TransactionDigest(alice, initial, final, consumed, nil)
	if base != TransactionDigest(alice, initial, final, consumed, nil) {
		t.Error("Expected deterministic digest")
	}
	if base == TransactionDigest(bob, initial, final, consumed, nil) {
		t.Error("Expected account to change the digest")
	}
	if base == TransactionDigest(alice, final, initial, consumed, nil) {
		t.Error("Expected commitment order to change the digest")
	}
	if base == TransactionDigest(alice, initial, final, nil, nil) {
		t.Error("Expected consumed notes to change the digest")
	}
}

func TestLocalProver(t *testing.T) {
	k := newKernelEnv(t)
	alice := accountID(t, 0xa100000000000001)
	k.addAccount(t, wallet(alice))

	req := mustBuild(t, protocol.NewTransactionRequestBuilder())
	executed, err := k.executor.Execute(k.store, alice, &req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	proven, err := NewLocalProver().Prove(context.Background(), executed)
	if err != nil {
		t.Fatalf("Prove failed: %v", err)
	}
	if proven.FinalCommitment != executed.FinalAccount.Commitment() {
		t.Error("Expected final commitment to match the account state")
	}
	if proven.Account == nil {
		t.Error("Expected public account state in the proven transaction")
	}
	if len(proven.Proof) != 96 {
		t.Errorf("Expected 96 proof bytes, got %d", len(proven.Proof))
	}

	t.Run("private account state withheld", func(t *testing.T) {
		executed.FinalAccount.StorageMode = protocol.StoragePrivate
		proven, err := NewLocalProver().Prove(context.Background(), executed)
		if err != nil {
			t.Fatalf("Prove failed: %v", err)
		}
		if proven.Account != nil {
			t.Error("Expected private account state to be withheld")
		}
	})
}
