package orchestrator

import (
	"fmt"

	"github.com/ev0r0x/miden-tutorials/internal/ledger"
	"github.com/ev0r0x/miden-tutorials/internal/notechain"
	"github.com/ev0r0x/miden-tutorials/internal/protocol"
)

// btcUsdPair is "BTC/USD" packed into the first component of a word,
// the way publishers key their price maps.
var btcUsdPair = protocol.WordFromUint64s(0x4254432f555344, 0, 0, 0)

// PlanNames lists the demo plans BuildPlan knows.
func PlanNames() []string {
	return []string{"counter", "note-chain", "oracle-read", "transfer-chain", "network-counter"}
}

// BuildPlan assembles a named demo plan. Accounts are freshly drawn
// from the client's randomness source, so repeated runs never collide.
func BuildPlan(name string, client *ledger.Client) (Plan, error) {
	switch name {
	case "counter":
		return counterPlan(client)
	case "note-chain":
		return noteChainPlan(client)
	case "oracle-read":
		return oracleReadPlan(client)
	case "transfer-chain":
		return transferChainPlan(client)
	case "network-counter":
		return networkCounterPlan(client)
	default:
		return Plan{}, fmt.Errorf("unknown plan %q, have %v", name, PlanNames())
	}
}

// counterPlan deploys a public counter contract, increments it three
// times through its transaction script, and polls the slot to confirm
// the node agrees.
func counterPlan(client *ledger.Client) (Plan, error) {
	counter := counterContract(client, protocol.StoragePublic)
	increment := client.CodeBuilder().IncrementScript("count")
	return Plan{Name: "counter", Steps: []Step{
		{Kind: StepDeployAccount, Actor: counter.ID, Account: counter, Await: true},
		{Kind: StepScriptCall, Actor: counter.ID, Script: increment, Await: true},
		{Kind: StepScriptCall, Actor: counter.ID, Script: increment, Await: true},
		{Kind: StepScriptCall, Actor: counter.ID, Script: increment, Await: true},
		{Kind: StepPollStorage, Actor: counter.ID, Slot: "count", MinCount: 3},
	}}, nil
}

// noteChainPlan seeds a self-propagating counter chain and advances it
// twice. Each consumption increments the consumer's count slot and
// emits the successor link, whose serial number the consuming
// transaction declared in advance.
func noteChainPlan(client *ledger.Client) (Plan, error) {
	chainer := counterContract(client, protocol.StoragePublic)
	genesis := protocol.Note{
		Metadata: protocol.NoteMetadata{
			Sender: chainer.ID,
			Type:   protocol.NotePublic,
			Tag:    protocol.TagForAccount(chainer.ID),
		},
		Recipient: notechain.BuildInitial(client.CodeBuilder().CountChainScript(), protocol.NoteInputs{}, client.Rng()),
	}
	return Plan{Name: "note-chain", Steps: []Step{
		{Kind: StepDeployAccount, Actor: chainer.ID, Account: chainer, Await: true},
		{Kind: StepEmitNote, Actor: chainer.ID, Note: &genesis, Await: true},
		{Kind: StepChainConsume, Actor: chainer.ID, Await: true},
		{Kind: StepChainConsume, Actor: chainer.ID, Await: true},
		{Kind: StepPollStorage, Actor: chainer.ID, Slot: "count", MinCount: 2},
	}}, nil
}

// oracleReadPlan deploys two price publishers, an oracle whose storage
// names them, and a reader that queries the oracle. The read resolves
// the oracle's full dependency set first, then stores the median price
// on the reader, where the final step confirms it.
func oracleReadPlan(client *ledger.Client) (Plan, error) {
	pub1, err := publisherAccount(client, btcUsdPair, 50000)
	if err != nil {
		return Plan{}, err
	}
	pub2, err := publisherAccount(client, btcUsdPair, 50500)
	if err != nil {
		return Plan{}, err
	}
	oracle := &protocol.Account{
		ID:          protocol.NewRandomAccountID(client.Rng()),
		Type:        protocol.AccountContract,
		StorageMode: protocol.StoragePublic,
		Storage: protocol.AccountStorage{Slots: []protocol.StorageSlot{
			protocol.NewValueSlot("publisher_count", protocol.WordFromUint64s(3, 0, 0, 0)),
			protocol.NewValueSlot("publisher_0", pub1.ID.Word()),
			protocol.NewValueSlot("publisher_1", pub2.ID.Word()),
		}},
	}
	reader := &protocol.Account{
		ID:          protocol.NewRandomAccountID(client.Rng()),
		Type:        protocol.AccountContract,
		StorageMode: protocol.StoragePublic,
		Storage: protocol.AccountStorage{Slots: []protocol.StorageSlot{
			protocol.NewValueSlot("price", protocol.Word{}),
		}},
	}
	script := client.CodeBuilder().ReadPriceScript(oracle.ID, btcUsdPair, "price")
	oracleID := oracle.ID
	return Plan{Name: "oracle-read", Steps: []Step{
		{Kind: StepDeployAccount, Actor: pub1.ID, Account: pub1, Await: true},
		{Kind: StepDeployAccount, Actor: pub2.ID, Account: pub2, Await: true},
		{Kind: StepDeployAccount, Actor: oracle.ID, Account: oracle, Await: true},
		{Kind: StepDeployAccount, Actor: reader.ID, Account: reader, Await: true},
		{Kind: StepScriptCall, Actor: reader.ID, Script: script, ForeignRoot: &oracleID, Await: true},
		{Kind: StepPollStorage, Actor: reader.ID, Slot: "price", MinCount: 50250},
	}}, nil
}

// transferChainPlan walks the full asset path: a faucet mints to alice,
// alice consumes and pays bob, bob waits for the note and consumes it.
// The deploys are left unawaited so the mint pipelines onto the
// faucet's pending deployment.
func transferChainPlan(client *ledger.Client) (Plan, error) {
	faucet := walletAccount(client, protocol.AccountFaucet)
	alice := walletAccount(client, protocol.AccountWallet)
	bob := walletAccount(client, protocol.AccountWallet)

	payment, err := protocol.NewP2IDNote(client.CodeBuilder().P2IDScript(), alice.ID, bob.ID,
		protocol.NoteAssets{{FaucetID: faucet.ID, Amount: 40}}, protocol.NotePublic, nil, client.Rng())
	if err != nil {
		return Plan{}, err
	}
	return Plan{Name: "transfer-chain", Steps: []Step{
		{Kind: StepDeployAccount, Actor: faucet.ID, Account: faucet},
		{Kind: StepDeployAccount, Actor: alice.ID, Account: alice},
		{Kind: StepDeployAccount, Actor: bob.ID, Account: bob},
		{Kind: StepMint, Actor: faucet.ID, Target: alice.ID, Amount: 100, Await: true},
		{Kind: StepConsumeNotes, Actor: alice.ID, Await: true},
		{Kind: StepEmitNote, Actor: alice.ID, Note: &payment, Await: true},
		{Kind: StepAwaitNotes, Actor: bob.ID, MinNotes: 1},
		{Kind: StepConsumeNotes, Actor: bob.ID, Await: true},
	}}, nil
}

// networkCounterPlan deploys a network-mode counter and sends it an
// increment note carrying a network attachment. The node's own worker
// consumes the note, so the plan just polls until the count moves.
func networkCounterPlan(client *ledger.Client) (Plan, error) {
	sender := walletAccount(client, protocol.AccountWallet)
	counter := counterContract(client, protocol.StorageNetwork)
	note := protocol.Note{
		Metadata: protocol.NoteMetadata{
			Sender:     sender.ID,
			Type:       protocol.NotePublic,
			Tag:        protocol.TagForAccount(counter.ID),
			Attachment: &protocol.NetworkAccountTarget{Account: counter.ID},
		},
		Recipient: protocol.NoteRecipient{
			SerialNum: client.Rng().DrawWord(),
			Script:    client.CodeBuilder().IncrementNoteScript(),
		},
	}
	return Plan{Name: "network-counter", Steps: []Step{
		{Kind: StepDeployAccount, Actor: sender.ID, Account: sender, Await: true},
		{Kind: StepDeployAccount, Actor: counter.ID, Account: counter, Await: true},
		{Kind: StepEmitNote, Actor: sender.ID, Note: &note, Await: true},
		{Kind: StepPollStorage, Actor: counter.ID, Slot: "count", MinCount: 1},
	}}, nil
}

func walletAccount(client *ledger.Client, typ protocol.AccountType) *protocol.Account {
	return &protocol.Account{
		ID:          protocol.NewRandomAccountID(client.Rng()),
		Type:        typ,
		StorageMode: protocol.StoragePublic,
	}
}

func counterContract(client *ledger.Client, mode protocol.StorageMode) *protocol.Account {
	return &protocol.Account{
		ID:          protocol.NewRandomAccountID(client.Rng()),
		Type:        protocol.AccountContract,
		StorageMode: mode,
		Storage: protocol.AccountStorage{Slots: []protocol.StorageSlot{
			protocol.NewValueSlot("count", protocol.Word{}),
		}},
	}
}

func publisherAccount(client *ledger.Client, pair protocol.Word, price uint64) (*protocol.Account, error) {
	acct := &protocol.Account{
		ID:          protocol.NewRandomAccountID(client.Rng()),
		Type:        protocol.AccountContract,
		StorageMode: protocol.StoragePublic,
		Storage: protocol.AccountStorage{Slots: []protocol.StorageSlot{
			protocol.NewMapSlot("prices"),
		}},
	}
	if err := acct.Storage.SetMapItem("prices", pair, protocol.WordFromUint64s(price, 0, 0, 0)); err != nil {
		return nil, err
	}
	return acct, nil
}
