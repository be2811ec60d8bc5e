package main

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/ev0r0x/miden-tutorials/config"
	"github.com/ev0r0x/miden-tutorials/internal/protocol"
	"github.com/ev0r0x/miden-tutorials/internal/store"
)

const testAccountNum = 10

// addressHRP is the human-readable prefix for devnet addresses.
const addressHRP = "mdev"

func main() {
	// Create the storage directory
	err := os.MkdirAll("./storage/ledger_store/", 0755)
	if err != nil {
		panic(err)
	}

	accounts := DeriveAccounts(testAccountNum)

	// Generate address.txt file with deterministic addresses
	err = WriteAddressFile(accounts)
	if err != nil {
		panic(err)
	}

	SeedStore(accounts)
}

// DeriveAccounts builds the deterministic devnet account set: one
// faucet followed by wallets, each identifier derived from a fixed
// seed string so every run produces the same set.
func DeriveAccounts(n int) []*protocol.Account {
	accounts := make([]*protocol.Account, 0, n+1)
	accounts = append(accounts, deterministicAccount("ledger-test-faucet", protocol.AccountFaucet))
	for i := 0; i < n; i++ {
		seed := fmt.Sprintf("ledger-test-account-%d", i)
		accounts = append(accounts, deterministicAccount(seed, protocol.AccountWallet))
	}
	return accounts
}

func deterministicAccount(seed string, typ protocol.AccountType) *protocol.Account {
	hash := sha256.Sum256([]byte(seed))
	prefix := protocol.NewFelt(binary.LittleEndian.Uint64(hash[:8]))
	for prefix.IsZero() {
		prefix = prefix.Add(protocol.NewFelt(1))
	}
	id, err := protocol.NewAccountID(prefix, protocol.NewFelt(binary.LittleEndian.Uint64(hash[8:16])))
	if err != nil {
		panic(err)
	}
	return &protocol.Account{ID: id, Type: typ, StorageMode: protocol.StoragePublic}
}

func WriteAddressFile(accounts []*protocol.Account) error {
	file, err := os.Create("./storage/address.txt")
	if err != nil {
		return err
	}
	defer file.Close()

	for _, acct := range accounts {
		addr, err := acct.ID.Bech32(addressHRP)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(file, addr); err != nil {
			return err
		}
	}
	return nil
}

// SeedStore writes full records for the derived accounts into the
// ledger store named by config.json, falling back to the local
// storage directory.
func SeedStore(accounts []*protocol.Account) {
	storePath := "./storage/ledger_store"
	if cfg, err := config.LoadDefault(); err == nil && cfg.StorePath != "" {
		storePath = cfg.StorePath
	}

	st, err := store.NewLevelStore(storePath)
	if err != nil {
		panic(err)
	}

	for _, acct := range accounts {
		rec := &protocol.AccountRecord{ID: acct.ID, Commitment: acct.Commitment(), Account: acct}
		if err := st.PutAccount(rec); err != nil {
			panic(err)
		}
		fmt.Printf("Seeded %s account %s\n", acct.Type, acct.ID)
	}

	if err := st.Close(); err != nil {
		panic(err)
	}
	fmt.Printf("Seeded %d accounts into %s\n", len(accounts), storePath)
}
