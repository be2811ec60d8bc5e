package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/ev0r0x/miden-tutorials/config"
	"github.com/ev0r0x/miden-tutorials/internal/ledger"
	"github.com/ev0r0x/miden-tutorials/internal/orchestrator"
	"github.com/ev0r0x/miden-tutorials/internal/rpc"
	"github.com/ev0r0x/miden-tutorials/internal/store"
)

func main() {
	endpoint := flag.String("endpoint", "", "Node endpoint URL (empty = use config.json)")
	storePath := flag.String("store", "", "Path for persistent ledger storage (empty = in-memory)")
	planName := flag.String("plan", "transfer-chain", "Demo plan to run")
	flag.Parse()

	// Load config first (primary source of truth)
	cfg, err := config.LoadDefault()
	var networkConfig rpc.NetworkConfig
	pollInterval := 500 * time.Millisecond
	pollAttempts := 120
	if err != nil {
		log.Printf("No config.json found, using defaults")
	} else {
		// Use config.json values as defaults
		if *endpoint == "" && cfg.Endpoint != "" {
			*endpoint = cfg.Endpoint
		}
		if *storePath == "" && cfg.StorePath != "" {
			*storePath = cfg.StorePath
		}
		networkConfig = cfg.Network
		if networkConfig.DelayEnabled {
			log.Printf("Network delay simulation enabled: %d-%dms",
				networkConfig.MinDelayMs, networkConfig.MaxDelayMs)
		}
		if cfg.PollIntervalMs > 0 {
			pollInterval = time.Duration(cfg.PollIntervalMs) * time.Millisecond
		}
		if cfg.PollMaxAttempts > 0 {
			pollAttempts = cfg.PollMaxAttempts
		}
	}

	// Allow environment variable overrides (for backward compatibility)
	if envEndpoint := os.Getenv("NODE_ENDPOINT"); envEndpoint != "" {
		*endpoint = envEndpoint
	}

	if envStore := os.Getenv("LEDGER_STORE_PATH"); envStore != "" {
		*storePath = envStore
	}

	if envPlan := os.Getenv("PLAN"); envPlan != "" {
		*planName = envPlan
	}

	// Final fallback if still not set
	if *endpoint == "" {
		*endpoint = "http://localhost:57291"
	}

	st, err := store.NewLevelStore(*storePath)
	if err != nil {
		log.Fatalf("Failed to open ledger store: %v", err)
	}

	client, err := ledger.NewClient(ledger.Config{
		NodeURL: *endpoint,
		Store:   st,
		Network: networkConfig,
	})
	if err != nil {
		log.Fatalf("Failed to create ledger client: %v", err)
	}
	defer client.Close()

	plan, err := orchestrator.BuildPlan(*planName, client)
	if err != nil {
		log.Fatalf("Failed to build plan: %v", err)
	}

	log.Printf("Running plan %q against %s", plan.Name, *endpoint)
	orch := orchestrator.New(client, pollInterval, pollAttempts)
	txIDs, err := orch.Run(context.Background(), plan)
	for i, id := range txIDs {
		log.Printf("Step transaction %d: %s", i+1, id)
	}
	if err != nil {
		log.Fatalf("Plan %q failed: %v", plan.Name, err)
	}
	log.Printf("Plan %q finished with %d transactions", plan.Name, len(txIDs))
}
