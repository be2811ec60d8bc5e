package main

import (
	"flag"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/ev0r0x/miden-tutorials/internal/node"
)

func main() {
	port := flag.Int("port", 57291, "HTTP port")
	blockTime := flag.Int("block-time-ms", 3000, "Block production interval in milliseconds")
	flag.Parse()

	// Allow environment variable override
	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			*port = p
		}
	}

	if envBlockTime := os.Getenv("BLOCK_TIME_MS"); envBlockTime != "" {
		if ms, err := strconv.Atoi(envBlockTime); err == nil {
			*blockTime = ms
		}
	}

	server := node.NewServer(time.Duration(*blockTime) * time.Millisecond)
	defer server.Close()
	log.Fatal(server.Start(*port))
}
