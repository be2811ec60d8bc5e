package rpc

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewHTTPClient_NoDelay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	config := NetworkConfig{
		DelayEnabled: false,
		MinDelayMs:   100,
		MaxDelayMs:   200,
	}

	client := NewHTTPClient(config, 5*time.Second)

	start := time.Now()
	resp, err := client.Get(server.URL)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	// Should complete quickly without delay
	if elapsed > 50*time.Millisecond {
		t.Errorf("Request took too long without delay: %v", elapsed)
	}
}

func TestNewHTTPClient_WithDelay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	config := NetworkConfig{
		DelayEnabled: true,
		MinDelayMs:   30,
		MaxDelayMs:   60,
	}

	client := NewHTTPClient(config, 5*time.Second)

	start := time.Now()
	resp, err := client.Get(server.URL)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	minExpected := 30 * time.Millisecond
	if elapsed < minExpected {
		t.Errorf("Request too fast: %v (expected >= %v)", elapsed, minExpected)
	}

	maxAllowed := 60*time.Millisecond + 50*time.Millisecond
	if elapsed > maxAllowed {
		t.Errorf("Request took too long: %v (expected <= %v)", elapsed, maxAllowed)
	}
}

func TestNewHTTPClient_FixedDelay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// max == min means a fixed delay.
	config := NetworkConfig{
		DelayEnabled: true,
		MinDelayMs:   30,
		MaxDelayMs:   30,
	}

	client := NewHTTPClient(config, 5*time.Second)

	start := time.Now()
	resp, err := client.Get(server.URL)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if elapsed < 30*time.Millisecond {
		t.Errorf("Request too fast: %v (expected >= 30ms)", elapsed)
	}
}
