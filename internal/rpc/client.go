package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ev0r0x/miden-tutorials/internal/protocol"
)

const defaultTimeout = 30 * time.Second

// StatusError is a non-2xx answer from the node.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("node returned status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("node returned status %d", e.Code)
}

// IsNotFound reports whether err is the node saying "no such object".
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// NodeClient speaks the node's HTTP API.
type NodeClient struct {
	endpoint string
	http     *http.Client
}

// NewNodeClient builds a client for the node at endpoint, e.g.
// "http://localhost:8080".
func NewNodeClient(endpoint string, config NetworkConfig, timeout time.Duration) *NodeClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &NodeClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     NewHTTPClient(config, timeout),
	}
}

func (c *NodeClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *NodeClient) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		return &StatusError{Code: resp.StatusCode, Message: er.Error}
	}
	return &StatusError{Code: resp.StatusCode}
}

// SyncState queries the node for the current view of the client's
// tracked objects.
func (c *NodeClient) SyncState(ctx context.Context, req SyncStateRequest) (*SyncStateResponse, error) {
	var out SyncStateResponse
	if err := c.postJSON(ctx, "/v1/sync", req, &out); err != nil {
		return nil, fmt.Errorf("sync state: %w", err)
	}
	return &out, nil
}

// Account fetches the node's record for one account. A nil record with
// a nil error means the node does not know the account.
func (c *NodeClient) Account(ctx context.Context, id protocol.AccountID) (*protocol.AccountRecord, error) {
	var out AccountResponse
	if err := c.getJSON(ctx, "/v1/accounts/"+id.String(), &out); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch account %s: %w", id, err)
	}
	return &out.Record, nil
}

// Note fetches the node's record for one note, nil when unknown.
func (c *NodeClient) Note(ctx context.Context, id protocol.NoteID) (*protocol.NoteRecord, error) {
	var out NoteResponse
	if err := c.getJSON(ctx, "/v1/notes/"+id.String(), &out); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch note %s: %w", id, err)
	}
	return &out.Record, nil
}

// Transaction fetches the node's record for one transaction, nil when
// unknown.
func (c *NodeClient) Transaction(ctx context.Context, id protocol.TransactionID) (*protocol.TransactionRecord, error) {
	var out TransactionResponse
	if err := c.getJSON(ctx, "/v1/transactions/"+id.String(), &out); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch transaction %s: %w", id, err)
	}
	return &out.Record, nil
}

// SubmitTransaction hands a proven transaction to the node for
// inclusion in a coming block.
func (c *NodeClient) SubmitTransaction(ctx context.Context, proven protocol.ProvenTransaction) (*SubmitTransactionResponse, error) {
	var out SubmitTransactionResponse
	if err := c.postJSON(ctx, "/v1/transactions", SubmitTransactionRequest{Transaction: proven}, &out); err != nil {
		return nil, fmt.Errorf("submit transaction: %w", err)
	}
	return &out, nil
}

// Info fetches the node's self-description.
func (c *NodeClient) Info(ctx context.Context) (*NodeInfoResponse, error) {
	var out NodeInfoResponse
	if err := c.getJSON(ctx, "/info", &out); err != nil {
		return nil, fmt.Errorf("fetch node info: %w", err)
	}
	return &out, nil
}

// Health pings the node.
func (c *NodeClient) Health(ctx context.Context) error {
	var out HealthResponse
	if err := c.getJSON(ctx, "/health", &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("node unhealthy: %s", out.Status)
	}
	return nil
}
