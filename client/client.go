package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Client talks to a txflow node's HTTP API.
type Client struct {
	baseURL string // baseURL is the API root, e.g. "http://127.0.0.1:8080"
}

// Status is the node progress reported by GET /status.
type Status struct {
	Epoch    uint64   `json:"epoch"`    // Epoch is the node's current proposal epoch
	Orphans  int      `json:"orphans"`  // Orphans is the number of messages waiting on parents
	Messages int      `json:"messages"` // Messages is the DAG size
	Tips     []string `json:"tips"`     // Tips are hex hashes of messages without children
}

// Proposal is the result of POST /messages.
type Proposal struct {
	Hash  string `json:"hash"`  // Hash is the hex hash of the new message
	Epoch uint64 `json:"epoch"` // Epoch is the epoch the message was proposed in
}

// Message is an admitted DAG message.
type Message struct {
	Hash    string   `json:"hash"`
	Epoch   uint64   `json:"epoch"`
	Author  string   `json:"author"`
	Parents []string `json:"parents"`
	Payload string   `json:"payload"` // Payload is hex encoded
}

// Certificate summarizes an epoch's aggregated endorsement.
type Certificate struct {
	Signers   []int  `json:"signers"`
	Weight    uint64 `json:"weight"`
	Signature string `json:"signature"`
}

// Epoch is the outcome of one epoch as reported by GET /epochs/{n}.
type Epoch struct {
	Epoch          uint64       `json:"epoch"`
	State          string       `json:"state"`
	Representative string       `json:"representative,omitempty"`
	Certificate    *Certificate `json:"certificate,omitempty"`
}

// Endorsed reports whether the epoch reached its endorsement threshold.
func (e *Epoch) Endorsed() bool {
	return e.Certificate != nil
}

// New creates a client for the node API at addr ("host:port" or a full URL).
func New(addr string) *Client {
	if u, err := url.Parse(addr); err == nil && u.Scheme != "" && u.Host != "" {
		return &Client{baseURL: addr}
	}

	return &Client{baseURL: "http://" + addr}
}

// Propose submits payload for inclusion in a new message.
func (c *Client) Propose(ctx context.Context, payload []byte) (*Proposal, error) {
	var p Proposal
	if err := httpPost(ctx, c.baseURL+"/messages", payload, &p); err != nil {
		return nil, fmt.Errorf("propose:\n%w", err)
	}

	return &p, nil
}

// Status fetches the node's progress.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := httpGet(ctx, c.baseURL+"/status", &s); err != nil {
		return nil, fmt.Errorf("status:\n%w", err)
	}

	return &s, nil
}

// Message fetches an admitted message by hex hash.
func (c *Client) Message(ctx context.Context, hash string) (*Message, error) {
	var m Message
	if err := httpGet(ctx, c.baseURL+"/messages/"+url.PathEscape(hash), &m); err != nil {
		return nil, fmt.Errorf("message %s:\n%w", hash, err)
	}

	return &m, nil
}

// PayloadBytes decodes the hex payload.
func (m *Message) PayloadBytes() ([]byte, error) {
	return hex.DecodeString(m.Payload)
}

// Epoch fetches the outcome of epoch e.
func (c *Client) Epoch(ctx context.Context, e uint64) (*Epoch, error) {
	var ep Epoch
	if err := httpGet(ctx, c.baseURL+"/epochs/"+strconv.FormatUint(e, 10), &ep); err != nil {
		return nil, fmt.Errorf("epoch %d:\n%w", e, err)
	}

	return &ep, nil
}

// WaitEndorsed polls until epoch e carries a certificate or ctx is done.
func (c *Client) WaitEndorsed(ctx context.Context, e uint64, poll time.Duration) (*Epoch, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		ep, err := c.Epoch(ctx, e)
		if err != nil {
			return nil, err
		}

		if ep.Endorsed() {
			return ep, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("epoch %d not endorsed (state %s):\n%w", e, ep.State, ctx.Err())
		case <-ticker.C:
		}
	}
}
