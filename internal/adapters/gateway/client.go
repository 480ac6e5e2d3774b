// Package gateway implements the outbound RPC client for the session
// gateway. The gateway is an opaque service; this client only spawns
// sessions and lists them.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/swarmops/swarmops/internal/core"
	"github.com/swarmops/swarmops/internal/logging"
)

// Client talks to the gateway's tool-invoke endpoint.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *logging.Logger
}

// NewClient creates a gateway client.
func NewClient(baseURL, token string, timeout time.Duration, logger *logging.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// invokeRequest is the wire shape of a tool invocation.
type invokeRequest struct {
	Tool string `json:"tool"`
	Args any    `json:"args"`
}

// invokeEnvelope covers the observed response shapes. The session key
// appears at result.details.childSessionKey on current gateways and at
// result.childSessionKey on older ones; both are decoded, unknown shapes
// are rejected.
type invokeEnvelope struct {
	Result struct {
		Details *struct {
			Status          string        `json:"status"`
			Error           string        `json:"error"`
			ChildSessionKey string        `json:"childSessionKey"`
			RunID           string        `json:"runId"`
			Sessions        []sessionRow  `json:"sessions"`
		} `json:"details"`
		ChildSessionKey string `json:"childSessionKey"`
		Status          string `json:"status"`
		Error           string `json:"error"`
	} `json:"result"`
}

// sessionRow is one session in a sessions_list response. The key field
// has two observed spellings.
type sessionRow struct {
	Key         string `json:"key"`
	SessionKey  string `json:"sessionKey"`
	TotalTokens int    `json:"totalTokens"`
	Model       string `json:"model"`
	Messages    []struct {
		StopReason string `json:"stopReason"`
	} `json:"messages"`
}

func (r sessionRow) key() string {
	if r.Key != "" {
		return r.Key
	}
	return r.SessionKey
}

// invoke POSTs one tool call and decodes the envelope.
func (c *Client) invoke(ctx context.Context, tool string, args any) (*invokeEnvelope, error) {
	body, err := json.Marshal(invokeRequest{Tool: tool, Args: args})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s request: %w", tool, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/tools/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", tool, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, core.ErrNetwork("GATEWAY_UNREACHABLE", "gateway request failed").WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, core.ErrNetwork("GATEWAY_READ", "reading gateway response").WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, core.ErrHTTPStatus(resp.StatusCode,
			fmt.Sprintf("gateway %s returned %d: %s", tool, resp.StatusCode, truncate(string(data), 200)))
	}

	var envelope invokeEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, core.ErrNetwork("GATEWAY_DECODE", "decoding gateway response").WithCause(err)
	}
	return &envelope, nil
}

// SpawnSession asks the gateway to create one agent session.
func (c *Client) SpawnSession(ctx context.Context, args core.SpawnArgs) (*core.SpawnReceipt, error) {
	envelope, err := c.invoke(ctx, "sessions_spawn", args)
	if err != nil {
		return nil, err
	}

	details := envelope.Result.Details
	if details != nil && details.Status == "error" {
		return nil, core.ErrSpawn(firstNonEmpty(details.Error, "gateway refused spawn"))
	}
	if envelope.Result.Status == "error" {
		return nil, core.ErrSpawn(firstNonEmpty(envelope.Result.Error, "gateway refused spawn"))
	}

	receipt := &core.SpawnReceipt{}
	if details != nil {
		receipt.SessionKey = details.ChildSessionKey
		receipt.GatewayRun = details.RunID
	}
	if receipt.SessionKey == "" {
		receipt.SessionKey = envelope.Result.ChildSessionKey
	}
	if receipt.SessionKey == "" {
		return nil, core.ErrSpawn("gateway response carried no session key")
	}

	c.logger.Debug("session spawned", "session_key", receipt.SessionKey, "label", args.Label)
	return receipt, nil
}

// ListSessions returns the gateway's session listing.
func (c *Client) ListSessions(ctx context.Context, limit, messageLimit int) ([]core.SessionInfo, error) {
	args := map[string]int{"limit": limit, "messageLimit": messageLimit}
	envelope, err := c.invoke(ctx, "sessions_list", args)
	if err != nil {
		return nil, err
	}

	if envelope.Result.Details == nil {
		return nil, nil
	}

	sessions := make([]core.SessionInfo, 0, len(envelope.Result.Details.Sessions))
	for _, row := range envelope.Result.Details.Sessions {
		info := core.SessionInfo{
			Key:         row.key(),
			TotalTokens: row.TotalTokens,
			Model:       row.Model,
			Messages:    len(row.Messages),
		}
		if n := len(row.Messages); n > 0 {
			info.StopReason = row.Messages[n-1].StopReason
		}
		sessions = append(sessions, info)
	}
	return sessions, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
