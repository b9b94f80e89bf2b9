package csms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"tactcharge/internal/registry"
)

// CommandStatus is the controller's verdict on a submitted command.
type CommandStatus string

// Command outcomes. Failed marks transport-level problems (network, timeout,
// malformed response); the controller itself answers Accepted, Rejected or
// Pending.
const (
	CommandAccepted CommandStatus = "Accepted"
	CommandRejected CommandStatus = "Rejected"
	CommandPending  CommandStatus = "Pending"
	CommandFailed   CommandStatus = "Failed"
)

// CommandResult is the structured outcome of a gateway call. Gateway calls
// never surface rejection as a Go error; callers branch on the result.
type CommandResult struct {
	Status CommandStatus
	Reason string
}

// Accepted reports whether the controller accepted the command.
func (r CommandResult) Accepted() bool {
	return r.Status == CommandAccepted
}

// Failed reports a transport-level failure as opposed to a controller verdict.
func (r CommandResult) Failed() bool {
	return r.Status == CommandFailed
}

// HTTPDoer defines http.Client interface subset.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client submits commands to the CSMS HTTP API.
type Client struct {
	baseURL string
	cpID    string
	http    HTTPDoer
	logger  *zap.Logger
}

// NewClient builds a command client with a bounded per-call timeout.
func NewClient(baseURL, cpID string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		cpID:    cpID,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// NewClientWithDoer builds a client over a custom HTTP doer, used in tests.
func NewClientWithDoer(baseURL, cpID string, doer HTTPDoer, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		cpID:    cpID,
		http:    doer,
		logger:  logger,
	}
}

type commandRequest struct {
	CPID    string                 `json:"cp_id"`
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params"`
}

type commandResponse struct {
	Success bool `json:"success"`
	Result  *struct {
		Status string `json:"status"`
	} `json:"result"`
	Error string `json:"error"`
}

// chargePointInfo mirrors the /api/charge_points entry shape.
type chargePointInfo struct {
	ID        string            `json:"id"`
	Status    map[string]string `json:"status"`
	Connected bool              `json:"connected"`
}

// RegisterCredential adds an RFID credential on the controller. Must succeed
// before a start command referencing the tag.
func (c *Client) RegisterCredential(ctx context.Context, tag, description string) CommandResult {
	payload := map[string]interface{}{
		"id_tag":      registry.NormalizeTag(tag),
		"status":      "Accepted",
		"description": description,
	}
	body, status, err := c.post(ctx, "/api/rfid/add", payload)
	if err != nil {
		return CommandResult{Status: CommandFailed, Reason: err.Error()}
	}
	if status >= 400 {
		return CommandResult{Status: CommandRejected, Reason: string(body)}
	}
	return CommandResult{Status: CommandAccepted}
}

// RemoveCredential deletes an RFID credential from the controller.
func (c *Client) RemoveCredential(ctx context.Context, tag string) CommandResult {
	payload := map[string]interface{}{
		"id_tag": registry.NormalizeTag(tag),
	}
	body, status, err := c.post(ctx, "/api/rfid/delete", payload)
	if err != nil {
		return CommandResult{Status: CommandFailed, Reason: err.Error()}
	}
	if status >= 400 {
		return CommandResult{Status: CommandRejected, Reason: string(body)}
	}
	return CommandResult{Status: CommandAccepted}
}

// StartSession submits a remote_start command.
func (c *Client) StartSession(ctx context.Context, connectorID int, tag string) CommandResult {
	return c.command(ctx, "remote_start", map[string]interface{}{
		"id_tag":       registry.NormalizeTag(tag),
		"connector_id": connectorID,
	})
}

// StopSession submits a remote_stop command.
func (c *Client) StopSession(ctx context.Context, transactionID int64) CommandResult {
	return c.command(ctx, "remote_stop", map[string]interface{}{
		"transaction_id": transactionID,
	})
}

// Reset asks the charge point to restart. Soft unless hard is set.
func (c *Client) Reset(ctx context.Context, hard bool) CommandResult {
	resetType := "Soft"
	if hard {
		resetType = "Hard"
	}
	return c.command(ctx, "reset", map[string]interface{}{"type": resetType})
}

// UnlockConnector asks the charge point to unlock a connector.
func (c *Client) UnlockConnector(ctx context.Context, connectorID int) CommandResult {
	return c.command(ctx, "unlock", map[string]interface{}{
		"connector_id": connectorID,
	})
}

// QueryPointStatus returns the controller's view of connector statuses.
// Best-effort: an empty map on any failure, which callers treat as unknown.
func (c *Client) QueryPointStatus(ctx context.Context) map[int]string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/charge_points", nil)
	if err != nil {
		return map[int]string{}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("charge points query failed", zap.Error(err))
		return map[int]string{}
	}
	defer resp.Body.Close()

	var points []chargePointInfo
	if err := json.NewDecoder(resp.Body).Decode(&points); err != nil {
		c.logger.Warn("charge points decode failed", zap.Error(err))
		return map[int]string{}
	}

	statuses := make(map[int]string)
	for _, point := range points {
		if point.ID != c.cpID {
			continue
		}
		for key, status := range point.Status {
			var connectorID int
			if _, err := fmt.Sscanf(key, "%d", &connectorID); err == nil {
				statuses[connectorID] = status
			}
		}
	}
	return statuses
}

// RequestStatusRefresh asks the charge point to re-announce connector status.
// Zero means every connector.
func (c *Client) RequestStatusRefresh(ctx context.Context, connectorID int) CommandResult {
	if connectorID > 0 {
		return c.trigger(ctx, connectorID)
	}
	result := CommandResult{Status: CommandAccepted}
	for id := 1; id <= maxConnectorID; id++ {
		if r := c.trigger(ctx, id); !r.Accepted() {
			result = r
		}
	}
	return result
}

// The hardware exposes two connectors.
const maxConnectorID = 2

func (c *Client) trigger(ctx context.Context, connectorID int) CommandResult {
	params := map[string]interface{}{"message": ActionStatusNotification}
	if connectorID > 0 {
		params["connector_id"] = connectorID
	}
	return c.command(ctx, "trigger", params)
}

func (c *Client) command(ctx context.Context, command string, params map[string]interface{}) CommandResult {
	body, status, err := c.post(ctx, "/api/command", commandRequest{
		CPID:    c.cpID,
		Command: command,
		Params:  params,
	})
	if err != nil {
		c.logger.Warn("csms command failed",
			zap.String("command", command),
			zap.Error(err))
		return CommandResult{Status: CommandFailed, Reason: err.Error()}
	}

	var decoded commandResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return CommandResult{Status: CommandFailed, Reason: fmt.Sprintf("decode response: %v", err)}
	}
	if status >= 400 || !decoded.Success {
		reason := decoded.Error
		if reason == "" && decoded.Result != nil {
			reason = decoded.Result.Status
		}
		return CommandResult{Status: CommandRejected, Reason: reason}
	}
	if decoded.Result != nil && decoded.Result.Status != "" {
		return CommandResult{Status: CommandStatus(decoded.Result.Status)}
	}
	return CommandResult{Status: CommandAccepted}
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, int, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// GenerateTag derives the OCPP idTag for a user. OCPP 1.6 caps tags at 20
// characters, so the tag is "U" plus the last 19 of the user id, uppercased.
func GenerateTag(userID string) string {
	suffix := userID
	if len(suffix) > 19 {
		suffix = suffix[len(suffix)-19:]
	}
	return strings.ToUpper("U" + suffix)
}
