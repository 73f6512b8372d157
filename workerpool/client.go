package workerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mjl-/sherpa"

	"github.com/mjl-/selfmail/metrics"
	"github.com/mjl-/selfmail/mutate"
)

// Client calls functions on the API of another worker.
type Client struct {
	HTTP *http.Client
}

// NewClient returns a client with a timeout for requests.
func NewClient(timeout time.Duration) *Client {
	return &Client{HTTP: &http.Client{Timeout: timeout}}
}

// Call calls function on the worker at baseURL with a single parameter, and
// stores the result in result. Errors from the mutation engine on the other
// worker are returned as *mutate.Error with the same code. Failures to reach
// the worker are returned as temporary errors.
func (c *Client) Call(ctx context.Context, baseURL, function string, param, result any) (rerr error) {
	start := time.Now()
	var status int
	defer func() {
		metrics.ForwardObserve(ctx, baseURL, function, status, string(mutate.ErrorCode(rerr)), rerr, start)
	}()

	buf, err := json.Marshal(map[string]any{"params": []any{param}})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	u := strings.TrimSuffix(baseURL, "/") + "/" + function
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(buf))
	if err != nil {
		return unavailable(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return unavailable(fmt.Errorf("calling worker: %w", err))
	}
	defer resp.Body.Close()
	status = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return unavailable(fmt.Errorf("worker responded with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var r struct {
		Result json.RawMessage `json:"result"`
		Error  *sherpa.Error   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return unavailable(fmt.Errorf("parsing response: %w", err))
	}
	if r.Error != nil {
		return fromSherpaError(r.Error)
	}
	if err := json.Unmarshal(r.Result, result); err != nil {
		return fmt.Errorf("parsing result: %w", err)
	}
	return nil
}

func unavailable(err error) error {
	return &mutate.Error{Code: mutate.CodeUnavailable, Message: "worker not available", Err: err}
}

// fromSherpaError turns an error from a worker back into a mutation error.
func fromSherpaError(e *sherpa.Error) error {
	code := mutate.Code(e.Code)
	switch code {
	case mutate.CodeOverQuota, mutate.CodeNonExistent, mutate.CodeTryCreate, mutate.CodeUnavailable, mutate.CodeServerBug, mutate.CodeAuthorizationFailed, mutate.CodeLimit, mutate.CodeCannot, mutate.CodeParse:
		return &mutate.Error{Code: code, Message: e.Message}
	}
	return &mutate.Error{Code: mutate.CodeServerBug, Message: e.Message, Err: fmt.Errorf("worker error %s: %s", e.Code, e.Message)}
}
