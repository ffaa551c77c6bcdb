package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/songzhibin97/procurement-engine/types"
)

// HTTPOracle asks a remote model endpoint for proposals. The endpoint receives
// {"prompt", "history", "tools"} and answers with a Proposal.
type HTTPOracle struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewHTTPOracle returns an oracle posting to url. When token is non-empty it is sent
// as a bearer token.
func NewHTTPOracle(url, token string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &HTTPOracle{
		url:        strings.TrimRight(url, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type proposeRequest struct {
	Prompt  string     `json:"prompt"`
	History []Turn     `json:"history"`
	Tools   []ToolSpec `json:"tools"`
}

// Propose implements Oracle. 5xx answers and transport failures wrap
// types.ErrTransientIO; other error statuses are configuration errors.
func (o *HTTPOracle) Propose(ctx context.Context, prompt string, history []Turn, tools []ToolSpec) (Proposal, error) {
	data, err := json.Marshal(proposeRequest{Prompt: prompt, History: history, Tools: tools})
	if err != nil {
		return Proposal{}, fmt.Errorf("marshaling request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(data))
	if err != nil {
		return Proposal{}, fmt.Errorf("%w: creating request: %w", types.ErrFatalConfiguration, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Proposal{}, ctx.Err()
		}
		return Proposal{}, fmt.Errorf("%w: oracle request: %w", types.ErrTransientIO, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Proposal{}, fmt.Errorf("%w: reading oracle response: %w", types.ErrTransientIO, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return Proposal{}, fmt.Errorf("%w: oracle answered %d", types.ErrTransientIO, resp.StatusCode)
	case resp.StatusCode >= 400:
		return Proposal{}, fmt.Errorf("%w: oracle answered %d: %s", types.ErrFatalConfiguration, resp.StatusCode, bytes.TrimSpace(body))
	}

	var p Proposal
	if err := json.Unmarshal(body, &p); err != nil {
		return Proposal{}, fmt.Errorf("%w: decoding oracle proposal: %w", types.ErrFatalConfiguration, err)
	}
	return p, nil
}
