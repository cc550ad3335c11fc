package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agent-gateway/backend/internal/autherr"
)

// RemoteEngine queries an external relationship engine over HTTP. Any
// transport failure, timeout, or non-200 response surfaces as
// autherr.ErrBackendUnavailable so the client's fail mode can take over.
type RemoteEngine struct {
	baseURL string
	httpc   *http.Client
}

// NewRemoteEngine returns an engine client for the given base URL. timeout
// bounds each check call independently of the request deadline.
func NewRemoteEngine(baseURL string, timeout time.Duration) *RemoteEngine {
	return &RemoteEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

type checkRequest struct {
	Subject  string `json:"subject"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
}

func (e *RemoteEngine) Check(ctx context.Context, subject, relation, object string) (bool, error) {
	body, err := json.Marshal(checkRequest{Subject: subject, Relation: relation, Object: object})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/check", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpc.Do(req)
	if err != nil {
		return false, fmt.Errorf("authz: engine call: %w: %v", autherr.ErrBackendUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("authz: engine returned %d: %w", resp.StatusCode, autherr.ErrBackendUnavailable)
	}
	var decoded checkResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&decoded); err != nil {
		return false, fmt.Errorf("authz: decode engine response: %w: %v", autherr.ErrBackendUnavailable, err)
	}
	return decoded.Allowed, nil
}
