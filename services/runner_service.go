package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"softgate-functions/middleware"
	"softgate-functions/models"
)

// HTTPRunner calls a remote executor to run a deployment.
type HTTPRunner struct {
	host   string
	secret string
	client *http.Client
}

// NewHTTPRunner creates a runner for the executor at host. Outbound calls are
// traced with X-Ray.
func NewHTTPRunner(host, secret string) *HTTPRunner {
	return &HTTPRunner{
		host:   strings.TrimRight(host, "/"),
		secret: secret,
		client: middleware.GetCustomXRayHTTPClient(&http.Client{}),
	}
}

type executorError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (r *HTTPRunner) Run(ctx context.Context, req *models.RunnerRequest) (*models.RunnerResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/runtimes/%s-%s/execution", r.host, req.ProjectID, req.DeploymentID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.secret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.secret)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrRunnerTimeout, err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		var e executorError
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			msg = e.Message
		}
		if resp.StatusCode == http.StatusGatewayTimeout {
			return nil, fmt.Errorf("%w: %s", ErrRunnerTimeout, msg)
		}
		return nil, &RunnerError{StatusCode: resp.StatusCode, Message: msg}
	}

	var result models.RunnerResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &RunnerError{StatusCode: http.StatusBadGateway, Message: "invalid executor response: " + err.Error()}
	}
	return &result, nil
}
