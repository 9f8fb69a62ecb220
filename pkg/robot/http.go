package robot

import (
	"context"
	"fmt"
	"net/http"

	"github.com/teslashibe/go-jointattention/internal/httpc"
)

// HTTPController implements Controller using the robot's HTTP API.
type HTTPController struct {
	BaseURL string

	client *http.Client
}

// NewHTTPController creates a controller for the API at baseURL
// (for example http://127.0.0.1:8000). It uses the shared httpc.Client,
// whose timeout covers a pointing behavior.
func NewHTTPController(baseURL string) *HTTPController {
	return &HTTPController{
		BaseURL: baseURL,
		client:  httpc.Client,
	}
}

// WithClient replaces the HTTP client. Tests use it with httptest servers.
func (r *HTTPController) WithClient(c *http.Client) *HTTPController {
	r.client = c
	return r
}

// PlayFile starts playback of a sound file on the robot without waiting
// for it to finish.
func (r *HTTPController) PlayFile(ctx context.Context, path string) error {
	payload := map[string]any{
		"path":     path,
		"blocking": false,
	}
	if err := httpc.PostJSON(ctx, r.client, r.BaseURL+"/api/audio/play_file", payload, nil); err != nil {
		return fmt.Errorf("play %s: %w", path, err)
	}
	return nil
}

// RunBehavior runs a behavior and waits until it completes.
func (r *HTTPController) RunBehavior(ctx context.Context, name string) error {
	payload := map[string]any{"name": name}

	var result struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	if err := httpc.PostJSON(ctx, r.client, r.BaseURL+"/api/behaviors/run", payload, &result); err != nil {
		return fmt.Errorf("run behavior %s: %w", name, err)
	}
	if result.Error != "" {
		return fmt.Errorf("run behavior %s: %s", name, result.Error)
	}
	return nil
}

// GetDaemonStatus returns the robot daemon status.
func (r *HTTPController) GetDaemonStatus(ctx context.Context) (string, error) {
	var status struct {
		State string `json:"state"`
	}
	if err := httpc.GetJSON(ctx, r.client, r.BaseURL+"/api/daemon/status", &status); err != nil {
		return "", fmt.Errorf("daemon status: %w", err)
	}
	return status.State, nil
}

// SetVolume sets the robot's speaker volume (0-100).
func (r *HTTPController) SetVolume(ctx context.Context, level int) error {
	level = min(max(level, 0), 100)

	payload := map[string]int{"volume": level}
	if err := httpc.PostJSON(ctx, r.client, r.BaseURL+"/api/volume/set", payload, nil); err != nil {
		return fmt.Errorf("set volume: %w", err)
	}
	return nil
}
