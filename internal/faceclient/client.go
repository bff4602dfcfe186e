package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Result holds the face service's answer for a proof image.
type Result struct {
	Score         float64
	FacesDetected int
}

// Client calls the face verification microservice. With Skip set it
// returns a fixed passing score, which keeps local development working
// without the service running.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Face processing can take a while, hence the
// generous timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Verify scores the face in the proof image at the given URL.
func (c *Client) Verify(ctx context.Context, imageURL string) (*Result, error) {
	if c.Skip {
		return &Result{Score: 0.95, FacesDetected: 1}, nil
	}
	if imageURL == "" {
		return nil, fmt.Errorf("image url required")
	}

	body, _ := json.Marshal(map[string]string{"image_url": imageURL})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Score         float64 `json:"score"`
		FacesDetected int     `json:"faces_detected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.FacesDetected == 0 {
		return nil, fmt.Errorf("no face detected in image")
	}
	return &Result{Score: out.Score, FacesDetected: out.FacesDetected}, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}
