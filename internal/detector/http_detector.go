package detector

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPDetector issues a GET against a health endpoint; any 2xx response means alive.
// Callers bound the request through ctx; Client defaults to a client without its own timeout.
type HTTPDetector struct {
	URL    string
	Client *http.Client
}

func (d HTTPDetector) Alive(ctx context.Context) (bool, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return false, fmt.Errorf("build health request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	// drain so the connection can be reused on the next poll
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

func (d HTTPDetector) Describe() string { return "http:" + d.URL }
