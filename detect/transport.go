package detect

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPTransport delivers URL Metrics over HTTP, for running detection
// outside of a browser (headless sampling, integration tests).
// Beacons are sent from a background goroutine; Flush waits for them.
type HTTPTransport struct {
	Client *http.Client
	// Origin is sent as the Origin header, as a browser would.
	Origin string
	// PrimeToken is sent as a bearer token with priming submissions,
	// which lets them past the collector's storage lock.
	PrimeToken string

	wg sync.WaitGroup
}

func NewHTTPTransport(origin string) *HTTPTransport {
	return &HTTPTransport{
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
		Origin: origin,
	}
}

func (t *HTTPTransport) post(ctx context.Context, url string, body []byte, prime bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.Origin != "" {
		req.Header.Set("Origin", t.Origin)
	}
	if prime && t.PrimeToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.PrimeToken)
	}
	return t.Client.Do(req)
}

func (t *HTTPTransport) SendBeacon(url string, body []byte) bool {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		resp, err := t.post(context.Background(), url, body, false)
		if err != nil {
			slog.Debug("Beacon failed", "error", err)
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	return true
}

// Fetch is only used for priming, so it carries PrimeToken.
func (t *HTTPTransport) Fetch(ctx context.Context, url string, body []byte) error {
	resp, err := t.post(ctx, url, body, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("Failed to send URL Metric: %s", resp.Status)
	}
	return nil
}

// Flush blocks until every queued beacon has been delivered or failed.
func (t *HTTPTransport) Flush() {
	t.wg.Wait()
}
