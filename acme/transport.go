package acme

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	acmeerrors "github.com/harborcrypt/acmeclient/errors"
)

// Transport owns the CA base URL, an injected *http.Client (normally
// otelhttp-wrapped by the tracing package so every round trip produces a
// span), and the single current Replay-Nonce (§4.3). The client MUST
// NEVER reuse a nonce, so every nonce read clears the field; a fresh one
// is fetched via HEAD /directory only when none is cached.
type Transport struct {
	BaseURL string
	Client  *http.Client

	mu    sync.Mutex
	nonce string
}

// NewTransport builds a Transport over the given HTTP client.
func NewTransport(baseURL string, client *http.Client) *Transport {
	if client == nil {
		client = http.DefaultClient
	}
	return &Transport{BaseURL: baseURL, Client: client}
}

func (t *Transport) do(req *http.Request) (*http.Response, error) {
	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, acmeerrors.TransportError("%s %s: %v", req.Method, req.URL, err)
	}
	return resp, nil
}

// captureNonce records the Replay-Nonce header from any ACME response, so
// the next signed request can reuse it without a dedicated HEAD round trip.
func (t *Transport) captureNonce(h http.Header) {
	if n := h.Get("Replay-Nonce"); n != "" {
		t.mu.Lock()
		t.nonce = n
		t.mu.Unlock()
	}
}

// nextNonce returns the cached nonce, clearing it so it can never be
// reused, or fetches a fresh one via HEAD /directory if none is cached.
func (t *Transport) nextNonce(ctx context.Context) (string, error) {
	t.mu.Lock()
	n := t.nonce
	t.nonce = ""
	t.mu.Unlock()
	if n != "" {
		return n, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.BaseURL+"/directory", nil)
	if err != nil {
		return "", fmt.Errorf("building nonce request: %w", err)
	}
	resp, err := t.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	n = resp.Header.Get("Replay-Nonce")
	if n == "" {
		return "", acmeerrors.TransportError("HEAD %s/directory returned no Replay-Nonce", t.BaseURL)
	}
	return n, nil
}
