package toolreg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/turnloop/turnloop/internal/config"
)

// RegisterWebhookHandlers binds every tool in cfg whose handler_ref looks
// like an http(s) URL to a Handler that POSTs the call's arguments to that
// URL and returns the response body as the tool's result — the default
// dispatch strategy for domains that implement their tools as independent
// services rather than in-process Go functions. Tools with a non-URL
// handler_ref are left untouched for the caller to bind via RegisterHandler
// instead (in-process handlers, e.g. the reserved handoff tool).
func RegisterWebhookHandlers(reg *Registry, cfg *config.Registry, client *http.Client) error {
	if client == nil {
		client = http.DefaultClient
	}
	for _, t := range cfg.AllTools() {
		if !isHTTPRef(t.HandlerRef) {
			continue
		}
		if err := reg.RegisterHandler(t.ID, webhookHandler(client, t.HandlerRef)); err != nil {
			return fmt.Errorf("toolreg: registering webhook handler for %q: %w", t.ID, err)
		}
	}
	return nil
}

func webhookHandler(client *http.Client, url string) Handler {
	return func(ctx context.Context, argsJSON string) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(argsJSON)))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", err
		}
		if resp.StatusCode >= 300 {
			return "", fmt.Errorf("toolreg: webhook %s returned %d: %s", url, resp.StatusCode, body)
		}
		return string(body), nil
	}
}

func isHTTPRef(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
