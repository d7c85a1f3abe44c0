// SPDX-License-Identifier: GPL-3.0-or-later

package watcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bassosimone/fcnatd/internal/natcore"
)

// httpApplier delivers the endpoint to an HTTP webhook: the configured
// method against the rendered URL, with the rendered body. Any 2xx
// response is success.
type httpApplier struct {
	name   string
	spec   natcore.HTTPSpec
	client *http.Client
	logger *slog.Logger
}

var _ Applier = &httpApplier{}

// Name implements [Applier].
func (a *httpApplier) Name() string {
	return a.name
}

// effectiveBody returns the binding's value when non-empty, overriding
// the watcher-level body.
func (a *httpApplier) effectiveBody(binding natcore.WatcherBinding) string {
	if binding.ValueTemplate != "" {
		return binding.ValueTemplate
	}
	return a.spec.Body
}

// RenderValue implements [Applier]. The URL participates so that a
// webhook whose endpoint appears only in the URL still re-fires when
// the endpoint changes.
func (a *httpApplier) RenderValue(binding natcore.WatcherBinding, endpoint *natcore.PublicEndpoint) string {
	url := natcore.RenderTemplate(a.spec.URL, endpoint)
	body := natcore.RenderTemplate(a.effectiveBody(binding), endpoint)
	return url + "\x00" + body
}

// Apply implements [Applier].
func (a *httpApplier) Apply(ctx context.Context, ev natcore.EndpointEvent, rendered string, state *natcore.ReconciledState) error {
	url := natcore.RenderTemplate(a.spec.URL, ev.Endpoint)
	body := natcore.RenderTemplate(a.effectiveBody(ev.Binding), ev.Endpoint)

	method := a.spec.Method
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return permanentf("http watcher: %w", err)
	}
	for name, value := range a.spec.Headers {
		req.Header.Set(name, value)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("http watcher: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	// The webhook is opaque: any 2xx is success, everything else is a
	// failure we keep retrying (the taxonomy's 4xx-is-authoritative rule
	// applies to DNS control planes, not arbitrary user webhooks).
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("http watcher: status %d", resp.StatusCode)
	}
	a.logger.Debug("webhookDelivered",
		slog.String("method", method),
		slog.String("url", url),
		slog.Int("status", resp.StatusCode))
	return nil
}

// Rollback implements [Applier]. A webhook has nothing to undo.
func (a *httpApplier) Rollback(ctx context.Context, binding natcore.WatcherBinding, state *natcore.ReconciledState) error {
	return nil
}
