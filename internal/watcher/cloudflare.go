// SPDX-License-Identifier: GPL-3.0-or-later

package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bassosimone/fcnatd/internal/natcore"
)

// cloudflareBaseURL is a variable so tests can point the provider at a
// local HTTP server.
var cloudflareBaseURL = "https://api.cloudflare.com/client/v4"

// cloudflareProvider speaks the Cloudflare v4 REST API: JSON bodies,
// bearer-token auth, and a success envelope around every response.
type cloudflareProvider struct {
	creds  natcore.CloudflareCreds
	client *http.Client
}

var _ dnsProvider = &cloudflareProvider{}

type cloudflareRecordBody struct {
	Type     string  `json:"type"`
	Name     string  `json:"name"`
	Content  string  `json:"content"`
	TTL      *uint32 `json:"ttl,omitempty"`
	Priority *uint16 `json:"priority,omitempty"`
	Proxied  *bool   `json:"proxied,omitempty"`
}

type cloudflareEnvelope struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result struct {
		ID string `json:"id"`
	} `json:"result"`
}

func (p *cloudflareProvider) call(ctx context.Context, method, path string, body any) (*cloudflareEnvelope, error) {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("cloudflare: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, cloudflareBaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("cloudflare: %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.creds.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloudflare: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("cloudflare: %s %s: %w", method, path, err)
	}

	var out cloudflareEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("cloudflare: %s %s: decode response: %w", method, path, err)
	}
	if !out.Success {
		msg := "unknown error"
		if len(out.Errors) > 0 {
			msg = fmt.Sprintf("%d: %s", out.Errors[0].Code, out.Errors[0].Message)
		}
		return nil, permanentf("cloudflare: %s %s: %s", method, path, msg)
	}
	return &out, nil
}

func (p *cloudflareProvider) recordBody(rec dnsRecord) cloudflareRecordBody {
	return cloudflareRecordBody{
		Type:     rec.Type,
		Name:     rec.Domain,
		Content:  rec.Value,
		TTL:      rec.TTL,
		Priority: rec.Priority,
		Proxied:  rec.Proxied,
	}
}

// createRecord implements dnsProvider.
func (p *cloudflareProvider) createRecord(ctx context.Context, rec dnsRecord) (string, error) {
	path := fmt.Sprintf("/zones/%s/dns_records", p.creds.ZoneID)
	resp, err := p.call(ctx, http.MethodPost, path, p.recordBody(rec))
	if err != nil {
		return "", err
	}
	return resp.Result.ID, nil
}

// updateRecord implements dnsProvider.
func (p *cloudflareProvider) updateRecord(ctx context.Context, id string, rec dnsRecord) error {
	path := fmt.Sprintf("/zones/%s/dns_records/%s", p.creds.ZoneID, id)
	_, err := p.call(ctx, http.MethodPut, path, p.recordBody(rec))
	return err
}

// deleteRecord implements dnsProvider.
func (p *cloudflareProvider) deleteRecord(ctx context.Context, id string, rec dnsRecord) error {
	path := fmt.Sprintf("/zones/%s/dns_records/%s", p.creds.ZoneID, id)
	_, err := p.call(ctx, http.MethodDelete, path, nil)
	return err
}
