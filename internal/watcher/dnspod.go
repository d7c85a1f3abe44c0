// SPDX-License-Identifier: GPL-3.0-or-later

package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bassosimone/fcnatd/internal/natcore"
)

// dnspodBaseURL is a variable so tests can point the provider at a
// local HTTP server.
var dnspodBaseURL = "https://dnsapi.cn"

// dnspodProvider speaks the DNSPod record API: form-encoded POST
// requests against Record.Create / Record.Modify / Record.Remove, JSON
// responses with a string status code where "1" means success.
type dnspodProvider struct {
	creds  natcore.DNSPodCreds
	client *http.Client
}

var _ dnsProvider = &dnspodProvider{}

// dnspodID tolerates the API returning the record id as either a JSON
// string or a JSON number.
type dnspodID string

func (r *dnspodID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = dnspodID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*r = dnspodID(n.String())
	return nil
}

type dnspodResponse struct {
	Status struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"status"`
	Record struct {
		ID dnspodID `json:"id"`
	} `json:"record"`
}

// zoneAndHost resolves the zone this provider manages: the configured
// domain when present, otherwise the registered domain of the record.
func (p *dnspodProvider) zoneAndHost(fqdn string) (host, zone string) {
	if p.creds.Domain != "" {
		zone = p.creds.Domain
		host = strings.TrimSuffix(fqdn, ".")
		if host == zone {
			return "@", zone
		}
		return strings.TrimSuffix(host, "."+zone), zone
	}
	return splitDomain(fqdn)
}

func (p *dnspodProvider) call(ctx context.Context, action string, params url.Values) (*dnspodResponse, error) {
	params.Set("login_token", p.creds.ID+","+p.creds.Token)
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		dnspodBaseURL+"/"+action, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("dnspod: %s: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dnspod: %s: %w", action, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("dnspod: %s: %w", action, err)
	}

	var out dnspodResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("dnspod: %s: decode response: %w", action, err)
	}
	if out.Status.Code != "1" {
		return nil, permanentf("dnspod: %s: code %s: %s", action, out.Status.Code, out.Status.Message)
	}
	return &out, nil
}

func (p *dnspodProvider) recordParams(rec dnsRecord) url.Values {
	host, zone := p.zoneAndHost(rec.Domain)
	params := url.Values{}
	params.Set("domain", zone)
	params.Set("sub_domain", host)
	params.Set("record_type", rec.Type)
	params.Set("record_line_id", "0")
	params.Set("value", rec.Value)
	if rec.Priority != nil {
		params.Set("mx", strconv.Itoa(int(*rec.Priority)))
	}
	if rec.TTL != nil {
		params.Set("ttl", strconv.Itoa(int(*rec.TTL)))
	}
	return params
}

// createRecord implements dnsProvider.
func (p *dnspodProvider) createRecord(ctx context.Context, rec dnsRecord) (string, error) {
	resp, err := p.call(ctx, "Record.Create", p.recordParams(rec))
	if err != nil {
		return "", err
	}
	return string(resp.Record.ID), nil
}

// updateRecord implements dnsProvider.
func (p *dnspodProvider) updateRecord(ctx context.Context, id string, rec dnsRecord) error {
	params := p.recordParams(rec)
	params.Set("record_id", id)
	_, err := p.call(ctx, "Record.Modify", params)
	return err
}

// deleteRecord implements dnsProvider.
func (p *dnspodProvider) deleteRecord(ctx context.Context, id string, rec dnsRecord) error {
	_, zone := p.zoneAndHost(rec.Domain)
	params := url.Values{}
	params.Set("domain", zone)
	params.Set("record_id", id)
	_, err := p.call(ctx, "Record.Remove", params)
	return err
}
