// SPDX-License-Identifier: GPL-3.0-or-later

package watcher

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bassosimone/fcnatd/internal/natcore"
	"github.com/google/uuid"
)

// alidnsBaseURL is a variable so tests can point the provider at a
// local HTTP server.
var alidnsBaseURL = "https://alidns.aliyuncs.com"

// alidnsTimeNow is a variable so tests can pin the signature timestamp.
var alidnsTimeNow = time.Now

// alidnsProvider speaks the Alibaba Cloud DNS RPC API: GET requests
// whose query string carries the action parameters plus an HMAC-SHA1
// signature over the canonicalized parameter set.
type alidnsProvider struct {
	creds  natcore.AliDNSCreds
	client *http.Client
}

var _ dnsProvider = &alidnsProvider{}

type alidnsResponse struct {
	RecordID string `json:"RecordId"`
	Code     string `json:"Code"`
	Message  string `json:"Message"`
}

// aliEncode percent-encodes per the Alibaba Cloud signature rules:
// RFC 3986 with space as %20, '*' escaped, and '~' left alone.
func aliEncode(s string) string {
	e := url.QueryEscape(s)
	e = strings.ReplaceAll(e, "+", "%20")
	e = strings.ReplaceAll(e, "*", "%2A")
	e = strings.ReplaceAll(e, "%7E", "~")
	return e
}

// sign computes the RPC signature over params and adds it to them.
func (p *alidnsProvider) sign(params url.Values) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var canonical strings.Builder
	for i, k := range keys {
		if i > 0 {
			canonical.WriteByte('&')
		}
		canonical.WriteString(aliEncode(k))
		canonical.WriteByte('=')
		canonical.WriteString(aliEncode(params.Get(k)))
	}
	stringToSign := "GET&" + aliEncode("/") + "&" + aliEncode(canonical.String())

	mac := hmac.New(sha1.New, []byte(p.creds.AccessKeySecret+"&"))
	mac.Write([]byte(stringToSign))
	params.Set("Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}

func (p *alidnsProvider) call(ctx context.Context, action string, params url.Values) (*alidnsResponse, error) {
	params.Set("Action", action)
	params.Set("Format", "JSON")
	params.Set("Version", "2015-01-09")
	params.Set("AccessKeyId", p.creds.AccessKeyID)
	params.Set("SignatureMethod", "HMAC-SHA1")
	params.Set("SignatureVersion", "1.0")
	params.Set("SignatureNonce", uuid.NewString())
	params.Set("Timestamp", alidnsTimeNow().UTC().Format("2006-01-02T15:04:05Z"))
	p.sign(params)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		alidnsBaseURL+"/?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("alidns: %s: %w", action, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alidns: %s: %w", action, err)
	}
	defer resp.Body.Close()

	var out alidnsResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&out); decodeErr != nil && classifyStatus(resp.StatusCode) == nil {
		return nil, fmt.Errorf("alidns: %s: decode response: %w", action, decodeErr)
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		if out.Code != "" {
			return nil, fmt.Errorf("alidns: %s: %s: %s: %w", action, out.Code, out.Message, err)
		}
		return nil, fmt.Errorf("alidns: %s: %w", action, err)
	}
	return &out, nil
}

// recordParams splits the record name into RR and DomainName and fills
// the action-independent record fields.
func (p *alidnsProvider) recordParams(rec dnsRecord) url.Values {
	host, zone := splitDomain(rec.Domain)
	params := url.Values{}
	params.Set("DomainName", zone)
	params.Set("RR", host)
	params.Set("Type", rec.Type)
	params.Set("Value", rec.Value)
	if rec.Priority != nil {
		params.Set("Priority", strconv.Itoa(int(*rec.Priority)))
	}
	if rec.TTL != nil {
		params.Set("TTL", strconv.Itoa(int(*rec.TTL)))
	}
	return params
}

// createRecord implements dnsProvider.
func (p *alidnsProvider) createRecord(ctx context.Context, rec dnsRecord) (string, error) {
	resp, err := p.call(ctx, "AddDomainRecord", p.recordParams(rec))
	if err != nil {
		return "", err
	}
	return resp.RecordID, nil
}

// updateRecord implements dnsProvider.
func (p *alidnsProvider) updateRecord(ctx context.Context, id string, rec dnsRecord) error {
	params := p.recordParams(rec)
	params.Del("DomainName")
	params.Set("RecordId", id)
	_, err := p.call(ctx, "UpdateDomainRecord", params)
	return err
}

// deleteRecord implements dnsProvider.
func (p *alidnsProvider) deleteRecord(ctx context.Context, id string, rec dnsRecord) error {
	params := url.Values{}
	params.Set("RecordId", id)
	_, err := p.call(ctx, "DeleteDomainRecord", params)
	return err
}
