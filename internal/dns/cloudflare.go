package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
)

// CloudflareConfig holds Cloudflare configuration
type CloudflareConfig struct {
	APIToken string
	BaseURL  string // default: https://api.cloudflare.com/client/v4
}

// CloudflareClient manages A records through the Cloudflare v4 API.
type CloudflareClient struct {
	config     CloudflareConfig
	httpClient *http.Client
	log        *logrus.Entry

	mu      sync.Mutex
	zoneIDs map[string]string
}

// DNSRecord represents a Cloudflare DNS record
type DNSRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
	TTL     int    `json:"ttl"`
}

type apiResponse[T any] struct {
	Success bool  `json:"success"`
	Errors  []any `json:"errors"`
	Result  T     `json:"result"`
}

// NewCloudflareClient creates a new Cloudflare client with the provided configuration
func NewCloudflareClient(config CloudflareConfig, logger *logrus.Logger) *CloudflareClient {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.cloudflare.com/client/v4"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CloudflareClient{
		config:     config,
		httpClient: &http.Client{},
		log:        logger.WithField("component", "cloudflare"),
		zoneIDs:    make(map[string]string),
	}
}

func (c *CloudflareClient) addHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	req.Header.Set("Content-Type", "application/json")
}

func (c *CloudflareClient) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return err
	}
	c.addHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cloudflare API error (%d): %s", resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}

// ZoneID resolves a zone name to its id, caching the answer.
func (c *CloudflareClient) ZoneID(ctx context.Context, zone string) (string, error) {
	c.mu.Lock()
	id, ok := c.zoneIDs[zone]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	var response apiResponse[[]struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}]
	if err := c.do(ctx, http.MethodGet, "/zones?name="+url.QueryEscape(zone), nil, &response); err != nil {
		return "", err
	}
	if !response.Success || len(response.Result) == 0 {
		return "", fmt.Errorf("cloudflare zone %s not found", zone)
	}

	id = response.Result[0].ID
	c.mu.Lock()
	c.zoneIDs[zone] = id
	c.mu.Unlock()
	return id, nil
}

func (c *CloudflareClient) getDNSRecord(ctx context.Context, zoneID, hostname string) (*DNSRecord, error) {
	var response apiResponse[[]DNSRecord]
	path := fmt.Sprintf("/zones/%s/dns_records?type=A&name=%s", zoneID, url.QueryEscape(hostname))
	if err := c.do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	if !response.Success {
		return nil, fmt.Errorf("cloudflare API returned success=false: %v", response.Errors)
	}
	if len(response.Result) == 0 {
		return nil, nil
	}
	return &response.Result[0], nil
}

// UpsertARecord points hostname at ip, creating the record or updating it in place.
func (c *CloudflareClient) UpsertARecord(ctx context.Context, zone, hostname, ip string) error {
	zoneID, err := c.ZoneID(ctx, zone)
	if err != nil {
		return err
	}

	existing, err := c.getDNSRecord(ctx, zoneID, hostname)
	if err != nil {
		return fmt.Errorf("failed to check existing DNS record: %w", err)
	}

	record := DNSRecord{Type: "A", Name: hostname, Content: ip, TTL: 300}
	var response apiResponse[DNSRecord]
	if existing != nil {
		if existing.Content == ip {
			return nil
		}
		err = c.do(ctx, http.MethodPut, fmt.Sprintf("/zones/%s/dns_records/%s", zoneID, existing.ID), record, &response)
	} else {
		err = c.do(ctx, http.MethodPost, fmt.Sprintf("/zones/%s/dns_records", zoneID), record, &response)
	}
	if err != nil {
		return err
	}
	if !response.Success {
		return fmt.Errorf("cloudflare API returned success=false: %v", response.Errors)
	}

	c.log.WithFields(logrus.Fields{
		"hostname":  hostname,
		"ip":        ip,
		"record_id": response.Result.ID,
	}).Info("DNS record published")
	return nil
}

// DeleteARecord removes the A record for hostname if there is one.
func (c *CloudflareClient) DeleteARecord(ctx context.Context, zone, hostname string) error {
	zoneID, err := c.ZoneID(ctx, zone)
	if err != nil {
		return err
	}
	existing, err := c.getDNSRecord(ctx, zoneID, hostname)
	if err != nil || existing == nil {
		return err
	}
	var response apiResponse[struct {
		ID string `json:"id"`
	}]
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/zones/%s/dns_records/%s", zoneID, existing.ID), nil, &response)
}
