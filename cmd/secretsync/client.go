package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/org/secretsync/internal/api"
)

// Client is an HTTP client for the secretsync API.
type Client struct {
	addr  string
	token string
	http  *http.Client
}

// newClient creates a Client from the current config.
func newClient() *Client {
	addr := cfg.Address
	if v := os.Getenv("SECRETSYNC_ADDR"); v != "" {
		addr = v
	}
	token := cfg.Token
	if v := os.Getenv("SECRETSYNC_TOKEN"); v != "" {
		token = v
	}
	caCert := cfg.TLSCACert
	if v := os.Getenv("SECRETSYNC_CACERT"); v != "" {
		caCert = v
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caCert != "" {
		data, err := os.ReadFile(caCert)
		if err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(data)
			tlsCfg.RootCAs = pool
		}
	}

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}

	return &Client{addr: addr, token: token, http: httpClient}
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.addr+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set(api.TokenHeader, c.token)
	}

	return c.http.Do(req)
}

// call sends a request and decodes a successful JSON response into dst,
// which may be nil.
func (c *Client) call(method, path string, body, dst any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Errors []string `json:"errors"`
		}
		if json.Unmarshal(data, &e) == nil && len(e.Errors) > 0 {
			return fmt.Errorf("%s", e.Errors[0])
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	if dst == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func (c *Client) get(path string) (map[string]any, error) {
	var result map[string]any
	err := c.call(http.MethodGet, path, nil, &result)
	return result, err
}

func (c *Client) post(path string, body any) (map[string]any, error) {
	var result map[string]any
	err := c.call(http.MethodPost, path, body, &result)
	return result, err
}

func (c *Client) delete(path string) error {
	return c.call(http.MethodDelete, path, nil, nil)
}
