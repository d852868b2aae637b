// Package device talks to the HTTP management API some boards expose over
// WiFi: SPIFFS file access, chip information and remote restart.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds a single request to the board.
const DefaultTimeout = 10 * time.Second

// Client is an HTTP client for one board.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the board at baseURL (e.g. http://192.168.4.1).
// A bare host is treated as http. timeout <= 0 uses DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("device url is required")
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid device url %q: %w", baseURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid device url %q: missing host", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// BaseURL returns the normalized board address.
func (c *Client) BaseURL() string { return c.baseURL }

// RequestError is a non-2xx answer from the board.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("device returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("device returned %d", e.StatusCode)
}

// Info is the chip and firmware report from /api/device/info.
type Info struct {
	Name            string `json:"name"`
	Type            string `json:"type"`
	ChipModel       string `json:"chipModel"`
	ChipRevision    int    `json:"chipRevision"`
	CPUFreqMHz      int    `json:"cpuFreqMHz"`
	HeapSize        int64  `json:"heapSize"`
	FreeHeap        int64  `json:"freeHeap"`
	MinFreeHeap     int64  `json:"minFreeHeap"`
	SDKVersion      string `json:"sdkVersion"`
	FlashChipSize   int64  `json:"flashChipSize"`
	SketchSize      int64  `json:"sketchSize"`
	FreeSketchSpace int64  `json:"freeSketchSpace"`
	MACAddress      string `json:"macAddress"`
	UptimeMs        int64  `json:"uptimeMs"`
}

// Uptime returns the board uptime as a duration.
func (i *Info) Uptime() time.Duration { return time.Duration(i.UptimeMs) * time.Millisecond }

// FileEntry is one item of a directory listing.
type FileEntry struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"isDir"`
}

// Listing is the content of a SPIFFS directory.
type Listing struct {
	Path  string      `json:"path"`
	Files []FileEntry `json:"files"`
}

// StorageInfo reports SPIFFS capacity.
type StorageInfo struct {
	TotalBytes int64 `json:"totalBytes"`
	UsedBytes  int64 `json:"usedBytes"`
	FreeBytes  int64 `json:"freeBytes"`
}

// WriteResult is the board's acknowledgement of a file write.
type WriteResult struct {
	Path    string `json:"path"`
	Written int64  `json:"written"`
}

// Info fetches chip and memory information.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.doJSON(ctx, http.MethodGet, "/api/device/info", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Restart asks the board to reboot. The board answers before it restarts.
func (c *Client) Restart(ctx context.Context) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/device/restart", nil, nil, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// List returns the files under dir. An empty dir lists the root.
func (c *Client) List(ctx context.Context, dir string) (*Listing, error) {
	if dir == "" {
		dir = "/"
	}
	var l Listing
	if err := c.doJSON(ctx, http.MethodGet, "/api/spiffs/list", pathQuery(dir), nil, &l); err != nil {
		return nil, err
	}
	if l.Files == nil {
		l.Files = []FileEntry{}
	}
	return &l, nil
}

// Read returns the content of a file. JSON files come back wrapped in an
// envelope and are unwrapped here.
func (c *Client) Read(ctx context.Context, path string) ([]byte, error) {
	if err := requirePath(path); err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, "/api/spiffs/read", pathQuery(path), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if !isJSON(resp.Header.Get("Content-Type")) {
		return body, nil
	}
	var env struct {
		OK      bool    `json:"ok"`
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Content == nil {
		return body, nil
	}
	return []byte(*env.Content), nil
}

// Write replaces the content of a file, creating it if needed.
func (c *Client) Write(ctx context.Context, path string, content []byte) (*WriteResult, error) {
	if err := requirePath(path); err != nil {
		return nil, err
	}
	var res WriteResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/spiffs/write", pathQuery(path), content, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Delete removes a file.
func (c *Client) Delete(ctx context.Context, path string) error {
	if err := requirePath(path); err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodDelete, "/api/spiffs/delete", pathQuery(path), nil, nil)
}

// Storage returns SPIFFS capacity and usage.
func (c *Client) Storage(ctx context.Context) (*StorageInfo, error) {
	var s StorageInfo
	if err := c.doJSON(ctx, http.MethodGet, "/api/spiffs/info", nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, query url.Values, body []byte, out any) error {
	resp, err := c.do(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env struct {
		OK    *bool  `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	if env.OK != nil && !*env.OK {
		return &RequestError{StatusCode: resp.StatusCode, Message: env.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body []byte) (*http.Response, error) {
	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		// The board's web server exposes a text/plain body as its "plain" argument.
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp, nil
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var env struct {
		Error string `json:"error"`
	}
	msg := ""
	if json.Unmarshal(data, &env) == nil {
		msg = env.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	return &RequestError{StatusCode: resp.StatusCode, Message: msg}
}

// pathQuery builds the path argument, rooted at "/" as SPIFFS expects.
func pathQuery(p string) url.Values {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return url.Values{"path": {p}}
}

func requirePath(p string) error {
	if strings.Trim(p, "/ ") == "" {
		return fmt.Errorf("file path is required")
	}
	return nil
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}
