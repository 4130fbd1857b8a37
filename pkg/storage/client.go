package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Receipt is what the store hands back for an accepted upload.
type Receipt struct {
	// Locator is the absolute download URL for the stored blob.
	Locator string
	// Size is the stored byte count.
	Size int64
	// Expiry is when the store may delete the blob.
	Expiry time.Time
}

// Client talks to a fallback storage server.
type Client struct {
	endpoint string
	http     *http.Client
	log      *slog.Logger
}

// NewClient returns a client for the store at endpoint, for example
// "http://192.168.1.10:8080". A zero timeout means no client-side limit
// beyond the request context.
func NewClient(endpoint string, timeout time.Duration, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
		log:      log,
	}
}

// Upload stores a blob under the given display name and returns its
// receipt.
func (c *Client) Upload(ctx context.Context, name string, data []byte) (*Receipt, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/upload", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var resp uploadResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("upload %q: %w", name, err)
	}

	locator, err := c.absolute(resp.DownloadURL)
	if err != nil {
		return nil, fmt.Errorf("upload %q: %w", name, err)
	}
	c.log.Info("uploaded to fallback storage", "name", name, "size", resp.Size, "expires_at", resp.ExpiresAt)
	return &Receipt{Locator: locator, Size: resp.Size, Expiry: resp.ExpiresAt}, nil
}

// Download fetches a stored blob. The locator may be the absolute URL
// from a receipt or a server-relative path.
func (c *Client) Download(ctx context.Context, locator string) ([]byte, error) {
	target, err := c.absolute(locator)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: %s", target, readError(resp))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", target, err)
	}
	return data, nil
}

// Cleanup asks the store to drop blobs older than maxAge and returns
// how many were removed.
func (c *Client) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	target := c.endpoint + "/cleanup"
	if maxAge > 0 {
		target += "?max_age_seconds=" + strconv.FormatInt(int64(maxAge/time.Second), 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return 0, err
	}

	var resp cleanupResponse
	if err := c.do(req, &resp); err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return resp.RemovedFiles, nil
}

// Stats reports the store's current contents.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/stats", nil)
	if err != nil {
		return nil, err
	}
	var resp StatsResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &resp, nil
}

// Health checks the store is reachable and answering.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	var resp map[string]string
	if err := c.do(req, &resp); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s", readError(resp))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// absolute resolves a server-relative download path against the
// endpoint; already-absolute locators pass through.
func (c *Client) absolute(locator string) (string, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("bad locator %q: %w", locator, err)
	}
	if u.IsAbs() {
		return locator, nil
	}
	return c.endpoint + "/" + strings.TrimLeft(locator, "/"), nil
}

func readError(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		return fmt.Sprintf("%s (%s)", body.Error, resp.Status)
	}
	return resp.Status
}
