// Package generator talks to the upstream image-generation service. It only
// forwards requests; prompts, models and image processing live upstream.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var ErrNotConfigured = errors.New("image generator not configured")

type Request struct {
	LicenseID    string `json:"license_id"`
	Prompt       string `json:"prompt"`
	ProductCount int    `json:"product_count"`
	MaxSizeKB    int    `json:"max_size_kb"`
}

type Image struct {
	URL    string `json:"url"`
	SizeKB int    `json:"size_kb"`
}

type Client struct {
	url  string
	http *http.Client
}

func New(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{url: url, http: &http.Client{Timeout: timeout}}
}

func (c *Client) Generate(ctx context.Context, req Request) (Image, error) {
	if c.url == "" {
		return Image{}, ErrNotConfigured
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Image{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Image{}, err
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Image{}, fmt.Errorf("generator request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Image{}, fmt.Errorf("generator returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var img Image
	if err := json.NewDecoder(resp.Body).Decode(&img); err != nil {
		return Image{}, fmt.Errorf("decode generator response: %w", err)
	}
	if img.URL == "" {
		return Image{}, errors.New("generator response missing url")
	}
	return img, nil
}
