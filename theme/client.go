// Package theme reads and patches a shop's theme layout through the Shopify
// Admin API.
package theme

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"pagespeed/model"
)

const (
	// DefaultAPIVersion is the pinned Admin API version.
	DefaultAPIVersion = "2024-01"

	// AccessTokenHeader authenticates every Admin API call.
	AccessTokenHeader = "X-Shopify-Access-Token"

	DefaultUserAgent = "pagespeed/1.0"
	DefaultTimeout   = 30 * time.Second

	acceptEncoding = "gzip, br"
)

// ClientConfig configures a Client for a single shop.
type ClientConfig struct {
	ShopDomain  string
	AccessToken string
	APIVersion  string

	// BaseURL overrides https://{ShopDomain}. Used for local development
	// and tests.
	BaseURL string

	UserAgent  string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client performs the theme and asset calls against the Admin API. It does
// not retry; a failed call is reported to the caller as is.
type Client struct {
	shop       string
	baseURL    string
	apiVersion string
	token      string
	userAgent  string
	http       *http.Client
	logger     *slog.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ShopDomain == "" && cfg.BaseURL == "" {
		return nil, errors.New("shop domain is required")
	}
	if cfg.AccessToken == "" {
		return nil, errors.New("access token is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://" + cfg.ShopDomain
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		shop:       cfg.ShopDomain,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: cfg.APIVersion,
		token:      cfg.AccessToken,
		userAgent:  cfg.UserAgent,
		http:       cfg.HTTPClient,
		logger:     cfg.Logger.With(slog.String("component", "theme_client")),
	}, nil
}

// Shop returns the shop domain this client talks to.
func (c *Client) Shop() string {
	return c.shop
}

// ActiveThemeID returns the id of the first theme whose role is main.
func (c *Client) ActiveThemeID(ctx context.Context) (string, error) {
	const op = "get themes"

	var body struct {
		Themes *[]model.Theme `json:"themes"`
	}
	if err := c.do(ctx, op, http.MethodGet, c.endpoint("themes.json"), nil, &body); err != nil {
		return "", err
	}
	if body.Themes == nil {
		return "", &ParseError{Op: op, Err: errors.New("missing themes collection")}
	}

	for _, t := range *body.Themes {
		if t.Role == model.RoleMain {
			return string(t.ID), nil
		}
	}
	return "", &NotFoundError{Resource: "active theme"}
}

// GetAsset returns the full text of the asset stored under key.
func (c *Client) GetAsset(ctx context.Context, themeID, key string) (string, error) {
	const op = "get theme asset"

	q := url.Values{}
	q.Set("asset[key]", key)
	endpoint := c.endpoint("themes/"+url.PathEscape(themeID)+"/assets.json") + "?" + q.Encode()

	var body struct {
		Asset *struct {
			Key   string  `json:"key"`
			Value *string `json:"value"`
		} `json:"asset"`
	}
	if err := c.do(ctx, op, http.MethodGet, endpoint, nil, &body); err != nil {
		return "", err
	}
	if body.Asset == nil || body.Asset.Value == nil {
		return "", &ParseError{Op: op, Err: errors.New("missing asset.value")}
	}
	return *body.Asset.Value, nil
}

// PutAsset overwrites the asset stored under key with value.
func (c *Client) PutAsset(ctx context.Context, themeID, key, value string) (bool, error) {
	const op = "update theme asset"

	payload := struct {
		Asset model.Asset `json:"asset"`
	}{Asset: model.Asset{Key: key, Value: value}}

	endpoint := c.endpoint("themes/" + url.PathEscape(themeID) + "/assets.json")
	if err := c.do(ctx, op, http.MethodPut, endpoint, payload, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/admin/api/" + c.apiVersion + "/" + path
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set(AccessTokenHeader, c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", acceptEncoding)
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "admin api call",
		slog.String("op", op),
		slog.String("method", method),
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &RemoteError{Op: op, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	if out == nil {
		return nil
	}

	r, err := decodeBody(resp)
	if err != nil {
		return &ParseError{Op: op, Err: err}
	}
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return &ParseError{Op: op, Err: err}
	}
	return nil
}

// decodeBody undoes the Content-Encoding negotiated by acceptEncoding.
func decodeBody(resp *http.Response) (io.Reader, error) {
	switch enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}
