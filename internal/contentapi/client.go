// ABOUTME: HTTP client for content metadata and subscription credential lookups.
// ABOUTME: Absent data is a nil result; transport and non-2xx failures are errors.

package contentapi

import (
	"bytes"
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
)

// DefaultTimeout bounds each lookup.
const DefaultTimeout = 15 * time.Second

// maxBodyBytes caps how much of a response is read.
const maxBodyBytes = 1 << 20

// ContentMetadata describes a content item that a worker is bound to.
type ContentMetadata struct {
	ContentVersionID string
	ContentID        string
	DisplayName      string
	ContentType      string
	AuthRequired     bool
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Config contains configuration options for the Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the content catalogue service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client. BaseURL is required.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("content api base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parsing content api base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
		logger:  logger.With("component", "contentapi"),
	}, nil
}

type detailResponse struct {
	Data *struct {
		DigitalContentModel struct {
			Name        string `json:"name"`
			ContentType string `json:"contentType"`
		} `json:"digitalContentModel"`
	} `json:"data"`
}

// LookupContent fetches metadata for a content version. It returns nil, nil
// when the service has no data for the pair. Content that exists always
// requires a subscription credential.
func (c *Client) LookupContent(ctx context.Context, contentVersionID, contentID string) (*ContentMetadata, error) {
	q := url.Values{}
	q.Set("digitalContentId", contentID)
	q.Set("versionedContentId", contentVersionID)
	endpoint := c.baseURL + "/api/v1/digital-content/detail?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building detail request: %w", err)
	}

	var resp detailResponse
	if err := c.do(req, "content detail", &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		c.logger.Debug("no content metadata", "content_version_id", contentVersionID, "content_id", contentID)
		return nil, nil
	}

	return &ContentMetadata{
		ContentVersionID: contentVersionID,
		ContentID:        contentID,
		DisplayName:      resp.Data.DigitalContentModel.Name,
		ContentType:      resp.Data.DigitalContentModel.ContentType,
		AuthRequired:     true,
	}, nil
}

type credentialRequest struct {
	EmailID               string `json:"emailId"`
	APIVersionedContentID string `json:"apiVersionedContentId"`
}

type credentialResponse struct {
	Data *struct {
		ProductCredentials []struct {
			ClientID string `json:"clientId"`
		} `json:"productCredentials"`
	} `json:"data"`
}

// LookupCredential fetches the user's subscription credential for a content
// version. It returns "", nil when the user has no subscription.
func (c *Client) LookupCredential(ctx context.Context, contentVersionID, userID string) (string, error) {
	body, err := json.Marshal(credentialRequest{
		EmailID:               userID,
		APIVersionedContentID: contentVersionID,
	})
	if err != nil {
		return "", fmt.Errorf("encoding credential request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/digital-content/apis/fetch-credentials", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building credential request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp credentialResponse
	if err := c.do(req, "fetch credentials", &resp); err != nil {
		return "", err
	}
	if resp.Data == nil || len(resp.Data.ProductCredentials) == 0 {
		return "", nil
	}
	return resp.Data.ProductCredentials[0].ClientID, nil
}

func (c *Client) do(req *http.Request, endpoint string, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%s: reading response: %w", endpoint, err)
	}

	c.logger.Debug("content api call",
		"endpoint", endpoint,
		"status", res.StatusCode,
		"duration", time.Since(start),
	)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &StatusError{Endpoint: endpoint, StatusCode: res.StatusCode, Body: truncate(string(data), 200)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", endpoint, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
