package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"custom-domain-reconciler/internal/config"

	"github.com/rs/zerolog/log"
)

// Cloudflare for SaaS custom hostnames.
// Customers CNAME their hostname to the fallback origin, the hostname is
// registered here, and Cloudflare issues the certificate and routes traffic.

const (
	cfCodeHostnameExists = 1406
	cfCodeNotFound       = 1404
)

// CloudflareClient handles Cloudflare custom hostname API operations
type CloudflareClient struct {
	cfg        *config.CloudflareConfig
	httpClient *http.Client
	baseURL    string
}

// CloudflareError represents an error from the Cloudflare API
type CloudflareError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// APIError is returned for any unsuccessful Cloudflare response.
type APIError struct {
	StatusCode int
	Errors     []CloudflareError
}

func (e *APIError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("cloudflare API error: %s (code: %d, http %d)", e.Errors[0].Message, e.Errors[0].Code, e.StatusCode)
	}
	return fmt.Sprintf("cloudflare API request failed (http %d)", e.StatusCode)
}

// HasCode reports whether the response carried the given Cloudflare error code.
func (e *APIError) HasCode(code int) bool {
	for _, cfErr := range e.Errors {
		if cfErr.Code == code {
			return true
		}
	}
	return false
}

// Temporary reports whether retrying later may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == 0
}

// IsNotFound reports whether the custom hostname no longer exists.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.HasCode(cfCodeNotFound)
}

// CustomHostname represents a Cloudflare Custom Hostname (for SaaS)
type CustomHostname struct {
	ID                 string             `json:"id,omitempty"`
	Hostname           string             `json:"hostname"`
	SSL                *CustomHostnameSSL `json:"ssl,omitempty"`
	CustomOriginServer string             `json:"custom_origin_server,omitempty"`
	Status             string             `json:"status,omitempty"`
	VerificationErrors []string           `json:"verification_errors,omitempty"`
	CreatedAt          string             `json:"created_at,omitempty"`
}

// CustomHostnameSSL represents SSL configuration for a custom hostname
type CustomHostnameSSL struct {
	ID                   string                      `json:"id,omitempty"`
	Status               string                      `json:"status,omitempty"`
	Method               string                      `json:"method,omitempty"`
	Type                 string                      `json:"type,omitempty"`
	CertificateAuthority string                      `json:"certificate_authority,omitempty"`
	ValidationErrors     []SSLValidationError        `json:"validation_errors,omitempty"`
	Settings             *CustomHostnameSSLSettings  `json:"settings,omitempty"`
	Certificates         []CustomHostnameCertificate `json:"certificates,omitempty"`
}

// CustomHostnameSSLSettings represents SSL settings for custom hostname
type CustomHostnameSSLSettings struct {
	MinTLSVersion string `json:"min_tls_version,omitempty"`
	TLS13         string `json:"tls_1_3,omitempty"`
}

// CustomHostnameCertificate is one certificate deployed for the hostname
type CustomHostnameCertificate struct {
	ID        string     `json:"id"`
	Issuer    string     `json:"issuer,omitempty"`
	ExpiresOn *time.Time `json:"expires_on,omitempty"`
}

// SSLValidationError represents a validation error
type SSLValidationError struct {
	Message string `json:"message"`
}

// LatestExpiry returns the furthest expiry across deployed certificates.
func (h *CustomHostname) LatestExpiry() *time.Time {
	if h == nil || h.SSL == nil {
		return nil
	}
	var latest *time.Time
	for _, cert := range h.SSL.Certificates {
		if cert.ExpiresOn == nil {
			continue
		}
		if latest == nil || cert.ExpiresOn.After(*latest) {
			expires := *cert.ExpiresOn
			latest = &expires
		}
	}
	return latest
}

// SSLStatus returns the certificate status reported for the hostname.
func (h *CustomHostname) SSLStatus() string {
	if h == nil || h.SSL == nil {
		return ""
	}
	return h.SSL.Status
}

type customHostnameResponse struct {
	Success bool              `json:"success"`
	Errors  []CloudflareError `json:"errors"`
	Result  *CustomHostname   `json:"result,omitempty"`
}

type customHostnamesListResponse struct {
	Success bool              `json:"success"`
	Errors  []CloudflareError `json:"errors"`
	Result  []CustomHostname  `json:"result"`
}

type createCustomHostnameRequest struct {
	Hostname           string             `json:"hostname"`
	SSL                *CustomHostnameSSL `json:"ssl,omitempty"`
	CustomOriginServer string             `json:"custom_origin_server,omitempty"`
}

// NewCloudflareClient creates a new Cloudflare client
func NewCloudflareClient(cfg *config.CloudflareConfig) *CloudflareClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.cloudflare.com/client/v4"
	}
	return &CloudflareClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
	}
}

// FallbackOrigin returns the origin custom hostnames are bound to
func (c *CloudflareClient) FallbackOrigin() string {
	return c.cfg.FallbackDomain
}

// CreateCustomHostname registers hostname so Cloudflare issues SSL and routes
// traffic to the fallback origin. An existing registration is returned as is.
func (c *CloudflareClient) CreateCustomHostname(ctx context.Context, hostname string) (*CustomHostname, error) {
	log.Info().Str("hostname", hostname).Str("zone_id", c.cfg.ZoneID).Msg("Creating Cloudflare Custom Hostname")

	reqBody := createCustomHostnameRequest{
		Hostname: hostname,
		SSL: &CustomHostnameSSL{
			Method: "http",
			Type:   "dv",
			Settings: &CustomHostnameSSLSettings{
				MinTLSVersion: "1.2",
				TLS13:         "on",
			},
		},
		CustomOriginServer: c.cfg.FallbackDomain,
	}

	var result customHostnameResponse
	err := c.do(ctx, http.MethodPost, c.hostnamesURL(""), reqBody, &result)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.HasCode(cfCodeHostnameExists) {
			log.Info().Str("hostname", hostname).Msg("Custom hostname already exists, fetching existing")
			existing, getErr := c.GetCustomHostnameByName(ctx, hostname)
			if getErr != nil {
				return nil, getErr
			}
			if existing == nil {
				return nil, err
			}
			return existing, nil
		}
		return nil, err
	}
	if result.Result == nil {
		return nil, fmt.Errorf("cloudflare returned no custom hostname for %s", hostname)
	}

	log.Info().
		Str("hostname", hostname).
		Str("id", result.Result.ID).
		Str("status", result.Result.Status).
		Msg("Successfully created Cloudflare Custom Hostname")

	return result.Result, nil
}

// GetCustomHostname retrieves a custom hostname by its ID
func (c *CloudflareClient) GetCustomHostname(ctx context.Context, hostnameID string) (*CustomHostname, error) {
	var result customHostnameResponse
	if err := c.do(ctx, http.MethodGet, c.hostnamesURL(hostnameID), nil, &result); err != nil {
		return nil, err
	}
	if result.Result == nil {
		return nil, fmt.Errorf("cloudflare returned no custom hostname for id %s", hostnameID)
	}
	return result.Result, nil
}

// GetCustomHostnameByName retrieves a custom hostname by hostname, or nil if none is registered
func (c *CloudflareClient) GetCustomHostnameByName(ctx context.Context, hostname string) (*CustomHostname, error) {
	endpoint := c.hostnamesURL("") + "?hostname=" + url.QueryEscape(hostname)

	var result customHostnamesListResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &result); err != nil {
		return nil, err
	}
	if len(result.Result) == 0 {
		return nil, nil
	}
	return &result.Result[0], nil
}

// RefreshCustomHostnameSSL triggers re-validation and reissue of SSL for a custom hostname
func (c *CloudflareClient) RefreshCustomHostnameSSL(ctx context.Context, hostnameID string) (*CustomHostname, error) {
	reqBody := map[string]interface{}{
		"ssl": map[string]interface{}{
			"method": "http",
			"type":   "dv",
		},
	}

	var result customHostnameResponse
	if err := c.do(ctx, http.MethodPatch, c.hostnamesURL(hostnameID), reqBody, &result); err != nil {
		return nil, err
	}
	if result.Result == nil {
		return nil, fmt.Errorf("cloudflare returned no custom hostname for id %s", hostnameID)
	}
	return result.Result, nil
}

func (c *CloudflareClient) hostnamesURL(id string) string {
	endpoint := fmt.Sprintf("%s/zones/%s/custom_hostnames", c.baseURL, c.cfg.ZoneID)
	if id != "" {
		endpoint += "/" + url.PathEscape(id)
	}
	return endpoint
}

// envelope is the part of every Cloudflare response do() inspects.
type envelope struct {
	Success bool              `json:"success"`
	Errors  []CloudflareError `json:"errors"`
}

func (c *CloudflareClient) do(ctx context.Context, method, endpoint string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode}
		}
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if !env.Success || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Errors: env.Errors}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
