// Package iothub is a registry.Registry backed by the IoT Hub service REST API.
//
// Requests authenticate with a service SAS token issued from the shared access
// policy in the connection string and renewed before it expires.
package iothub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/fleetsim/registry"
	"github.com/arloliu/fleetsim/token"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultAPIVersion is the service API version sent with every request.
	DefaultAPIVersion = "2021-04-12"

	tokenRenewMargin = 5 * time.Minute
)

// Config configures the client.
type Config struct {
	// ConnectionString is the service policy connection string. When empty it
	// is read from the secret source.
	ConnectionString string        `yaml:"connectionString" env:"FLEETSIM_IOTHUB_CONNECTION_STRING"`
	APIVersion       string        `yaml:"apiVersion" default:"2021-04-12"`
	Timeout          time.Duration `yaml:"timeout" default:"30s" validate:"gt=0"`
	TokenValidity    time.Duration `yaml:"tokenValidity" default:"1h" validate:"gt=0"`
}

// Client talks to the IoT Hub registry.
type Client struct {
	http       *http.Client
	baseURL    string
	cs         ConnectionString
	apiVersion string
	validity   time.Duration
	now        func() time.Time

	mutex sync.Mutex
	sas   token.AccessToken
}

var _ registry.Registry = (*Client)(nil)

type clientOptions struct {
	baseURL    string
	apiVersion string
	validity   time.Duration
	timeout    time.Duration
	now        func() time.Time
	httpClient *http.Client
	tp         trace.TracerProvider
	mp         metric.MeterProvider
	prop       propagation.TextMapPropagator
}

// Option configures a Client.
type Option func(*clientOptions)

// WithBaseURL overrides "https://<HostName>".
func WithBaseURL(u string) Option {
	return func(o *clientOptions) { o.baseURL = strings.TrimSuffix(u, "/") }
}

// WithAPIVersion overrides DefaultAPIVersion.
func WithAPIVersion(v string) Option {
	return func(o *clientOptions) { o.apiVersion = v }
}

// WithTokenValidity sets the lifetime of service tokens. Default is one hour.
func WithTokenValidity(d time.Duration) Option {
	return func(o *clientOptions) { o.validity = d }
}

// WithTimeout sets the per-request timeout. Default is 30s.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.timeout = d }
}

// WithClock overrides the time source used for tokens and twin stamps.
func WithClock(now func() time.Time) Option {
	return func(o *clientOptions) { o.now = now }
}

// WithHTTPClient replaces the traced client built by New.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithProviders sets the OTel providers of the traced HTTP transport.
// Nil values fall back to the global providers.
func WithProviders(tp trace.TracerProvider, mp metric.MeterProvider, prop propagation.TextMapPropagator) Option {
	return func(o *clientOptions) {
		o.tp, o.mp, o.prop = tp, mp, prop
	}
}

// New creates a Client for the hub named in cs.
func New(cs ConnectionString, opts ...Option) *Client {
	o := clientOptions{
		baseURL:    "https://" + cs.HostName,
		apiVersion: DefaultAPIVersion,
		validity:   time.Hour,
		timeout:    30 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = newHTTPClient(o.timeout, o.tp, o.mp, o.prop)
	}

	return &Client{
		http:       o.httpClient,
		baseURL:    o.baseURL,
		cs:         cs,
		apiVersion: o.apiVersion,
		validity:   o.validity,
		now:        o.now,
	}
}

// NewFromConfig parses cfg.ConnectionString (or connString when it is set)
// and creates a Client.
func NewFromConfig(cfg Config, connString string, opts ...Option) (*Client, error) {
	if connString == "" {
		connString = cfg.ConnectionString
	}
	cs, err := ParseConnectionString(connString)
	if err != nil {
		return nil, err
	}
	base := []Option{WithTimeout(cfg.Timeout), WithTokenValidity(cfg.TokenValidity)}
	if cfg.APIVersion != "" {
		base = append(base, WithAPIVersion(cfg.APIVersion))
	}

	return New(cs, append(base, opts...)...), nil
}

// HostName returns the hub host name.
func (c *Client) HostName() string {
	return c.cs.HostName
}

// authorization returns a service token, issuing a new one near expiry.
func (c *Client) authorization() (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	if c.sas.Expiry.IsZero() || c.sas.NeedsRenewal(now, tokenRenewMargin) {
		sas, err := token.IssueWithKeyName(c.cs.HostName, c.cs.Key, c.cs.KeyName, now, c.validity)
		if err != nil {
			return "", err
		}
		c.sas = sas
	}

	return c.sas.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, header map[string]string) (int, []byte, error) {
	auth, err := c.authorization()
	if err != nil {
		return 0, nil, fmt.Errorf("service token: %w", err)
	}

	u := c.baseURL + path + "?api-version=" + url.QueryEscape(c.apiVersion)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s %s response: %w", method, path, err)
	}

	return resp.StatusCode, data, nil
}

func devicePath(id string) string {
	return "/devices/" + url.PathEscape(id)
}

func twinPath(id string) string {
	return "/twins/" + url.PathEscape(id)
}

// Create implements registry.Registry. Keys are generated by the hub.
func (c *Client) Create(ctx context.Context, id string) (string, error) {
	body, _ := sjson.SetBytes([]byte(`{}`), "deviceId", id)
	body, _ = sjson.SetBytes(body, "status", "enabled")
	body, _ = sjson.SetBytes(body, "authentication.type", "sas")

	status, resp, err := c.do(ctx, http.MethodPut, devicePath(id), body, nil)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusConflict:
		return "", registry.ErrAlreadyExists
	case status >= 300:
		return "", responseError(status, resp)
	}

	return primaryKey(resp)
}

// Get implements registry.Registry.
func (c *Client) Get(ctx context.Context, id string) (string, error) {
	status, resp, err := c.do(ctx, http.MethodGet, devicePath(id), nil, nil)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", responseError(status, resp)
	}

	return primaryKey(resp)
}

// Delete implements registry.Registry.
func (c *Client) Delete(ctx context.Context, id string) error {
	status, resp, err := c.do(ctx, http.MethodDelete, devicePath(id), nil, map[string]string{"If-Match": "*"})
	if err != nil {
		return err
	}
	if status >= 300 {
		return responseError(status, resp)
	}

	return nil
}

// GetTwin implements registry.Registry.
func (c *Client) GetTwin(ctx context.Context, id string) (registry.Twin, error) {
	status, resp, err := c.do(ctx, http.MethodGet, twinPath(id), nil, nil)
	if err != nil {
		return registry.Twin{}, err
	}
	if status >= 300 {
		return registry.Twin{}, responseError(status, resp)
	}

	doc := gjson.ParseBytes(resp)
	twin := registry.Twin{
		DeviceID: doc.Get("deviceId").String(),
		ETag:     doc.Get("etag").String(),
		Version:  doc.Get("version").Int(),
		Tags:     map[string]any{},
		Desired:  map[string]any{},
	}
	if tags, ok := doc.Get("tags").Value().(map[string]any); ok {
		twin.Tags = tags
	}
	if desired, ok := doc.Get("properties.desired").Value().(map[string]any); ok {
		twin.Desired = desired
	}

	return twin, nil
}

// UpdateTwin implements registry.Registry.
func (c *Client) UpdateTwin(ctx context.Context, id string, patch registry.Patch, etag string) error {
	body := []byte(`{}`)
	var err error
	if len(patch.Tags) > 0 {
		if body, err = sjson.SetBytes(body, "tags", patch.Tags); err != nil {
			return fmt.Errorf("encode twin tags: %w", err)
		}
	}
	if len(patch.Desired) > 0 {
		if body, err = sjson.SetBytes(body, "properties.desired", patch.Desired); err != nil {
			return fmt.Errorf("encode desired properties: %w", err)
		}
	}
	if etag == "" {
		etag = registry.AnyETag
	}

	status, resp, err := c.do(ctx, http.MethodPatch, twinPath(id), body, map[string]string{"If-Match": quoteETag(etag)})
	if err != nil {
		return err
	}
	if status >= 300 {
		return responseError(status, resp)
	}

	return nil
}

func quoteETag(etag string) string {
	if etag == registry.AnyETag || strings.HasPrefix(etag, `"`) {
		return etag
	}

	return `"` + etag + `"`
}

func primaryKey(resp []byte) (string, error) {
	key := gjson.GetBytes(resp, "authentication.symmetricKey.primaryKey").String()
	if key == "" {
		return "", fmt.Errorf("iothub: response carries no primary key")
	}

	return key, nil
}

// StatusError is a non-success response from the hub.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("iothub: status %d: %s", e.Status, e.Message)
}

// Unwrap maps well-known statuses to the registry sentinels.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return registry.ErrNotFound
	case http.StatusConflict:
		return registry.ErrAlreadyExists
	case http.StatusPreconditionFailed:
		return registry.ErrPreconditionFailed
	}

	return nil
}

func responseError(status int, body []byte) error {
	msg := gjson.GetBytes(body, "Message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	return &StatusError{Status: status, Message: msg}
}
