// Package lce implements the shipper.API contract against the LCE / MyFlyingBox v2 REST API.
package lce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tournevent/shipsync/pkg/shipper"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Base URLs per environment.
const (
	StagingURL    = "https://test.myflyingbox.com/v2"
	ProductionURL = "https://api.myflyingbox.com/v2"
)

// BaseURLFor returns the API base URL of env ("production" or anything else for staging).
func BaseURLFor(env string) string {
	if strings.EqualFold(env, "production") {
		return ProductionURL
	}
	return StagingURL
}

// Config holds configuration for the HTTP client.
type Config struct {
	Login          string
	Password       string
	BaseURL        string
	Timeout        time.Duration
	ConnectTimeout time.Duration
}

// Client is the production implementation of shipper.API.
type Client struct {
	baseURL    string
	login      string
	password   string
	httpClient *http.Client
	logger     *otelzap.Logger
	tracer     trace.Tracer
}

// New creates an HTTP client. A nil tracer falls back to the global provider.
func New(cfg Config, logger *otelzap.Logger, tracer trace.Tracer) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = StagingURL
	}

	if tracer == nil {
		tracer = otel.Tracer("github.com/tournevent/shipsync/pkg/shipper/lce")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		login:    cfg.Login,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		logger: logger,
		tracer: tracer,
	}
}

// envelope is the outer JSON frame of every API response.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Quote  json.RawMessage `json:"quote"`
	Order  json.RawMessage `json:"order"`
	Error  json.RawMessage `json:"error"`
}

// payload returns the first non-empty of the candidate keys.
func (e *envelope) payload() json.RawMessage {
	for _, raw := range []json.RawMessage{e.Data, e.Quote, e.Order} {
		if len(raw) > 0 && string(raw) != "null" {
			return raw
		}
	}
	return nil
}

// RequestQuote posts a quote request: POST /quotes {"quote": ...}.
func (c *Client) RequestQuote(ctx context.Context, req *shipper.QuoteRequest) (*shipper.QuoteResult, error) {
	env, err := c.do(ctx, "RequestQuote", http.MethodPost, "/quotes", map[string]any{"quote": req})
	if err != nil {
		return nil, err
	}

	raw := env.payload()
	if raw == nil {
		return nil, shipper.NewAPIError(0, "quote response has no payload").WithCause(shipper.ErrEmptyResponse)
	}

	var result shipper.QuoteResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode quote response: %w", err)
	}
	return &result, nil
}

// PlaceOrder books an offer: POST /orders {"order": ...}.
func (c *Client) PlaceOrder(ctx context.Context, req *shipper.OrderRequest) (*shipper.OrderResult, error) {
	env, err := c.do(ctx, "PlaceOrder", http.MethodPost, "/orders", map[string]any{"order": req})
	if err != nil {
		return nil, err
	}

	raw := env.payload()
	if raw == nil {
		return nil, shipper.NewAPIError(0, "order response has no payload").WithCause(shipper.ErrEmptyResponse)
	}

	var result shipper.OrderResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}
	return &result, nil
}

// GetOrder fetches the order detail: GET /orders/{id}.
func (c *Client) GetOrder(ctx context.Context, orderID string) (shipper.Document, error) {
	return c.document(ctx, "GetOrder", "/orders/"+url.PathEscape(orderID))
}

// GetOrderTracking fetches tracking: GET /orders/{id}/tracking.
func (c *Client) GetOrderTracking(ctx context.Context, orderID string) (shipper.Document, error) {
	return c.document(ctx, "GetOrderTracking", "/orders/"+url.PathEscape(orderID)+"/tracking")
}

// CancelOrder cancels an order: DELETE /orders/{id}.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	_, err := c.do(ctx, "CancelOrder", http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil)
	return err
}

// GetDeliveryLocations lists relay points: GET /offers/{id}/available_delivery_locations.
func (c *Client) GetDeliveryLocations(ctx context.Context, offerID string, near shipper.LocationQuery) ([]shipper.DeliveryLocation, error) {
	q := url.Values{}
	q.Set("location[street]", near.Street)
	q.Set("location[city]", near.City)
	q.Set("location[postal_code]", near.PostalCode)
	q.Set("location[country]", near.Country)

	path := "/offers/" + url.PathEscape(offerID) + "/available_delivery_locations?" + q.Encode()
	env, err := c.do(ctx, "GetDeliveryLocations", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	raw := env.payload()
	if raw == nil {
		return nil, nil
	}

	var locations []shipper.DeliveryLocation
	if err := json.Unmarshal(raw, &locations); err != nil {
		return nil, fmt.Errorf("failed to decode delivery locations: %w", err)
	}
	return locations, nil
}

// LabelURL returns the direct label download URL.
func (c *Client) LabelURL(orderID, format string) string {
	if format == "" {
		format = "pdf"
	}
	return fmt.Sprintf("%s/orders/%s/labels?format=%s", c.baseURL, url.PathEscape(orderID), url.QueryEscape(format))
}

func (c *Client) document(ctx context.Context, op, path string) (shipper.Document, error) {
	env, err := c.do(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	raw := env.payload()
	if raw == nil {
		return shipper.Document{}, nil
	}

	doc, err := shipper.DecodeDocument(raw)
	if err != nil {
		// Payload is valid JSON but not an object (e.g. a bare event list).
		var list []any
		if listErr := json.Unmarshal(raw, &list); listErr == nil {
			return shipper.Document{"data": list}, nil
		}
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return doc, nil
}

// do performs an authenticated request and decodes the response envelope.
func (c *Client) do(ctx context.Context, op, method, path string, body any) (*envelope, error) {
	ctx, span := c.tracer.Start(ctx, "lce."+op, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("lce.path", path),
	))
	defer span.End()

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.SetBasicAuth(c.login, c.password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "shipsync/1.0")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Ctx(ctx).Warn("Shipping API request failed",
			zap.String("operation", op),
			zap.Error(err),
		)
		return nil, shipper.NewAPIError(0, "request failed: "+transportMessage(err)).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, shipper.NewAPIError(0, "reading response: connection interrupted").WithCause(err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.logger.Ctx(ctx).Debug("Shipping API response",
		zap.String("operation", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := shipper.NewAPIError(resp.StatusCode, errorMessage(env.Error, raw))
		span.SetStatus(codes.Error, apiErr.Message)
		return nil, apiErr
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return &envelope{}, nil
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, decodeErr)
	}

	if env.Status == "failure" {
		apiErr := shipper.NewAPIError(0, errorMessage(env.Error, raw))
		span.SetStatus(codes.Error, apiErr.Message)
		return nil, apiErr
	}

	return &env, nil
}

// errorMessage extracts the most specific text from an error object:
// details[0], then message, then type.
func errorMessage(rawErr json.RawMessage, body []byte) string {
	if len(rawErr) > 0 {
		var asString string
		if err := json.Unmarshal(rawErr, &asString); err == nil && asString != "" {
			return asString
		}

		var obj struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			Details []any  `json:"details"`
		}
		if err := json.Unmarshal(rawErr, &obj); err == nil {
			if len(obj.Details) > 0 {
				if s, ok := obj.Details[0].(string); ok && s != "" {
					return s
				}
				if b, err := json.Marshal(obj.Details[0]); err == nil {
					return string(b)
				}
			}
			if obj.Message != "" {
				return obj.Message
			}
			if obj.Type != "" {
				return obj.Type
			}
		}
	}

	var simple struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &simple); err == nil && simple.Message != "" {
		return simple.Message
	}

	text := strings.TrimSpace(string(body))
	if text == "" {
		return "unknown error"
	}
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

func transportMessage(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "connection error"
}

// Ensure Client implements shipper.API.
var _ shipper.API = (*Client)(nil)
