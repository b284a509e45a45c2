package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Client posts NDJSON chunks to the remote ingestion endpoints.
type Client struct {
	endpoints map[Operation]string
	apiKey    string
	clientID  string
	http      *http.Client
	log       zerolog.Logger
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// BaseURL plus the per-operation paths form the three endpoints.
	BaseURL    string
	CreatePath string
	UpdatePath string
	DeletePath string

	APIKey   string
	ClientID string

	// Timeout bounds each request; zero means 30 seconds.
	Timeout time.Duration
}

// NewClient returns a Client for the configured endpoints.
func NewClient(opts ClientOptions, log zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoints: map[Operation]string{
			OpCreate: opts.BaseURL + "/" + opts.CreatePath,
			OpUpdate: opts.BaseURL + "/" + opts.UpdatePath,
			OpDelete: opts.BaseURL + "/" + opts.DeletePath,
		},
		apiKey:   opts.APIKey,
		clientID: opts.ClientID,
		http:     &http.Client{Timeout: timeout},
		log:      log.With().Str("component", "transfer").Logger(),
	}
}

// Send implements Sender. The chunk is serialized as one JSON object per
// line; chunk parameters travel in the query string.
func (c *Client) Send(ctx context.Context, op Operation, payload []map[string]any, meta Meta) (*Response, error) {
	endpoint, ok := c.endpoints[op]
	if !ok {
		return nil, fmt.Errorf("transfer: unknown operation %q", op)
	}

	body, err := encodeNDJSON(payload)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("operation", string(op))
	params.Set("schema", meta.Schema)
	params.Set("identity_column", meta.IdentityColumn)
	params.Set("table_name", meta.Table)
	params.Set("client_id", c.clientID)
	params.Set("count", strconv.Itoa(len(payload)))
	if op == OpCreate && meta.Generation != "" {
		params.Set("generation", meta.Generation)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+params.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transfer: failed to build request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	// NDJSON travels as plain text, one JSON object per line.
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transfer: request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("transfer: invalid response from %s: %w", endpoint, err)
	}

	c.log.Info().
		Str("operation", string(op)).
		Str("table", meta.Table).
		Int("count", len(payload)).
		Int("status_code", out.StatusCode).
		Str("queue_id", out.QueueID.String()).
		Msg("chunk sent")
	return &out, nil
}

// encodeNDJSON serializes records as newline-delimited JSON.
func encodeNDJSON(payload []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range payload {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("transfer: failed to encode record: %w", err)
		}
	}
	return buf.Bytes(), nil
}
