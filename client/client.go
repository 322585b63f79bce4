// Package client provides a Go client for the hyperstore RPC API.
//
// Basic usage:
//
//	c := client.New("http://localhost:8080", client.WithToken("role_..."))
//
//	ctx := context.Background()
//
//	// Compress a chunk
//	size, err := c.CompressChunk(ctx, 3, false)
//
//	// Inspect a hypertable
//	stats, err := c.HypertableStats(ctx, 1)
package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client is a hyperstore client
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *fasthttp.Client
}

// New creates a new client
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		timeout:    30 * time.Second,
		httpClient: &fasthttp.Client{Name: "hyperstore-go"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures a Client
type Option func(*Client)

// WithToken sets the bearer token
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithTimeout sets the per-call timeout. Compressing a large chunk can
// take a while; the default is 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient sets a custom fasthttp client
func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// rpc sends ["method", args...] and decodes the result into out. A nil
// out discards the result.
func (c *Client) rpc(ctx context.Context, out interface{}, method string, args ...interface{}) error {
	body, err := json.Marshal(append([]interface{}{method}, args...))
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + "/rpc")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.SetBody(body)

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.httpClient.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode() != fasthttp.StatusOK {
		var errResp struct {
			Error *Error `json:"error"`
		}
		if err := json.Unmarshal(resp.Body(), &errResp); err == nil && errResp.Error != nil {
			return errResp.Error
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode(), string(resp.Body()))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Version returns the server version
func (c *Client) Version(ctx context.Context) (string, error) {
	var v string
	err := c.rpc(ctx, &v, "sys.version")
	return v, err
}

// Health returns the server health
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.rpc(ctx, &h, "sys.health"); err != nil {
		return nil, err
	}
	return &h, nil
}

// CreateRole creates a role and returns its token. Requires a superuser
// token.
func (c *Client) CreateRole(ctx context.Context, name string, superuser bool) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.rpc(ctx, &out, "role.create", name, map[string]interface{}{"superuser": superuser})
	return out.Token, err
}

// CreateHypertable creates a hypertable owned by the caller
func (c *Client) CreateHypertable(ctx context.Context, opts HypertableOptions) (*Hypertable, error) {
	var h Hypertable
	if err := c.rpc(ctx, &h, "hypertable.create", opts); err != nil {
		return nil, err
	}
	return &h, nil
}

// EnableCompression enables compression on a hypertable
func (c *Client) EnableCompression(ctx context.Context, htID int32, opts CompressionOptions) (*Hypertable, error) {
	var h Hypertable
	if err := c.rpc(ctx, &h, "hypertable.enable_compression", htID, opts); err != nil {
		return nil, err
	}
	return &h, nil
}

// DisableCompression removes the compression settings of a hypertable
// that has no compressed chunks
func (c *Client) DisableCompression(ctx context.Context, htID int32) error {
	return c.rpc(ctx, nil, "hypertable.disable_compression", htID)
}

// Insert writes rows given in column order and returns how many were
// inserted
func (c *Client) Insert(ctx context.Context, htID int32, rows [][]interface{}) (int, error) {
	var out struct {
		Inserted int `json:"inserted"`
	}
	err := c.rpc(ctx, &out, "hypertable.insert", htID, rows)
	return out.Inserted, err
}

// CompressChunk compresses a chunk. With ifNotCompressed an already
// compressed chunk returns (nil, nil).
func (c *Client) CompressChunk(ctx context.Context, chunkID int32, ifNotCompressed bool) (*ChunkSize, error) {
	var size *ChunkSize
	opts := map[string]interface{}{"if_not_compressed": ifNotCompressed}
	if err := c.rpc(ctx, &size, "chunk.compress", chunkID, opts); err != nil {
		return nil, err
	}
	return size, nil
}

// DecompressChunk restores a compressed chunk. With ifCompressed an
// uncompressed chunk is not an error.
func (c *Client) DecompressChunk(ctx context.Context, chunkID int32, ifCompressed bool) error {
	opts := map[string]interface{}{"if_compressed": ifCompressed}
	return c.rpc(ctx, nil, "chunk.decompress", chunkID, opts)
}

// ChunkStats lists the chunks of a hypertable with their sizes
func (c *Client) ChunkStats(ctx context.Context, htID int32) ([]*ChunkInfo, error) {
	var chunks []*ChunkInfo
	if err := c.rpc(ctx, &chunks, "chunk.stats", htID); err != nil {
		return nil, err
	}
	return chunks, nil
}

// HypertableStats aggregates the chunk statistics of a hypertable
func (c *Client) HypertableStats(ctx context.Context, htID int32) (*Stats, error) {
	var out struct {
		Stats *Stats  `json:"stats"`
		Ratio float64 `json:"ratio"`
	}
	if err := c.rpc(ctx, &out, "hypertable.stats", htID); err != nil {
		return nil, err
	}
	if out.Stats == nil {
		return nil, fmt.Errorf("hypertable.stats returned no stats")
	}
	out.Stats.Ratio = out.Ratio
	return out.Stats, nil
}

// CompressOlderThan compresses every chunk ending at or before cutoff and
// returns the names of the chunks it compressed
func (c *Client) CompressOlderThan(ctx context.Context, htID int32, cutoff int64) ([]string, error) {
	var out struct {
		Chunks []string `json:"chunks"`
	}
	err := c.rpc(ctx, &out, "hypertable.compress_older_than", htID, cutoff)
	return out.Chunks, err
}

// DropChunksOlderThan drops every chunk ending at or before cutoff and
// returns the names of the dropped chunks.
// WARNING: This permanently deletes data.
func (c *Client) DropChunksOlderThan(ctx context.Context, htID int32, cutoff int64) ([]string, error) {
	var out struct {
		Chunks []string `json:"chunks"`
	}
	err := c.rpc(ctx, &out, "hypertable.drop_chunks_older_than", htID, cutoff)
	return out.Chunks, err
}
