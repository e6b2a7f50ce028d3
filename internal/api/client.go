// Package api implements the authenticated client for the research data
// management REST API: node reads, paginated collection fetches, and the
// storage bridge operations (ranged download, upload, delete, move).
//
// All upstream failures leave this package classified as *UpstreamError;
// transient ones are additionally wrapped retryable so the bounded backoff
// in Do/DoWithResult applies here and nowhere else.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rdmount/rdmount/internal/logging"
	"github.com/rdmount/rdmount/internal/metrics"
	"github.com/rdmount/rdmount/internal/protocol"
	"github.com/rdmount/rdmount/internal/retry"
)

// DefaultPageSize is the page size bound requested from collection
// endpoints. Continuation links returned by the API carry it forward.
const DefaultPageSize = 100

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	Token       string
	PageSize    int
}

// Client talks to the API with bearer auth and bounded retry.
type Client struct {
	baseURL     string
	pageSize    int
	httpClient  *http.Client
	retryConfig retry.Config

	mu    sync.RWMutex
	token string
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}

	return &Client{
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		pageSize: cfg.PageSize,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		token:       cfg.Token,
	}
}

// SetToken sets the bearer token for subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// applyAuth adds the auth header to a request if a token is set.
func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// resourceURL builds an API URL from path segments, with trailing slash.
func (c *Client) resourceURL(parts ...string) string {
	return c.baseURL + "/" + strings.Join(parts, "/") + "/"
}

// collectionURL builds an API URL with the page-size bound applied.
func (c *Client) collectionURL(parts ...string) string {
	return AddQuery(c.resourceURL(parts...), "page[size]", fmt.Sprintf("%d", c.pageSize))
}

// AddQuery returns rawurl with one query parameter appended, preserving
// any parameters already present.
func AddQuery(rawurl, key, value string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return rawurl
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

// readErrorDetail extracts a human-readable detail from an error body.
// Node-service bodies carry a JSON:API errors array; bridge bodies carry
// a bare message field.
func readErrorDetail(r io.Reader, status int) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	for _, path := range []string{"errors.0.detail", "message"} {
		if v := gjson.GetBytes(data, path); v.Str != "" {
			return v.Str
		}
	}
	return http.StatusText(status)
}

// do executes one request attempt. Failures come back classified, with
// transient ones wrapped retryable. On success the response body is open
// and owned by the caller.
func (c *Client) do(ctx context.Context, op, method, rawurl string, body io.Reader) (*http.Response, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, method, rawurl, body)
	if err != nil {
		return nil, err
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordAPIRequest(op, 0, time.Since(start))
		return nil, retry.Retryable(&UpstreamError{
			Kind:   Transient,
			Detail: err.Error(),
			URL:    rawurl,
		})
	}

	metrics.RecordAPIRequest(op, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 400 {
		detail := readErrorDetail(resp.Body, resp.StatusCode)
		resp.Body.Close()
		ue := &UpstreamError{
			Kind:   classifyStatus(resp.StatusCode),
			Status: resp.StatusCode,
			Detail: detail,
			URL:    rawurl,
		}
		if ue.Kind == Unauthorized {
			logging.Warn("credential rejected",
				logging.String("op", op),
				logging.Int("status", resp.StatusCode))
		}
		if ue.Kind == Transient {
			return nil, retry.Retryable(ue)
		}
		return nil, ue
	}

	logging.Debug("api request",
		logging.String("op", op),
		logging.String("method", method),
		logging.Int("status", resp.StatusCode),
		logging.Duration("duration", time.Since(start)))

	return resp, nil
}

// getDocument fetches and decodes a single-resource envelope.
func (c *Client) getDocument(ctx context.Context, op, rawurl string) (*protocol.Document, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() (*protocol.Document, error) {
		resp, err := c.do(ctx, op, "GET", rawurl, nil)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var doc protocol.Document
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", op, err)
		}
		return &doc, nil
	})
}

// getListPage fetches and decodes one collection page.
func (c *Client) getListPage(ctx context.Context, op, rawurl string) (*protocol.ListDocument, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() (*protocol.ListDocument, error) {
		resp, err := c.do(ctx, op, "GET", rawurl, nil)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var doc protocol.ListDocument
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s page: %w", op, err)
		}
		return &doc, nil
	})
}

// collectResources walks a paginated collection from its first page,
// following continuation links until none remains. A failure on any page
// aborts the whole fetch; nothing partial is returned.
func (c *Client) collectResources(ctx context.Context, op, first string) ([]protocol.Resource, error) {
	var items []protocol.Resource
	pages := 0

	next := first
	for next != "" {
		doc, err := c.getListPage(ctx, op, next)
		if err != nil {
			return nil, err
		}
		items = append(items, doc.Data...)
		pages++
		next = doc.Links.Next
	}

	metrics.RecordCollectionFetch(op, pages, len(items))
	logging.Debug("collection fetched",
		logging.String("op", op),
		logging.Int("pages", pages),
		logging.Int("items", len(items)))
	return items, nil
}

// GetNode fetches one node by id.
func (c *Client) GetNode(ctx context.Context, id string) (protocol.Node, error) {
	doc, err := c.getDocument(ctx, "node", c.resourceURL("nodes", id))
	if err != nil {
		return protocol.Node{}, err
	}
	return protocol.DecodeNode(doc.Data)
}

// GetFile refreshes one file entry by its API id.
func (c *Client) GetFile(ctx context.Context, id string) (protocol.RemoteEntry, error) {
	doc, err := c.getDocument(ctx, "file", c.resourceURL("files", id))
	if err != nil {
		return protocol.RemoteEntry{}, err
	}
	return protocol.DecodeEntry(doc.Data)
}

// ListChildren fetches the full child-node collection of a node.
func (c *Client) ListChildren(ctx context.Context, id string) ([]protocol.Node, error) {
	return c.collectNodes(ctx, "children", c.collectionURL("nodes", id, "children"))
}

// ListLinked fetches the full linked-node collection of a node.
func (c *Client) ListLinked(ctx context.Context, id string) ([]protocol.Node, error) {
	return c.collectNodes(ctx, "linked", c.collectionURL("nodes", id, "linked_nodes"))
}

// ListUserNodes fetches every node the credential can access.
func (c *Client) ListUserNodes(ctx context.Context) ([]protocol.Node, error) {
	return c.collectNodes(ctx, "user_nodes", c.collectionURL("users", "me", "nodes"))
}

func (c *Client) collectNodes(ctx context.Context, op, first string) ([]protocol.Node, error) {
	resources, err := c.collectResources(ctx, op, first)
	if err != nil {
		return nil, err
	}
	nodes := make([]protocol.Node, 0, len(resources))
	for _, r := range resources {
		n, err := protocol.DecodeNode(r)
		if err != nil {
			return nil, fmt.Errorf("decode node %s: %w", r.ID, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// ListProviders fetches the storage providers advertised by a node.
func (c *Client) ListProviders(ctx context.Context, id string) ([]protocol.RemoteEntry, error) {
	return c.collectEntries(ctx, "providers", c.collectionURL("nodes", id, "files"))
}

// ListFolder fetches a storage folder listing from its listing URL.
func (c *Client) ListFolder(ctx context.Context, listURL string) ([]protocol.RemoteEntry, error) {
	return c.collectEntries(ctx, "folder", AddQuery(listURL, "page[size]", fmt.Sprintf("%d", c.pageSize)))
}

func (c *Client) collectEntries(ctx context.Context, op, first string) ([]protocol.RemoteEntry, error) {
	resources, err := c.collectResources(ctx, op, first)
	if err != nil {
		return nil, err
	}
	entries := make([]protocol.RemoteEntry, 0, len(resources))
	for _, r := range resources {
		e, err := protocol.DecodeEntry(r)
		if err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", r.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Download fetches content from a download URL with optional range.
// length <= 0 means to the end of the entry.
func (c *Client) Download(ctx context.Context, rawurl string, offset, length int64) (io.ReadCloser, int64, error) {
	var reader io.ReadCloser
	var totalSize int64

	err := retry.Do(ctx, c.retryConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, "GET", rawurl, nil)
		if err != nil {
			return err
		}

		if offset > 0 || length > 0 {
			end := ""
			if length > 0 {
				end = fmt.Sprintf("%d", offset+length-1)
			}
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%s", offset, end))
		}
		c.applyAuth(req)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.RecordAPIRequest("download", 0, time.Since(start))
			return retry.Retryable(&UpstreamError{Kind: Transient, Detail: err.Error(), URL: rawurl})
		}
		metrics.RecordAPIRequest("download", resp.StatusCode, time.Since(start))

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			detail := readErrorDetail(resp.Body, resp.StatusCode)
			resp.Body.Close()
			ue := &UpstreamError{Kind: classifyStatus(resp.StatusCode), Status: resp.StatusCode, Detail: detail, URL: rawurl}
			if ue.Kind == Transient {
				return retry.Retryable(ue)
			}
			return ue
		}

		totalSize = resp.ContentLength
		reader = resp.Body
		return nil
	})

	return reader, totalSize, err
}

// Upload sends content to an upload URL, rewinding the body before each
// attempt. The bridge responds with the resulting entity's metadata.
func (c *Client) Upload(ctx context.Context, rawurl string, body io.ReadSeeker, size int64) (*protocol.BridgeEntity, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() (*protocol.BridgeEntity, error) {
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, "PUT", rawurl, body)
		if err != nil {
			return nil, err
		}
		req.ContentLength = size
		req.Header.Set("Content-Type", "application/octet-stream")
		c.applyAuth(req)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.RecordAPIRequest("upload", 0, time.Since(start))
			return nil, retry.Retryable(&UpstreamError{Kind: Transient, Detail: err.Error(), URL: rawurl})
		}
		defer resp.Body.Close()
		metrics.RecordAPIRequest("upload", resp.StatusCode, time.Since(start))

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			ue := &UpstreamError{
				Kind:   classifyStatus(resp.StatusCode),
				Status: resp.StatusCode,
				Detail: readErrorDetail(resp.Body, resp.StatusCode),
				URL:    rawurl,
			}
			if ue.Kind == Transient {
				return nil, retry.Retryable(ue)
			}
			return nil, ue
		}

		var entity protocol.BridgeEntity
		if err := json.NewDecoder(resp.Body).Decode(&entity); err != nil {
			return nil, fmt.Errorf("decode upload response: %w", err)
		}
		metrics.RecordBytesUploaded(size)
		return &entity, nil
	})
}

// CreateFolder creates a folder through a new-folder URL.
func (c *Client) CreateFolder(ctx context.Context, rawurl, name string) (*protocol.BridgeEntity, error) {
	target := AddQuery(AddQuery(rawurl, "kind", "folder"), "name", name)
	return retry.DoWithResult(ctx, c.retryConfig, func() (*protocol.BridgeEntity, error) {
		resp, err := c.do(ctx, "create_folder", "PUT", target, nil)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var entity protocol.BridgeEntity
		if err := json.NewDecoder(resp.Body).Decode(&entity); err != nil {
			return nil, fmt.Errorf("decode folder response: %w", err)
		}
		return &entity, nil
	})
}

// Delete removes an entry through its delete URL. A 404 is treated as
// already deleted.
func (c *Client) Delete(ctx context.Context, rawurl string) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		resp, err := c.do(ctx, "delete", "DELETE", rawurl, nil)
		if err != nil {
			if IsNotFound(err) {
				return nil
			}
			return err
		}
		resp.Body.Close()
		return nil
	})
}

// MoveEntry moves or renames an entry through its move URL. An empty
// dstPath renames in place; an empty newName keeps the name.
func (c *Client) MoveEntry(ctx context.Context, rawurl, dstPath, newName string) error {
	action := "move"
	if dstPath == "" {
		action = "rename"
	}
	fields := map[string]string{"action": action}
	if dstPath != "" {
		fields["path"] = dstPath
	}
	if newName != "" {
		fields["rename"] = newName
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	return retry.Do(ctx, c.retryConfig, func() error {
		resp, err := c.do(ctx, "move", "POST", rawurl, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	})
}
