package geoserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for GeoServer client failures.
var (
	ErrUnreachable = errors.New("geoserver unreachable")
	ErrRequest     = errors.New("geoserver request failed")
	ErrTimeout     = errors.New("geoserver request timeout")
)

// Layer identifies a published layer.
type Layer struct {
	Workspace string `json:"workspace"`
	Store     string `json:"store"`
	Name      string `json:"layer"`
}

// Publisher is the interface for publishing assets to a map catalog.
type Publisher interface {
	PublishGeoTIFF(ctx context.Context, store, path string) (Layer, error)
	PublishShapefileZip(ctx context.Context, store, path string) (Layer, error)
	DeleteCoverageStore(ctx context.Context, store string, recurse bool, purge string) error
	DeleteDataStore(ctx context.Context, store string, recurse bool) error
}

// HTTPClient implements Publisher using the GeoServer REST API. All stores
// are created in a single workspace.
type HTTPClient struct {
	baseURL   string
	username  string
	password  string
	workspace string
	client    *http.Client
}

// NewHTTPClient creates a new GeoServer REST client.
func NewHTTPClient(baseURL, username, password, workspace string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		username:  username,
		password:  password,
		workspace: strings.TrimSpace(workspace),
		client:    &http.Client{Timeout: timeout},
	}
}

// Workspace returns the workspace stores are published into.
func (c *HTTPClient) Workspace() string {
	return c.workspace
}

// EnsureWorkspace creates ws unless it already exists.
func (c *HTTPClient) EnsureWorkspace(ctx context.Context, ws string) error {
	ws = strings.TrimSpace(ws)
	resp, err := c.do(ctx, http.MethodGet, c.url("/workspaces/"+url.PathEscape(ws)+".json", nil), nil, "")
	if err != nil {
		return err
	}
	drain(resp)
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return fmt.Errorf("%w: workspace check: status %d", ErrRequest, resp.StatusCode)
	}

	body, err := json.Marshal(map[string]any{"workspace": map[string]string{"name": ws}})
	if err != nil {
		return fmt.Errorf("encoding workspace: %w", err)
	}
	resp, err = c.do(ctx, http.MethodPost, c.url("/workspaces", nil), strings.NewReader(string(body)), "application/json")
	if err != nil {
		return err
	}
	return expect(resp, "workspace create", http.StatusOK, http.StatusCreated)
}

// PublishGeoTIFF uploads the GeoTIFF at path as coverage store store and
// configures its layer, which takes the store's name.
func (c *HTTPClient) PublishGeoTIFF(ctx context.Context, store, path string) (Layer, error) {
	return c.upload(ctx, "coveragestores", store, "file.geotiff", path, "image/tiff")
}

// PublishShapefileZip uploads a zipped shapefile as data store store.
func (c *HTTPClient) PublishShapefileZip(ctx context.Context, store, path string) (Layer, error) {
	return c.upload(ctx, "datastores", store, "file.shp", path, "application/zip")
}

// DeleteCoverageStore removes a coverage store. purge is passed through
// ("all" or "none"). A missing store is not an error.
func (c *HTTPClient) DeleteCoverageStore(ctx context.Context, store string, recurse bool, purge string) error {
	q := url.Values{"recurse": {strconv.FormatBool(recurse)}}
	if purge != "" {
		q.Set("purge", purge)
	}
	return c.delete(ctx, "coveragestores", store, q)
}

// DeleteDataStore removes a data store. A missing store is not an error.
func (c *HTTPClient) DeleteDataStore(ctx context.Context, store string, recurse bool) error {
	return c.delete(ctx, "datastores", store, url.Values{"recurse": {strconv.FormatBool(recurse)}})
}

func (c *HTTPClient) upload(ctx context.Context, kind, store, resource, path, contentType string) (Layer, error) {
	if err := c.EnsureWorkspace(ctx, c.workspace); err != nil {
		return Layer{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Layer{}, fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	u := c.url(c.storePath(kind, store)+"/"+resource, url.Values{"configure": {"all"}})
	resp, err := c.do(ctx, http.MethodPut, u, f, contentType)
	if err != nil {
		return Layer{}, err
	}
	if err := expect(resp, "publish "+store, http.StatusOK, http.StatusCreated); err != nil {
		return Layer{}, err
	}
	return Layer{Workspace: c.workspace, Store: store, Name: store}, nil
}

func (c *HTTPClient) delete(ctx context.Context, kind, store string, q url.Values) error {
	resp, err := c.do(ctx, http.MethodDelete, c.url(c.storePath(kind, store), q), nil, "")
	if err != nil {
		return err
	}
	return expect(resp, "delete "+store, http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusNotFound)
}

func (c *HTTPClient) storePath(kind, store string) string {
	return fmt.Sprintf("/workspaces/%s/%s/%s", url.PathEscape(c.workspace), kind, url.PathEscape(store))
}

func (c *HTTPClient) url(path string, q url.Values) string {
	u := c.baseURL + "/rest" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	return resp, nil
}

// expect closes resp and reports ErrRequest, with the start of the response
// body, unless its status is one of ok.
func expect(resp *http.Response, op string, ok ...int) error {
	defer resp.Body.Close()
	for _, code := range ok {
		if resp.StatusCode == code {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: %s: status %d: %s", ErrRequest, op, resp.StatusCode, strings.TrimSpace(string(msg)))
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_\-]+`)

// SanitizeName derives a store name from a filename: the extension is
// dropped and runs of other characters than letters, digits, '_' and '-'
// become '_'.
func SanitizeName(filename string) string {
	base := filepath.Base(filename)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.Trim(unsafeName.ReplaceAllString(base, "_"), "_")
	if base == "" {
		return "layer"
	}
	return base
}

// Compile-time check that HTTPClient implements Publisher.
var _ Publisher = (*HTTPClient)(nil)
