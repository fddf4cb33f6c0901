// Package remote talks to the file server: listing, transfers and tree
// mutations over HTTP, and change notifications over a websocket.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	syncerrors "github.com/alexjbarnes/placeholder-sync/internal/errors"
	"github.com/alexjbarnes/placeholder-sync/reconcile"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the next pass should simply try again.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// Connection setup limits. There is no overall client timeout: a
	// transfer may legitimately stream for hours, so request bodies are
	// bounded by the caller's context instead.
	dialTimeout           = 30 * time.Second
	dialKeepAlive         = 30 * time.Second
	tlsHandshakeTimeout   = 15 * time.Second
	responseHeaderTimeout = 2 * time.Minute

	// maxAPIResponseBytes caps small JSON response reads.
	maxAPIResponseBytes = 1024 * 1024

	// maxListingBytes caps a tree listing. Large trees produce large
	// listings, so this is far above maxAPIResponseBytes.
	maxListingBytes = 256 * 1024 * 1024

	// mtimeHeader carries the modification time (unix milliseconds) of an
	// uploaded or downloaded file.
	mtimeHeader = "X-Mtime"
)

// Client talks to the file server's HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string

	// root is the server folder mapped onto the sync directory.
	root string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaks to
// a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient returns the client NewClient uses by default. A non-nil
// tlsConfig replaces the transport's TLS settings.
func NewHTTPClient(tlsConfig *tls.Config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: dialTimeout, KeepAlive: dialKeepAlive}).DialContext
	transport.TLSHandshakeTimeout = tlsHandshakeTimeout
	transport.ResponseHeaderTimeout = responseHeaderTimeout

	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}

	return &http.Client{
		Transport:     transport,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// NewClient creates an API client for the server at baseURL. If
// httpClient is nil, NewHTTPClient(nil) is used.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(nil)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// WithRoot returns a client that maps the server folder root onto the
// sync directory. Paths passed in and returned stay relative to root.
func (c *Client) WithRoot(root string) *Client {
	scoped := *c
	scoped.root = reconcile.NormalizePath(root)

	return &scoped
}

// serverPath converts a sync-relative path to the server's namespace.
func (c *Client) serverPath(path string) string {
	switch {
	case c.root == "":
		return path
	case path == "":
		return c.root
	default:
		return c.root + "/" + path
	}
}

// localPath converts a server path back to a sync-relative one. It
// reports false for the root itself and anything outside it.
func (c *Client) localPath(path string) (string, bool) {
	if c.root == "" {
		return path, path != ""
	}

	rel, ok := strings.CutPrefix(path, c.root+"/")

	return rel, ok && rel != ""
}

// ListRemote lists every entry under root ("" for the whole tree). When
// the server reports subtrees it could not list, the entries it did
// return come back with a *reconcile.PartialListingError.
func (c *Client) ListRemote(ctx context.Context, root string) ([]reconcile.RemoteEntry, error) {
	endpoint := "/list?root=" + url.QueryEscape(c.serverPath(root))

	resp, err := c.do(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return nil, fmt.Errorf("%w: listing %q: %w", syncerrors.ErrSnapshotUnavailable, root, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading listing: %w", syncerrors.ErrSnapshotUnavailable, err)
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: %w: listing is not valid JSON", syncerrors.ErrSnapshotUnavailable, syncerrors.ErrAPIResponse)
	}

	parsed := gjson.ParseBytes(body)

	// An empty tree is an empty array. Anything else would read as every
	// path deleted on the server.
	listed := parsed.Get("entries")
	if !listed.IsArray() {
		return nil, fmt.Errorf("%w: %w: listing has no entries array", syncerrors.ErrSnapshotUnavailable, syncerrors.ErrAPIResponse)
	}

	var entries []reconcile.RemoteEntry

	listed.ForEach(func(_, item gjson.Result) bool {
		path, ok := c.localPath(reconcile.NormalizePath(item.Get("path").String()))
		if !ok {
			return true
		}

		entries = append(entries, reconcile.RemoteEntry{
			Path:     path,
			Size:     item.Get("size").Int(),
			ModTime:  item.Get("mtime").Int(),
			Identity: item.Get("etag").String(),
			IsDir:    item.Get("dir").Bool(),
			Checksum: item.Get("checksum").String(),
		})

		return true
	})

	var failed []string
	for _, f := range parsed.Get("failed").Array() {
		path, ok := c.localPath(reconcile.NormalizePath(f.String()))
		if !ok {
			// The whole mapped folder is unlistable.
			return nil, fmt.Errorf("%w: server could not list %q", syncerrors.ErrSnapshotUnavailable, f.String())
		}

		failed = append(failed, path)
	}

	if len(failed) > 0 {
		return entries, &reconcile.PartialListingError{
			Failed: failed,
			Err:    fmt.Errorf("server could not list %d subtree(s)", len(failed)),
		}
	}

	return entries, nil
}

// Download opens the content of a remote file. The caller closes the
// returned reader.
func (c *Client) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, filesEndpoint(c.serverPath(path)), nil, "")
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", path, err)
	}

	return resp.Body, nil
}

// Upload replaces the content at path and returns the identity the
// server assigned to the new version.
func (c *Client) Upload(ctx context.Context, path string, r io.Reader, mtime int64) (string, error) {
	endpoint := filesEndpoint(c.serverPath(path))

	req, err := c.newRequest(ctx, http.MethodPut, endpoint, r, "application/octet-stream")
	if err != nil {
		return "", err
	}

	req.Header.Set(mtimeHeader, strconv.FormatInt(mtime, 10))

	resp, err := c.send(req, endpoint)
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", path, err)
	}
	defer resp.Body.Close()

	etag, err := identityFrom(resp)
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", path, err)
	}

	return etag, nil
}

// Delete removes a file or an empty directory. A path the server no
// longer has is not an error.
func (c *Client) Delete(ctx context.Context, path string) error {
	resp, err := c.do(ctx, http.MethodDelete, filesEndpoint(c.serverPath(path)), nil, "")
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil
		}

		return fmt.Errorf("deleting %s: %w", path, err)
	}

	resp.Body.Close()

	return nil
}

// Move renames from to to on the server and returns the moved item's
// identity.
func (c *Client) Move(ctx context.Context, from, to string) (string, error) {
	etag, err := c.postJSON(ctx, "/move", map[string]string{"from": c.serverPath(from), "to": c.serverPath(to)})
	if err != nil {
		return "", fmt.Errorf("moving %s to %s: %w", from, to, err)
	}

	return etag, nil
}

// Mkdir creates a directory and its parents, returning the directory's
// identity.
func (c *Client) Mkdir(ctx context.Context, path string) (string, error) {
	etag, err := c.postJSON(ctx, "/mkdir", map[string]string{"path": c.serverPath(path)})
	if err != nil {
		return "", fmt.Errorf("creating directory %s: %w", path, err)
	}

	return etag, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshalling request body: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(payload), "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	return identityFrom(resp)
}

var errNotFound = errors.New("not found")

// do sends a request and returns the response when the status is 2xx.
// Any other status is turned into an error and the body is closed.
func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, endpoint, body, contentType)
	if err != nil {
		return nil, err
	}

	return c.send(req, endpoint)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return req, nil
}

func (c *Client) send(req *http.Request, endpoint string) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("%w: sending request to %s: %w", syncerrors.ErrAPIRequest, endpoint, err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))

	msg := gjson.GetBytes(respBody, "error").String()
	if msg == "" {
		msg = sanitizeResponseBody(respBody)
	}

	apiErr := fmt.Errorf("%w: %s %s returned status %d: %s", syncerrors.ErrAPIResponse, req.Method, endpoint, resp.StatusCode, msg)

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %w", errNotFound, apiErr)
	}

	if isTransientStatus(resp.StatusCode) {
		return nil, &TransientError{Err: apiErr}
	}

	return nil, apiErr
}

// identityFrom reads the item identity from a JSON {"etag": ...} body,
// falling back to the ETag header.
func identityFrom(resp *http.Response) (string, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if etag := gjson.GetBytes(body, "etag").String(); etag != "" {
		return etag, nil
	}

	if etag := strings.Trim(resp.Header.Get("ETag"), `"`); etag != "" {
		return etag, nil
	}

	return "", fmt.Errorf("%w: response carries no etag", syncerrors.ErrAPIResponse)
}

// filesEndpoint escapes each segment of a slash-separated path.
func filesEndpoint(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	return "/files/" + strings.Join(segments, "/")
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
