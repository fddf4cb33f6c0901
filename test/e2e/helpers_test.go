package e2e_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alexjbarnes/placeholder-sync/internal/auth"
	"github.com/alexjbarnes/placeholder-sync/internal/engine"
	"github.com/alexjbarnes/placeholder-sync/internal/journal"
	"github.com/alexjbarnes/placeholder-sync/internal/localfs"
	"github.com/alexjbarnes/placeholder-sync/internal/mcpserver"
	"github.com/alexjbarnes/placeholder-sync/internal/remote"
	"github.com/alexjbarnes/placeholder-sync/internal/server"
	"github.com/alexjbarnes/placeholder-sync/reconcile"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testUser = "alex"
	testKey  = "ps_0123456789abcdef0123456789abcdef"
)

// fileServer is an in-memory file server speaking the list and files
// endpoints of the sync API.
type fileServer struct {
	mu    sync.Mutex
	files map[string]string
	dirs  map[string]bool
}

func newFileServer() *fileServer {
	return &fileServer{files: make(map[string]string), dirs: make(map[string]bool)}
}

func (s *fileServer) put(path, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files[path] = content

	for dir := filepath.ToSlash(filepath.Dir(path)); dir != "."; dir = filepath.ToSlash(filepath.Dir(dir)) {
		s.dirs[dir] = true
	}
}

func (s *fileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case r.URL.Path == "/list":
		entries := []map[string]any{}

		for dir := range s.dirs {
			entries = append(entries, map[string]any{"path": dir, "dir": true, "etag": "dir-" + dir})
		}

		for path, content := range s.files {
			entries = append(entries, map[string]any{
				"path":  path,
				"size":  len(content),
				"mtime": 1_700_000_000_000,
				"etag":  "v1-" + path,
			})
		}

		_ = json.NewEncoder(w).Encode(map[string]any{"entries": entries})

	case strings.HasPrefix(r.URL.Path, "/files/") && r.Method == http.MethodGet:
		content, ok := s.files[strings.TrimPrefix(r.URL.Path, "/files/")]
		if !ok {
			http.NotFound(w, r)
			return
		}

		_, _ = w.Write([]byte(content))

	default:
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
	}
}

// harness holds the full e2e stack: a file server, a sync engine over a
// temp directory, and the MCP control endpoint behind API key auth.
type harness struct {
	URL     string
	SyncDir string
	Files   *fileServer
	Engine  *engine.Engine
	Client  *http.Client

	triggered atomic.Int32
}

// newHarness wires the engine to a fake file server and serves the MCP
// tools through server.NewMux on an httptest server.
func newHarness(t *testing.T) *harness {
	t.Helper()

	files := newFileServer()
	fileSrv := httptest.NewServer(files)
	t.Cleanup(fileSrv.Close)

	dir := t.TempDir()
	logger := slog.New(slog.DiscardHandler)

	j, err := journal.Open(filepath.Join(dir, ".placeholder-sync", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	client := remote.NewClient(fileSrv.URL, "tok", fileSrv.Client())
	tree := localfs.NewTree(dir, reconcile.DefaultPlaceholderSuffix)
	scanner := localfs.NewScanner(tree, nil, logger)
	exec := engine.NewFSExecutor(tree, scanner, client, logger)

	eng := engine.New(scanner, client, j, exec, engine.Options{
		Policy: reconcile.DefaultPlaceholderPolicy(),
	}, logger)

	h := &harness{SyncDir: dir, Files: files, Engine: eng}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "placeholder-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, eng, func() { h.triggered.Add(1) })

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	keys := auth.NewKeys()
	keys.Add(testUser, testKey)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Keys:       keys,
		MCPHandler: mcpHandler,
		Logger:     logger,
		Version:    "test",
	}))
	t.Cleanup(ts.Close)

	h.URL = ts.URL
	h.Client = ts.Client()

	return h
}

// sync runs one full pass and fails the test on error.
func (h *harness) sync(t *testing.T) *engine.PassResult {
	t.Helper()

	res, err := h.Engine.Sync(t.Context())
	require.NoError(t, err)
	require.Zero(t, res.Failed)

	return res
}

// mcpSession creates an MCP client session authenticated with the given
// API key. Uses the MCP SDK's StreamableClientTransport with a custom
// HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, key string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callTool calls a tool and returns its text content.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])

	return result, tc.Text
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
