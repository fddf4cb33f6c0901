// Package mcpserver registers MCP tools that expose the sync engine's
// control surface: status, conflicts and on-demand placeholder downloads.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/placeholder-sync/internal/engine"
	"github.com/alexjbarnes/placeholder-sync/internal/journal"
	"github.com/alexjbarnes/placeholder-sync/reconcile"
	"github.com/dustin/go-humanize"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultPlaceholderLimit caps list_placeholders when no limit is given.
const defaultPlaceholderLimit = 200

// Controller is the part of the engine the tools drive.
type Controller interface {
	Status() (engine.Status, error)
	Conflicts() ([]journal.ConflictRecord, error)
	ResolveConflict(path string) error
	RequestDownload(path string) (int, error)
	Placeholders(prefix string) ([]reconcile.ItemRecord, error)
}

// RegisterTools adds all sync tools to the given MCP server. trigger, when
// not nil, is called after download_now flags something so the next pass
// starts without waiting for the interval.
func RegisterTools(server *mcp.Server, ctl Controller, trigger func()) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Summarize the sync journal: how many files, directories and placeholders are tracked, how much content is local versus server-only, open conflicts, and the last completed pass.",
	}, statusHandler(ctl))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_conflicts",
		Description: "List paths where the local and server copies diverged. Each entry names the conflict copy that kept the local content and a short diff preview for text files.",
	}, listConflictsHandler(ctl))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "resolve_conflict",
		Description: "Mark a conflict as handled once the conflict copy has been reviewed. The copy itself is not deleted.",
	}, resolveConflictHandler(ctl))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "download_now",
		Description: "Flag a placeholder, or every placeholder under a directory, for download. The content is fetched by the next sync pass, which is started immediately.",
	}, downloadHandler(ctl, trigger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_placeholders",
		Description: "List files that exist only on the server and are represented locally by a placeholder marker. Optionally limited to a folder prefix.",
	}, listPlaceholdersHandler(ctl))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// ListConflictsInput has no parameters.
type ListConflictsInput struct{}

// ResolveConflictInput holds parameters for resolve_conflict.
type ResolveConflictInput struct {
	Path string `json:"path" jsonschema:"required,path of the conflicted file relative to the sync root"`
}

// DownloadInput holds parameters for download_now.
type DownloadInput struct {
	Path string `json:"path" jsonschema:"required,placeholder or directory path relative to the sync root"`
}

// ListPlaceholdersInput holds parameters for list_placeholders.
type ListPlaceholdersInput struct {
	Prefix string `json:"prefix,omitempty" jsonschema:"folder path to list under, defaults to everything"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of entries, defaults to 200"`
}

// --- Output types ---

// StatusResult is returned by sync_status.
type StatusResult struct {
	Records           int    `json:"records"`
	Files             int    `json:"files"`
	Directories       int    `json:"directories"`
	Placeholders      int    `json:"placeholders"`
	MarkedForDownload int    `json:"marked_for_download"`
	Conflicts         int    `json:"conflicts"`
	LocalBytes        int64  `json:"local_bytes"`
	LocalSize         string `json:"local_size"`
	PlaceholderBytes  int64  `json:"placeholder_bytes"`
	PlaceholderSize   string `json:"placeholder_size"`

	LastPassID        string `json:"last_pass_id,omitempty"`
	LastPassFinished  string `json:"last_pass_finished,omitempty"`
	LastPassAgo       string `json:"last_pass_ago,omitempty"`
	LastPassApplied   int    `json:"last_pass_applied"`
	LastPassFailed    int    `json:"last_pass_failed"`
	LastPassConflicts int    `json:"last_pass_conflicts"`

	Certificates []CertificateEntry `json:"certificates,omitempty"`
}

// CertificateEntry describes a server certificate accepted without
// verification.
type CertificateEntry struct {
	SHA256    string `json:"sha256"`
	Subject   string `json:"subject"`
	Issuer    string `json:"issuer"`
	NotAfter  string `json:"not_after"`
	FirstSeen string `json:"first_seen"`
}

// ConflictEntry describes one recorded conflict.
type ConflictEntry struct {
	Path       string `json:"path"`
	CopyPath   string `json:"copy_path,omitempty"`
	BaseEtag   string `json:"base_etag,omitempty"`
	RemoteEtag string `json:"remote_etag,omitempty"`
	DetectedAt string `json:"detected_at"`
	Preview    string `json:"preview,omitempty"`
}

// ConflictsResult is returned by list_conflicts.
type ConflictsResult struct {
	Total     int             `json:"total"`
	Conflicts []ConflictEntry `json:"conflicts"`
}

// ResolveResult is returned by resolve_conflict.
type ResolveResult struct {
	Path     string `json:"path"`
	Resolved bool   `json:"resolved"`
}

// DownloadResult is returned by download_now.
type DownloadResult struct {
	Path          string `json:"path"`
	Flagged       int    `json:"flagged"`
	SyncTriggered bool   `json:"sync_triggered"`
}

// PlaceholderEntry describes one server-only file.
type PlaceholderEntry struct {
	Path              string `json:"path"`
	Size              int64  `json:"size"`
	HumanSize         string `json:"human_size"`
	Modified          string `json:"modified"`
	Etag              string `json:"etag"`
	MarkedForDownload bool   `json:"marked_for_download"`
}

// PlaceholdersResult is returned by list_placeholders.
type PlaceholdersResult struct {
	Total        int                `json:"total"`
	TotalSize    string             `json:"total_size"`
	Truncated    bool               `json:"truncated"`
	Placeholders []PlaceholderEntry `json:"placeholders"`
}

// --- Handlers ---

func statusHandler(ctl Controller) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		st, err := ctl.Status()
		if err != nil {
			return nil, nil, err
		}

		result := &StatusResult{
			Records:           st.Records,
			Files:             st.Files,
			Directories:       st.Directories,
			Placeholders:      st.Placeholders,
			MarkedForDownload: st.MarkedForDownload,
			Conflicts:         st.Conflicts,
			LocalBytes:        st.LocalBytes,
			LocalSize:         humanBytes(st.LocalBytes),
			PlaceholderBytes:  st.PlaceholderBytes,
			PlaceholderSize:   humanBytes(st.PlaceholderBytes),
			LastPassApplied:   st.LastPass.Applied,
			LastPassFailed:    st.LastPass.Failed,
			LastPassConflicts: st.LastPass.Conflicts,
		}

		for _, c := range st.Certificates {
			result.Certificates = append(result.Certificates, CertificateEntry{
				SHA256:    c.Fingerprint,
				Subject:   c.Subject,
				Issuer:    c.Issuer,
				NotAfter:  c.NotAfter.UTC().Format(time.RFC3339),
				FirstSeen: c.FirstSeen.UTC().Format(time.RFC3339),
			})
		}

		if !st.LastPass.FinishedAt.IsZero() {
			result.LastPassID = st.LastPass.ID
			result.LastPassFinished = st.LastPass.FinishedAt.UTC().Format(time.RFC3339)
			result.LastPassAgo = humanize.Time(st.LastPass.FinishedAt)
		}

		return textResult(result), result, nil
	}
}

func listConflictsHandler(ctl Controller) mcp.ToolHandlerFor[ListConflictsInput, *ConflictsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListConflictsInput) (*mcp.CallToolResult, *ConflictsResult, error) {
		conflicts, err := ctl.Conflicts()
		if err != nil {
			return nil, nil, err
		}

		result := &ConflictsResult{
			Total:     len(conflicts),
			Conflicts: make([]ConflictEntry, 0, len(conflicts)),
		}

		for _, cr := range conflicts {
			result.Conflicts = append(result.Conflicts, ConflictEntry{
				Path:       cr.Path,
				CopyPath:   cr.CopyPath,
				BaseEtag:   cr.BaseIdentity,
				RemoteEtag: cr.RemoteIdentity,
				DetectedAt: cr.DetectedAt.UTC().Format(time.RFC3339),
				Preview:    cr.Preview,
			})
		}

		return textResult(result), result, nil
	}
}

func resolveConflictHandler(ctl Controller) mcp.ToolHandlerFor[ResolveConflictInput, *ResolveResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ResolveConflictInput) (*mcp.CallToolResult, *ResolveResult, error) {
		if input.Path == "" {
			return nil, nil, fmt.Errorf("path is required")
		}

		if err := ctl.ResolveConflict(input.Path); err != nil {
			return nil, nil, err
		}

		result := &ResolveResult{Path: reconcile.NormalizePath(input.Path), Resolved: true}

		return textResult(result), result, nil
	}
}

func downloadHandler(ctl Controller, trigger func()) mcp.ToolHandlerFor[DownloadInput, *DownloadResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input DownloadInput) (*mcp.CallToolResult, *DownloadResult, error) {
		if input.Path == "" {
			return nil, nil, fmt.Errorf("path is required")
		}

		flagged, err := ctl.RequestDownload(input.Path)
		if err != nil {
			return nil, nil, err
		}

		result := &DownloadResult{Path: reconcile.NormalizePath(input.Path), Flagged: flagged}

		if flagged > 0 && trigger != nil {
			trigger()

			result.SyncTriggered = true
		}

		return textResult(result), result, nil
	}
}

func listPlaceholdersHandler(ctl Controller) mcp.ToolHandlerFor[ListPlaceholdersInput, *PlaceholdersResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListPlaceholdersInput) (*mcp.CallToolResult, *PlaceholdersResult, error) {
		records, err := ctl.Placeholders(input.Prefix)
		if err != nil {
			return nil, nil, err
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultPlaceholderLimit
		}

		result := &PlaceholdersResult{
			Total:        len(records),
			Placeholders: make([]PlaceholderEntry, 0, min(limit, len(records))),
		}

		var total int64

		for _, rec := range records {
			total += rec.Size

			if len(result.Placeholders) == limit {
				result.Truncated = true
				continue
			}

			result.Placeholders = append(result.Placeholders, PlaceholderEntry{
				Path:              rec.Path,
				Size:              rec.Size,
				HumanSize:         humanBytes(rec.Size),
				Modified:          time.UnixMilli(rec.ModTime).UTC().Format(time.RFC3339),
				Etag:              rec.RemoteIdentity,
				MarkedForDownload: rec.Type == reconcile.ItemTypePlaceholderMarkedForDownload,
			})
		}

		result.TotalSize = humanBytes(total)

		return textResult(result), result, nil
	}
}

func humanBytes(n int64) string {
	if n < 0 {
		n = 0
	}

	return humanize.Bytes(uint64(n))
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
