package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/paperdex/internal/download"
	"github.com/kalambet/paperdex/internal/errs"
	"github.com/kalambet/paperdex/internal/paper"
	"github.com/kalambet/paperdex/internal/repo"
	"github.com/kalambet/paperdex/internal/search"
	"github.com/kalambet/paperdex/internal/storage"
)

// MCPMetadata abstracts lookups and searches for the MCP layer.
type MCPMetadata interface {
	Enrich(ctx context.Context, doi string) (*paper.Metadata, error)
	Search(ctx context.Context, opts search.Options) (*paper.SearchResult, error)
}

// MCPDownloader abstracts the download service for the MCP layer.
type MCPDownloader interface {
	Download(ctx context.Context, req download.Request) (download.Result, error)
}

// MCPJournal is the slice of the journal the resources read.
type MCPJournal interface {
	RecordAccess(doi, tool string) error
	RecentDOIs(limit int) ([]string, error)
	RecentJobs(limit int) ([]storage.Job, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Metadata   MCPMetadata
	Downloader MCPDownloader
	Papers     *repo.Papers
	Journal    MCPJournal // optional; resources degrade to empty lists
	Config     *repo.ConfigRepo
	Version    string
}

// NewMCPServer creates an MCP server with all paperdex tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"paperdex",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("paperdex: research paper search, metadata lookup, and PDF acquisition by DOI."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Search academic providers for papers matching a query. Results are merged by DOI and ranked."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results, 1-100 (default 20)")),
			mcp.WithArray("providers", mcp.Description("Provider names to consult (default all)")),
			mcp.WithNumber("timeout_ms", mcp.Description("Overall search deadline in milliseconds (default 10000)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("metadata",
			mcp.WithDescription("Fetch bibliographic metadata for a DOI, consulting the local index first and providers on a miss."),
			mcp.WithString("doi", mcp.Description("DOI in any common spelling"), mcp.Required()),
		),
		mcpMetadata(deps),
	)

	s.AddTool(
		mcp.NewTool("download",
			mcp.WithDescription("Download the PDF behind a DOI, verify it, and store it. Concurrent requests for the same DOI share one download."),
			mcp.WithString("doi", mcp.Description("DOI to acquire"), mcp.Required()),
			mcp.WithString("destination", mcp.Description("Target file path (default under the configured download directory)")),
			mcp.WithBoolean("verify", mcp.Description("Run the structural PDF check in addition to size and magic-byte sniffing (default true)")),
		),
		mcpDownload(deps),
	)

	s.AddTool(
		mcp.NewTool("ping",
			mcp.WithDescription("Liveness probe; always returns ok."),
		),
		mcpPing(),
	)

	s.AddTool(
		mcp.NewTool("initialize",
			mcp.WithDescription("Idempotent handshake; returns the server identity string."),
		),
		mcpInitialize(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"papers://recent",
			"Recently Accessed Papers",
			mcp.WithResourceDescription("Metadata of the most recently touched papers"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentPapers(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"jobs://recent",
			"Recent Download Jobs",
			mcp.WithResourceDescription("The latest journaled download jobs with their terminal states"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentJobs(deps),
	)

	return s
}

// callTimeout derives the per-call deadline from the current config
// snapshot.
func callTimeout(deps MCPDeps) time.Duration {
	if deps.Config == nil {
		return 60 * time.Second
	}
	if d := deps.Config.Snapshot().RequestTimeout; d > 0 {
		return d
	}
	return 60 * time.Second
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpToolError(errs.Invalid("query", "is required")), nil
		}

		limit := req.GetInt("limit", search.DefaultLimit)
		if limit <= 0 {
			return mcpToolError(errs.Invalid("limit", "must be between 1 and 100")), nil
		}
		timeoutMS := req.GetInt("timeout_ms", 0)
		if timeoutMS < 0 {
			return mcpToolError(errs.Invalid("timeout_ms", "must be positive")), nil
		}

		ctx, cancel := context.WithTimeout(ctx, callTimeout(deps))
		defer cancel()

		res, err := deps.Metadata.Search(ctx, search.Options{
			Query:     query,
			Limit:     limit,
			Providers: req.GetStringSlice("providers", nil),
			Timeout:   time.Duration(timeoutMS) * time.Millisecond,
		})
		if err != nil {
			return mcpToolError(err), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpToolError(errs.Wrap(errs.KindSerializationError, "encoding search result", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpMetadata(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		doi, err := req.RequireString("doi")
		if err != nil {
			return mcpToolError(errs.Invalid("doi", "is required")), nil
		}

		ctx, cancel := context.WithTimeout(ctx, callTimeout(deps))
		defer cancel()

		m, err := deps.Metadata.Enrich(ctx, doi)
		if err != nil {
			return mcpToolError(err), nil
		}
		if deps.Journal != nil {
			deps.Journal.RecordAccess(m.DOI, "metadata")
		}

		b, err := json.Marshal(m)
		if err != nil {
			return mcpToolError(errs.Wrap(errs.KindSerializationError, "encoding metadata", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpDownload(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		doi, err := req.RequireString("doi")
		if err != nil {
			return mcpToolError(errs.Invalid("doi", "is required")), nil
		}

		ctx, cancel := context.WithTimeout(ctx, callTimeout(deps))
		defer cancel()

		res, err := deps.Downloader.Download(ctx, download.Request{
			DOI:         doi,
			Destination: req.GetString("destination", ""),
			Verify:      req.GetBool("verify", true),
		})
		if err != nil {
			return mcpToolError(err), nil
		}
		if deps.Journal != nil {
			deps.Journal.RecordAccess(paper.NormalizeDOI(doi), "download")
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpToolError(errs.Wrap(errs.KindSerializationError, "encoding download result", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPing() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpText("ok"), nil
	}
}

func mcpInitialize(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpText(fmt.Sprintf("paperdex %s", deps.Version)), nil
	}
}

func mcpResourceRecentPapers(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		var papers []*paper.Metadata
		if deps.Journal != nil {
			dois, err := deps.Journal.RecentDOIs(10)
			if err != nil {
				return nil, fmt.Errorf("listing recent papers: %w", err)
			}
			for _, doi := range dois {
				if m := deps.Papers.FindByDOI(doi); m != nil {
					papers = append(papers, m)
				}
			}
		}
		if papers == nil {
			papers = []*paper.Metadata{}
		}

		b, err := json.Marshal(papers)
		if err != nil {
			return nil, fmt.Errorf("encoding recent papers: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecentJobs(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		type jobSummary struct {
			ID          string `json:"id"`
			DOI         string `json:"doi"`
			State       string `json:"state"`
			Attempts    int    `json:"attempts"`
			ContentHash string `json:"content_hash,omitempty"`
			LastError   string `json:"last_error,omitempty"`
			UpdatedAt   string `json:"updated_at"`
		}

		summaries := []jobSummary{}
		if deps.Journal != nil {
			jobs, err := deps.Journal.RecentJobs(10)
			if err != nil {
				return nil, fmt.Errorf("listing recent jobs: %w", err)
			}
			for _, j := range jobs {
				summaries = append(summaries, jobSummary{
					ID:          j.ID,
					DOI:         j.DOI,
					State:       j.State,
					Attempts:    j.Attempts,
					ContentHash: j.ContentHash,
					LastError:   j.LastError,
					UpdatedAt:   j.UpdatedAt.Format(time.RFC3339),
				})
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("encoding recent jobs: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// toolError is the structured error payload every failing tool call
// carries.
type toolError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
	Details   string `json:"details,omitempty"`
}

func mcpToolError(err error) *mcp.CallToolResult {
	code := string(errs.KindOf(err))
	if errors.Is(err, download.ErrNoSources) {
		code = "no_sources"
	}
	te := toolError{
		Code:      code,
		Message:   err.Error(),
		Retriable: errs.IsRetriable(err),
	}
	var e *errs.Error
	if errors.As(err, &e) && e.Err != nil {
		te.Details = e.Err.Error()
	}

	b, merr := json.Marshal(te)
	if merr != nil {
		b = []byte(fmt.Sprintf(`{"code":"terminal","message":%q,"retriable":false}`, err.Error()))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(b)},
		},
		IsError: true,
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}
