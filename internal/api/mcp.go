package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/orca/internal/composer"
	"github.com/kalambet/orca/internal/document"
	"github.com/kalambet/orca/internal/orchestrator"
	"github.com/kalambet/orca/internal/promptcache"
	"github.com/kalambet/orca/internal/storage"
	"github.com/kalambet/orca/internal/tools"
)

// InteractionLister reads stored interactions.
type InteractionLister interface {
	GetRecentInteractions(ctx context.Context, conversationID string, limit int) ([]storage.Interaction, error)
}

// MCPDeps holds dependencies for the MCP server. Cache, Composer and
// Interactions may be nil; the matching tool or resource then reports that
// it is unavailable.
type MCPDeps struct {
	Orchestrator ChatHandler
	Analyzer     Analyzer
	Cache        *promptcache.Cache
	Composer     *composer.Composer
	Interactions InteractionLister
	Version      string
}

// NewMCPServer creates an MCP server with all orca tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"orca",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("orca: assistant with document analysis and tool-augmented answers."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Ask the assistant a question. Web search, calendar and file storage tools are used when needed."),
			mcp.WithString("message", mcp.Description("The user message"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Conversation to continue (optional)")),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool(tools.AnalyzeDocumentName,
			mcp.WithDescription("Extract, summarize and find entities in a document (pdf, docx, txt, md, csv, xlsx)."),
			mcp.WithString("file_name", mcp.Description("File name including extension"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Base64-encoded file content"), mcp.Required()),
			mcp.WithString("analysis_type", mcp.Description("general, summary, extraction, legal, financial, technical or medical")),
			mcp.WithArray("questions", mcp.Description("Targeted questions to answer from the document")),
		),
		mcpAnalyzeDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("cache_stats",
			mcp.WithDescription("Report prompt cache hit rate, size and entry count."),
		),
		mcpCacheStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"orca://interactions/recent",
			"Recent Interactions",
			mcp.WithResourceDescription("Last 10 handled chat turns (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"orca://prompt/info",
			"System Prompt Info",
			mcp.WithResourceDescription("System prompt version, length and estimated tokens"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePromptInfo(deps),
	)

	return s
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		res, err := deps.Orchestrator.Handle(ctx, orchestrator.Request{
			Message:        message,
			ConversationID: req.GetString("conversation_id", ""),
		})
		if err != nil {
			if errors.Is(err, orchestrator.ErrInvalidRequest) {
				return mcpError(err.Error()), nil
			}
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAnalyzeDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fileName, err := req.RequireString("file_name")
		if err != nil {
			return mcpError("file_name is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		data, err := orchestrator.DecodeContent(content)
		if err != nil {
			return mcpError(fmt.Sprintf("invalid content: %v", err)), nil
		}

		res := deps.Analyzer.Analyze(ctx, document.Input{
			Data:         data,
			FileName:     fileName,
			AnalysisType: document.ParseAnalysisType(req.GetString("analysis_type", "")),
			Questions:    req.GetStringSlice("questions", nil),
		})

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		if !res.Success && res.ErrorKind != document.KindDeadlineExceeded {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCacheStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Cache == nil {
			return mcpError("prompt cache disabled"), nil
		}
		b, err := json.Marshal(deps.Cache.Stats())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.Interactions == nil {
			return nil, errors.New("interaction storage not configured")
		}
		interactions, err := deps.Interactions.GetRecentInteractions(ctx, "", 10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent interactions: %w", err)
		}

		type interactionSummary struct {
			ID             string `json:"id"`
			CreatedAt      string `json:"created_at"`
			ConversationID string `json:"conversation_id"`
			Message        string `json:"message"`
			Model          string `json:"model"`
			Mocked         bool   `json:"mocked"`
			Status         string `json:"status"`
		}

		summaries := make([]interactionSummary, len(interactions))
		for i, ix := range interactions {
			msg := ix.UserMessage
			if utf8.RuneCountInString(msg) > 200 {
				runes := []rune(msg)
				msg = string(runes[:200]) + "..."
			}
			summaries[i] = interactionSummary{
				ID:             ix.ID,
				CreatedAt:      ix.CreatedAt.Format(time.RFC3339),
				ConversationID: ix.ConversationID,
				Message:        msg,
				Model:          ix.Model,
				Mocked:         ix.Mocked,
				Status:         ix.Status,
			}
		}

		return jsonResource(req.Params.URI, summaries)
	}
}

func mcpResourcePromptInfo(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.Composer == nil {
			return nil, errors.New("prompt composer not configured")
		}
		return jsonResource(req.Params.URI, deps.Composer.Info())
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
