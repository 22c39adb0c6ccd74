package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/dbgenie/internal/composer"
	"github.com/kalambet/dbgenie/internal/retrieval"
	"github.com/kalambet/dbgenie/internal/session"
)

const (
	defaultSearchLimit = 4
	maxSearchLimit     = 20
)

// MCPRetriever abstracts semantic search for the MCP layer.
type MCPRetriever interface {
	Retrieve(ctx context.Context, question string, topK int) ([]retrieval.Passage, error)
}

// MCPDeps holds dependencies for the MCP server. Schema and SQL are nil
// without a relational source; their tools then report the database as not
// configured.
type MCPDeps struct {
	Chat      Asker
	Sessions  session.Store
	Retriever MCPRetriever
	Schema    SchemaCache
	SQL       QueryExecutor
}

// NewMCPServer creates an MCP server with the genie tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"dbgenie",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("DB Genie answers questions about HR data and HR policy documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a question in natural language. The answer draws on policy documents, the HR database, or both."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Existing session to continue; a new session is created when omitted")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("query_sql",
			mcp.WithDescription("Run a read-only SELECT statement against the HR database."),
			mcp.WithString("query", mcp.Description("A single SELECT statement"), mcp.Required()),
		),
		mcpQuerySQL(deps),
	)

	s.AddTool(
		mcp.NewTool("get_schema",
			mcp.WithDescription("Describe the tables and columns of the HR database."),
		),
		mcpGetSchema(deps),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Semantically search the ingested policy documents and return matching passages."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of passages (default 4)")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"genie://schema",
			"Database Schema",
			mcp.WithResourceDescription("Tables, columns and keys of the HR database as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSchema(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		sessionID := req.GetString("session_id", "")
		if sessionID == "" {
			sess, err := deps.Sessions.Create(ctx)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to create session: %v", err)), nil
			}
			sessionID = sess.ID
		}

		reply, err := deps.Chat.Ask(ctx, sessionID, question)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		ans, err := composer.Collect(ctx, reply.Stream)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		return mcpJSON(chatResponse{SessionID: sessionID, Answer: ans})
	}
}

func mcpQuerySQL(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		if deps.SQL == nil {
			return mcpError("database not configured"), nil
		}
		res, err := deps.SQL.Execute(ctx, query)
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return mcpJSON(newQueryResponse(res))
	}
}

func mcpGetSchema(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Schema == nil {
			return mcpError("database not configured"), nil
		}
		s, err := deps.Schema.Get(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load schema: %v", err)), nil
		}
		return mcpText(s.Describe()), nil
	}
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", defaultSearchLimit)
		if limit <= 0 {
			limit = defaultSearchLimit
		}
		if limit > maxSearchLimit {
			limit = maxSearchLimit
		}

		passages, err := deps.Retriever.Retrieve(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(passages) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(passages)
	}
}

func mcpResourceSchema(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.Schema == nil {
			return nil, fmt.Errorf("database not configured")
		}
		s, err := deps.Schema.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load schema: %w", err)
		}

		b, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal schema: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
