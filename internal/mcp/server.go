package mcp

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/clinical-rag-agent/internal/agent"
	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/index"
	"github.com/bull/clinical-rag-agent/internal/ingest"
	"github.com/bull/clinical-rag-agent/internal/query"
)

// Answerer is the question-answering service.
type Answerer interface {
	AnswerQuery(ctx context.Context, text string, filters domain.Filters) (*query.Answer, error)
}

// AgentRunner runs one agent session.
type AgentRunner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Session, error)
}

// Retriever ranks passages without generation.
type Retriever interface {
	Retrieve(ctx context.Context, q domain.Query) (*index.SearchResponse, error)
}

// StatusSource reports index and sync state.
type StatusSource interface {
	Stats() index.Stats
}

// SyncSource reports the last ingestion pass.
type SyncSource interface {
	Last() *ingest.SyncResult
	Ready() bool
}

// Config holds server dependencies. A nil dependency leaves its tool out.
type Config struct {
	Name      string
	Version   string
	Answerer  Answerer
	Agent     AgentRunner
	Retriever Retriever
	Index     StatusSource
	Sync      SyncSource
	Logger    *slog.Logger
}

// Server wraps the MCP server with dependencies.
type Server struct {
	server *mcp.Server
	cfg    Config
	logger *slog.Logger
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = "clinical-decision-support"
	}
	if cfg.Version == "" {
		cfg.Version = "v0.1.0"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
		cfg:    cfg,
		logger: logger.With("component", "mcp"),
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	if s.cfg.Answerer != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "answer_question",
			Description: "Answer a clinical question from indexed patient records and research papers. Returns the answer with numbered sources.",
		}, s.handleAnswerQuestion)
	}
	if s.cfg.Agent != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name: "suggest_treatment",
			Description: "Run the clinical reasoning agent for a patient: it reads the patient history, searches research and checks drug interactions, " +
				"then drafts a preliminary treatment plan per condition with citations and caveats. For medical professionals only.",
		}, s.handleSuggestTreatment)
	}
	if s.cfg.Retriever != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "search_research",
			Description: "Search indexed research papers and return ranked passages without generating an answer.",
		}, s.handleSearchResearch)
	}
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "index_status",
		Description: "Report the size and freshness of the clinical document index.",
	}, s.handleIndexStatus)
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
