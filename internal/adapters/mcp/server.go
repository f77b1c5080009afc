package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/core/ports"
)

const defaultTopK = 5

// Server exposes the evidence pipeline as MCP tools.
type Server struct {
	evidence ports.EvidenceRetriever
	verifier ports.AnswerVerifier
	cache    ports.ResponseCache
	logger   *slog.Logger
}

func NewServer(evidence ports.EvidenceRetriever, verifier ports.AnswerVerifier, cache ports.ResponseCache, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		evidence: evidence,
		verifier: verifier,
		cache:    cache,
		logger:   logger.With("component", "mcp"),
	}
}

// MCPServer registers every tool whose backing port is configured.
func (s *Server) MCPServer(name, version string) *server.MCPServer {
	srv := server.NewMCPServer(name, version, server.WithToolCapabilities(false))

	if s.evidence != nil {
		srv.AddTool(mcp.NewTool("retrieve_evidence",
			mcp.WithDescription("Retrieve ranked evidence chunks for a financial question using hybrid search, fusion and reranking."),
			mcp.WithString("query", mcp.Required(), mcp.Description("Natural language question.")),
			mcp.WithString("property_id", mcp.Description("Restrict evidence to one property.")),
			mcp.WithString("period", mcp.Description("Restrict evidence to one reporting period, e.g. 2024-Q3.")),
			mcp.WithString("document_type", mcp.Description("Restrict evidence to one document type.")),
			mcp.WithNumber("top_k", mcp.Description("Number of results, 1 to 50. Defaults to 5.")),
			mcp.WithBoolean("rerank", mcp.Description("Apply cross-encoder reranking. Defaults to true.")),
		), s.retrieveEvidence)
	}
	if s.verifier != nil {
		srv.AddTool(mcp.NewTool("verify_and_cite",
			mcp.WithDescription("Verify numeric claims in an answer against structured data and evidence, and attach citations."),
			mcp.WithString("answer", mcp.Required(), mcp.Description("Generated answer text.")),
			mcp.WithArray("evidence", mcp.Description("Evidence chunks: objects with id, document_id, text and optional position."), mcp.Items(map[string]any{"type": "object"})),
			mcp.WithString("property_id", mcp.Description("Property the answer is about.")),
			mcp.WithString("period", mcp.Description("Reporting period the answer is about.")),
		), s.verifyAndCite)
	}
	if s.cache != nil {
		srv.AddTool(mcp.NewTool("cache_lookup",
			mcp.WithDescription("Look up a previously verified answer for the same or a semantically equivalent question."),
			mcp.WithString("question", mcp.Required(), mcp.Description("Question to look up.")),
			mcp.WithString("property_id", mcp.Description("Property scope of the question.")),
			mcp.WithString("period", mcp.Description("Period scope of the question.")),
		), s.cacheLookup)
	}
	return srv
}

func (s *Server) retrieveEvidence(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	topK := int(request.GetFloat("top_k", defaultTopK))
	opts := domain.RetrieveOptions{RerankDisabled: !request.GetBool("rerank", true)}

	evidence, err := s.evidence.RetrieveEvidence(ctx, query, filtersFrom(request), topK, opts)
	if err != nil {
		return s.toolError("retrieve_evidence", err), nil
	}
	return jsonResult(evidence)
}

func (s *Server) verifyAndCite(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	answer, err := request.RequireString("answer")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	evidence, err := chunksFrom(request.GetArguments()["evidence"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	vctx := domain.VerificationContext{
		PropertyID: request.GetString("property_id", ""),
		Period:     request.GetString("period", ""),
	}

	verified, err := s.verifier.VerifyAndCite(ctx, answer, evidence, vctx)
	if err != nil {
		return s.toolError("verify_and_cite", err), nil
	}
	return jsonResult(verified)
}

type cacheLookupResult struct {
	Hit        bool                 `json:"hit"`
	Similarity float64              `json:"similarity,omitempty"`
	Tier       domain.CacheTier     `json:"tier,omitempty"`
	Question   string               `json:"question,omitempty"`
	Answer     *domain.CachedAnswer `json:"answer,omitempty"`
}

func (s *Server) cacheLookup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	hit, ok := s.cache.Lookup(ctx, question, filtersFrom(request))
	if !ok {
		return jsonResult(cacheLookupResult{Hit: false})
	}
	answer := hit.Entry.Answer
	return jsonResult(cacheLookupResult{
		Hit:        true,
		Similarity: hit.Similarity,
		Tier:       hit.Tier,
		Question:   hit.Entry.Question,
		Answer:     &answer,
	})
}

func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return mcp.NewToolResultError(err.Error())
	case domain.IsKind(err, domain.ErrRetrievalUnavailable), domain.IsKind(err, domain.ErrRetrievalTimeout):
		s.logger.Warn("mcp_tool_insufficient_evidence", "tool", tool, "error", err)
		return mcp.NewToolResultError("insufficient evidence to answer this query")
	default:
		s.logger.Error("mcp_tool_failed", "tool", tool, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("%s failed", tool))
	}
}

func filtersFrom(request mcp.CallToolRequest) domain.Filters {
	return domain.Filters{
		PropertyID:   request.GetString("property_id", ""),
		Period:       request.GetString("period", ""),
		DocumentType: request.GetString("document_type", ""),
	}
}

// chunksFrom re-decodes the loosely typed tool argument into chunks.
func chunksFrom(raw any) ([]domain.Chunk, error) {
	if raw == nil {
		return nil, nil
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("evidence: %w", err)
	}
	var chunks []domain.Chunk
	if err := json.Unmarshal(payload, &chunks); err != nil {
		return nil, fmt.Errorf("evidence must be an array of chunk objects: %w", err)
	}
	return chunks, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}
