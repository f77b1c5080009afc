package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kirillkom/evidence-core/internal/config"
	"github.com/kirillkom/evidence-core/internal/core/domain"
	"github.com/kirillkom/evidence-core/internal/core/ports"
	"github.com/kirillkom/evidence-core/internal/observability/metrics"
)

const (
	serviceName     = "api"
	maxRequestBytes = 1 << 20
)

// Services are the inbound ports served over HTTP. Nil services leave their routes unregistered.
type Services struct {
	Evidence ports.EvidenceRetriever
	Verifier ports.AnswerVerifier
	Cache    ports.ResponseCache
	Answers  ports.QuestionAnswerer
	Index    ports.KeywordIndex
}

type Router struct {
	cfg       config.Config
	services  Services
	metrics   *metrics.HTTPServerMetrics
	logger    *slog.Logger
	validator *requestValidator
}

func NewRouter(cfg config.Config, services Services, httpMetrics *metrics.HTTPServerMetrics, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Router{
		cfg:      cfg,
		services: services,
		metrics:  httpMetrics,
		logger:   logger.With("component", "http"),
	}
	if cfg.APIValidateRequests {
		validator, err := newRequestValidator()
		if err != nil {
			return nil, err
		}
		rt.validator = validator
	}
	return rt, nil
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	if rt.services.Evidence != nil {
		api.HandleFunc("POST /v1/evidence", rt.retrieveEvidence)
	}
	if rt.services.Verifier != nil {
		api.HandleFunc("POST /v1/verify", rt.verifyAndCite)
	}
	if rt.services.Cache != nil {
		api.HandleFunc("POST /v1/cache/lookup", rt.cacheLookup)
		api.HandleFunc("POST /v1/cache", rt.cacheStore)
	}
	if rt.services.Answers != nil {
		api.HandleFunc("POST /v1/answer", rt.answer)
	}
	if rt.services.Index != nil {
		api.HandleFunc("GET /v1/index/stats", rt.indexStats)
		api.HandleFunc("POST /v1/index/rebuild", rt.rebuildIndex)
	}

	var limited http.Handler = api
	if rt.validator != nil {
		limited = rt.validator.middleware(limited)
	}
	limited = requestTimeoutMiddleware(limited, rt.cfg.APIRequestTimeout)
	limited = backpressureMiddleware(limited, rt.cfg.APIMaxInFlight, rt.cfg.APIBackpressureWait, rt.recordRejected)
	limited = rateLimitMiddleware(limited, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, rt.recordRejected)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", rt.healthz)
	if rt.metrics != nil {
		root.Handle("GET /metrics", rt.metrics.Handler())
	}
	root.Handle("/", limited)

	var handler http.Handler = root
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	return requestIDMiddleware(accessLogMiddleware(rt.logger, handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type retrieveRequest struct {
	Query   string                 `json:"query"`
	Filters domain.Filters         `json:"filters"`
	TopK    int                    `json:"top_k"`
	Options domain.RetrieveOptions `json:"options"`
}

func (rt *Router) retrieveEvidence(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	evidence, err := rt.services.Evidence.RetrieveEvidence(r.Context(), req.Query, req.Filters, rt.topK(req.TopK), req.Options)
	if err != nil {
		rt.writeDomainError(w, r, "evidence", err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordEvidence(serviceName, "evidence", len(evidence.Results), evidence.Degraded)
	}
	writeJSON(w, http.StatusOK, evidence)
}

type verifyRequest struct {
	Answer   string                     `json:"answer"`
	Evidence []domain.Chunk             `json:"evidence"`
	Context  domain.VerificationContext `json:"context"`
}

func (rt *Router) verifyAndCite(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	verified, err := rt.services.Verifier.VerifyAndCite(r.Context(), req.Answer, req.Evidence, req.Context)
	if err != nil {
		rt.writeDomainError(w, r, "verify", err)
		return
	}
	writeJSON(w, http.StatusOK, verified)
}

type cacheLookupRequest struct {
	Question string         `json:"question"`
	Filters  domain.Filters `json:"filters"`
}

type cacheLookupResponse struct {
	Hit   bool             `json:"hit"`
	Match *domain.CacheHit `json:"match,omitempty"`
}

func (rt *Router) cacheLookup(w http.ResponseWriter, r *http.Request) {
	var req cacheLookupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	hit, ok := rt.services.Cache.Lookup(r.Context(), req.Question, req.Filters)
	if !ok {
		writeJSON(w, http.StatusOK, cacheLookupResponse{Hit: false})
		return
	}
	hit.Entry.Embedding = nil
	writeJSON(w, http.StatusOK, cacheLookupResponse{Hit: true, Match: hit})
}

type cacheStoreRequest struct {
	Question string              `json:"question"`
	Filters  domain.Filters      `json:"filters"`
	Answer   domain.CachedAnswer `json:"answer"`
}

type cacheStoreResponse struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash"`
	Namespace string    `json:"namespace"`
	CreatedAt time.Time `json:"created_at"`
}

func (rt *Router) cacheStore(w http.ResponseWriter, r *http.Request) {
	var req cacheStoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	entry, err := rt.services.Cache.Store(r.Context(), req.Question, req.Filters, req.Answer)
	if err != nil {
		rt.writeDomainError(w, r, "cache", err)
		return
	}
	writeJSON(w, http.StatusCreated, cacheStoreResponse{
		ID:        entry.ID,
		Hash:      entry.Hash,
		Namespace: entry.Namespace,
		CreatedAt: entry.CreatedAt,
	})
}

type answerRequest struct {
	Question string                 `json:"question"`
	Filters  domain.Filters         `json:"filters"`
	TopK     int                    `json:"top_k"`
	Options  domain.RetrieveOptions `json:"options"`
}

func (rt *Router) answer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	answer, err := rt.services.Answers.Answer(r.Context(), req.Question, req.Filters, rt.topK(req.TopK), req.Options)
	if err != nil {
		rt.writeDomainError(w, r, "answer", err)
		return
	}
	if rt.metrics != nil && answer.Evidence != nil {
		rt.metrics.RecordEvidence(serviceName, "answer", len(answer.Evidence.Results), answer.Evidence.Degraded)
	}
	writeJSON(w, http.StatusOK, answer)
}

func (rt *Router) indexStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rt.services.Index.Stats())
}

func (rt *Router) rebuildIndex(w http.ResponseWriter, r *http.Request) {
	if err := rt.services.Index.RebuildIndex(r.Context()); err != nil {
		rt.writeDomainError(w, r, "index", err)
		return
	}
	writeJSON(w, http.StatusOK, rt.services.Index.Stats())
}

func (rt *Router) topK(requested int) int {
	if requested != 0 {
		return requested
	}
	if rt.cfg.APIDefaultTopK > 0 {
		return rt.cfg.APIDefaultTopK
	}
	return 5
}

func (rt *Router) recordRejected(reason string) {
	if rt.metrics != nil {
		rt.metrics.RecordRejected(serviceName, reason)
	}
}

func (rt *Router) writeDomainError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	status, code := mapErrorToHTTPStatus(err)
	insufficient := domain.IsKind(err, domain.ErrRetrievalUnavailable)
	if insufficient && rt.metrics != nil {
		rt.metrics.RecordInsufficientEvidence(serviceName, endpoint)
	}
	if status >= http.StatusInternalServerError {
		rt.logger.Error("http_request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"endpoint", endpoint,
			"code", code,
			"error", err,
		)
	}
	body := errorResponse{Error: err.Error(), Code: code}
	if insufficient {
		body.Error = insufficientEvidenceMessage
		body.InsufficientEvidence = true
	}
	writeJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, codeInvalidInput, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid json")
		return false
	}
	return true
}

const insufficientEvidenceMessage = "insufficient evidence to answer this query"

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	// InsufficientEvidence is set whenever retrieval produced nothing to answer from,
	// including the all-sources-timed-out case reported as 504.
	InsufficientEvidence bool `json:"insufficient_evidence,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
