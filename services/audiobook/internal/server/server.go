package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"openreader/internal/ratelimit"
	"openreader/internal/servicetoken"
	"openreader/internal/util"
	"openreader/pkg/docfile"
	"openreader/pkg/domain"
	"openreader/pkg/layout"
	"openreader/pkg/migrate"
	"openreader/pkg/storage"
	"openreader/services/audiobook/internal/app"
)

const (
	userIDHeader    = "X-User-Id"
	internalAud     = "audiobook"
	defaultIssuer   = "gateway-service"
	rateLimitPrefix = "openreader:audiobook:ratelimit"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                         *app.App
	AuthEnabled                 bool
	InternalJWTKeyID            string
	InternalJWTPublicKeyPath    string
	InternalJWTVerifyPublicKeys map[string]string
	AllowedIssuers              []string
	TrustedProxies              []string
	RedisAddr                   string
	RedisPassword               string
	ClaimRateLimit              int
	ClaimRateWindow             time.Duration
	MaxChapterSize              int64
}

// Server exposes HTTP endpoints for the audiobook service.
type Server struct {
	app            *app.App
	authEnabled    bool
	internalVerify *servicetoken.Verifier
	limiter        *ratelimit.FixedWindowLimiter
	trusted        *util.TrustedProxies
	mux            *http.ServeMux
	maxChapterSize int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	maxChapterSize := cfg.MaxChapterSize
	if maxChapterSize <= 0 {
		maxChapterSize = 512 << 20
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:            cfg.App,
		authEnabled:    cfg.AuthEnabled,
		trusted:        trusted,
		mux:            http.NewServeMux(),
		maxChapterSize: maxChapterSize,
	}
	if cfg.AuthEnabled {
		issuers := cfg.AllowedIssuers
		if len(issuers) == 0 {
			issuers = []string{defaultIssuer}
		}
		verifier, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
			PublicKeyPath:      strings.TrimSpace(cfg.InternalJWTPublicKeyPath),
			VerifyPublicKeyMap: cfg.InternalJWTVerifyPublicKeys,
			DefaultKeyID:       cfg.InternalJWTKeyID,
			Audience:           internalAud,
			AllowedIssuers:     issuers,
			Leeway:             servicetoken.DefaultLeeway,
		})
		if err != nil {
			return nil, err
		}
		s.internalVerify = verifier
	}
	if cfg.ClaimRateLimit > 0 {
		window := cfg.ClaimRateWindow
		if window <= 0 {
			window = time.Minute
		}
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, rateLimitPrefix, cfg.ClaimRateLimit, window)
		if err != nil {
			return nil, fmt.Errorf("init rate limiter: %w", err)
		}
		s.limiter = limiter
	}
	s.routes()
	return s, nil
}

// Close releases the rate limiter connection.
func (s *Server) Close() error {
	return s.limiter.Close()
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("audiobook", s.trusted, util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/audiobooks/", s.withIdentity(s.handleAudiobook))
	s.mux.Handle("/documents/", s.withIdentity(s.handleDocument))

	// maintenance
	s.mux.Handle("/internal/claim", s.withIdentity(s.handleClaim))
	s.mux.Handle("/internal/migrations/", s.withIdentity(s.handleMigration))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "backend": s.app.BackendKind()})
}

type ownerHandler func(http.ResponseWriter, *http.Request, string)

type tokenOwnerKey struct{}

// tokenOwner reports the owner carried by the verified service token, if any.
func tokenOwner(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(tokenOwnerKey{}).(string)
	return owner, ok
}

// withIdentity authenticates the internal caller and resolves the acting
// owner: the token's uid claim, then X-User-Id, then the unclaimed sentinel.
// Without auth every request acts as the unclaimed sentinel.
func (s *Server) withIdentity(next ownerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled {
			next(w, r, domain.UnclaimedOwnerID)
			return
		}
		if s.internalVerify == nil {
			writeError(w, http.StatusInternalServerError, "internal auth not configured")
			return
		}
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := s.internalVerify.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		owner := strings.TrimSpace(claims.UserID)
		if owner == "" {
			owner = strings.TrimSpace(r.Header.Get(userIDHeader))
		}
		if owner == "" {
			owner = domain.UnclaimedOwnerID
		}
		if err := layout.ValidateID(owner); err != nil {
			writeError(w, http.StatusBadRequest, "invalid user id")
			return
		}
		ctx := r.Context()
		if strings.TrimSpace(claims.UserID) != "" {
			ctx = context.WithValue(ctx, tokenOwnerKey{}, owner)
		}
		logger := util.LoggerFromContext(ctx).With("owner_id", owner)
		next(w, r.WithContext(util.ContextWithLogger(ctx, logger)), owner)
	})
}

// handleAudiobook dispatches /audiobooks/{bookId}[/chapters[/{index}]|/settings].
func (s *Server) handleAudiobook(w http.ResponseWriter, r *http.Request, owner string) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/audiobooks/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		notFound(w, "not found")
		return
	}
	bookID := parts[0]
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		s.handleResetBook(w, r, owner, bookID)
	case len(parts) == 2 && parts[1] == "chapters":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleListChapters(w, r, owner, bookID)
	case len(parts) == 3 && parts[1] == "chapters":
		index, err := strconv.Atoi(parts[2])
		if err != nil || index < 0 {
			writeError(w, http.StatusBadRequest, "invalid chapter index")
			return
		}
		switch r.Method {
		case http.MethodPut:
			s.handlePutChapter(w, r, owner, bookID, index)
		case http.MethodGet:
			s.handleGetChapter(w, r, owner, bookID, index)
		case http.MethodDelete:
			if err := s.app.DeleteChapter(r.Context(), owner, bookID, index); err != nil {
				writeAppError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w)
		}
	case len(parts) == 2 && parts[1] == "settings":
		switch r.Method {
		case http.MethodPut:
			s.handlePutSettings(w, r, owner, bookID)
		case http.MethodGet:
			settings, err := s.app.GetSettings(r.Context(), owner, bookID)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(settings)
		default:
			methodNotAllowed(w)
		}
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleListChapters(w http.ResponseWriter, r *http.Request, owner, bookID string) {
	chapters, err := s.app.ListChapters(r.Context(), owner, bookID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": chapters,
		"count": len(chapters),
	})
}

func (s *Server) handlePutChapter(w http.ResponseWriter, r *http.Request, owner, bookID string, index int) {
	q := r.URL.Query()
	var duration float64
	if raw := strings.TrimSpace(q.Get("duration")); raw != "" {
		d, err := strconv.ParseFloat(raw, 64)
		if err != nil || d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
			writeError(w, http.StatusBadRequest, "invalid duration")
			return
		}
		duration = d
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxChapterSize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "chapter too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid chapter body")
		return
	}
	ch, err := s.app.PutChapter(r.Context(), owner, bookID, app.ChapterInput{
		Index:       index,
		Title:       q.Get("title"),
		Format:      q.Get("format"),
		DurationSec: duration,
		BookTitle:   q.Get("bookTitle"),
		Data:        data,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

// handleGetChapter answers with a presigned URL when the backend supports
// it, and streams the bytes (honouring Range) otherwise or when ?proxy=1.
func (s *Server) handleGetChapter(w http.ResponseWriter, r *http.Request, owner, bookID string, index int) {
	if r.URL.Query().Get("proxy") != "1" {
		url, ok, err := s.app.ChapterURL(r.Context(), owner, bookID, index)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if ok {
			writeJSON(w, http.StatusOK, map[string]string{"url": url})
			return
		}
	}
	rng, err := parseRange(r.Header.Get("Range"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid range")
		return
	}
	data, err := s.app.ReadChapter(r.Context(), owner, bookID, index, rng)
	if err != nil {
		if errors.Is(err, app.ErrRangeNotSatisfiable) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", data.Size))
		}
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", data.ContentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.Itoa(len(data.Data)))
	status := http.StatusOK
	if data.Partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", data.Start, data.End, data.Size))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	_, _ = w.Write(data.Data)
}

func (s *Server) handleResetBook(w http.ResponseWriter, r *http.Request, owner, bookID string) {
	removed, err := s.app.ResetBook(r.Context(), owner, bookID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request, owner, bookID string) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.app.PutSettings(r.Context(), owner, bookID, raw); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDocument serves /documents/{id}/preview?bytes=N.
func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, owner string) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/documents/"), "/"), "/")
	if len(parts) != 2 || parts[1] != "preview" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	var n int64
	if raw := strings.TrimSpace(r.URL.Query().Get("bytes")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "invalid bytes")
			return
		}
		n = v
	}
	preview, err := s.app.PreviewDocument(r.Context(), owner, parts[0], n)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	contentType := preview.Document.Type
	if contentType == "" {
		contentType = docfile.KindFromName(preview.Document.Name).ContentType()
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(preview.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(preview.Data)
}

type claimRequest struct {
	FromOwnerID string `json:"fromOwnerId"`
	ToOwnerID   string `json:"toOwnerId"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, owner string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req claimRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	from := strings.TrimSpace(req.FromOwnerID)
	if from == "" {
		from = domain.UnclaimedOwnerID
	}
	to := strings.TrimSpace(req.ToOwnerID)
	if to == "" {
		to = owner
	}
	if bound, ok := tokenOwner(r.Context()); ok && to != bound {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if !s.allow(w, r, "claim:"+to) {
		return
	}
	res, err := s.app.Claim(r.Context(), from, to)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type objectMigrationRequest struct {
	DryRun      bool `json:"dryRun"`
	DeleteLocal bool `json:"deleteLocal"`
	Concurrency int  `json:"concurrency"`
}

// handleMigration serves /internal/migrations/{documents|audiobooks|object-storage}.
func (s *Server) handleMigration(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	switch name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/internal/migrations/"), "/"); name {
	case "documents", "audiobooks":
		phase := migrate.PhaseDocuments
		if name == "audiobooks" {
			phase = migrate.PhaseAudiobooks
		}
		migrated, err := s.app.EnsureLayout(r.Context(), phase)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"phase": phase, "migrated": migrated})
	case "object-storage":
		var req objectMigrationRequest
		if err := decodeOptionalJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if !s.allow(w, r, "migrate:"+util.ClientIP(r, s.trusted)) {
			return
		}
		report, err := s.app.MigrateToObjectStorage(r.Context(), migrate.ObjectOptions{
			DryRun:      req.DryRun,
			DeleteLocal: req.DeleteLocal,
			Concurrency: req.Concurrency,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	default:
		notFound(w, "not found")
	}
}

// allow applies the maintenance rate limit and writes 429 when exceeded.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	if s.limiter == nil {
		return true
	}
	decision := s.limiter.Allow(r.Context(), key)
	if decision.Allowed {
		return true
	}
	util.LoggerFromContext(r.Context()).Warn("rate limited", "key", key, "retry_after", decision.RetryAfter)
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

func decodeOptionalJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(body)) == "" {
		return nil
	}
	return json.Unmarshal(body, dst)
}

// parseRange parses a single "bytes=a-b" or "bytes=a-" range. An empty
// header yields nil.
func parseRange(header string) (*app.ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	byteRange, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(byteRange, ",") {
		return nil, errors.New("unsupported range")
	}
	startStr, endStr, ok := strings.Cut(byteRange, "-")
	if !ok || strings.TrimSpace(startStr) == "" {
		return nil, errors.New("unsupported range")
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return nil, errors.New("invalid range start")
	}
	end := int64(-1)
	if strings.TrimSpace(endStr) != "" {
		end, err = strconv.ParseInt(strings.TrimSpace(endStr), 10, 64)
		if err != nil || end < start {
			return nil, errors.New("invalid range end")
		}
	}
	return &app.ByteRange{Start: start, End: end}, nil
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrNotFound):
		notFound(w, "not found")
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrChapterTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "chapter too large")
	case errors.Is(err, app.ErrRangeNotSatisfiable):
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
	case errors.Is(err, app.ErrObjectStorageAbsent):
		writeError(w, http.StatusServiceUnavailable, "object storage not configured")
	case errors.Is(err, storage.ErrWriteConflict):
		writeError(w, http.StatusConflict, "object exists with different content")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("write json response failed", "err", err)
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForAudiobook(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForAudiobook(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "internal auth not configured", message == "object storage not configured":
		return "SYSTEM_INTERNAL_ERROR"
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "AUTH_FORBIDDEN"
	case message == "invalid user id":
		return "AUTH_INVALID_USER"
	case message == "chapter too large":
		return "AUDIOBOOK_CHAPTER_TOO_LARGE"
	case message == "invalid chapter index", strings.Contains(message, "chapter index"):
		return "AUDIOBOOK_INVALID_CHAPTER_INDEX"
	case strings.Contains(message, "unsupported format"):
		return "AUDIOBOOK_UNSUPPORTED_FORMAT"
	case message == "invalid range", message == "range not satisfiable":
		return "AUDIOBOOK_INVALID_RANGE"
	case strings.Contains(message, "invalid owner"):
		return "CLAIM_INVALID_OWNER"
	case message == "too many requests":
		return "RATE_LIMITED"
	case message == "invalid json body":
		return "REQUEST_INVALID_JSON"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	}

	switch status {
	case http.StatusBadRequest:
		return "AUDIOBOOK_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusNotFound:
		return "AUDIOBOOK_NOT_FOUND"
	case http.StatusConflict:
		return "STORAGE_WRITE_CONFLICT"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
