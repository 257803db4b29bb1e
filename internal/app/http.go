package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nomicms/api/internal/attachments"
	"nomicms/api/internal/auth"
	"nomicms/api/internal/rbac"
)

// multipart framing allowance on top of the file limit
const uploadOverheadBytes = 1 << 20

type HTTPConfig struct {
	CORSOrigin     string
	TokenSecret    []byte
	Attachments    *attachments.Store
	MaxUploadBytes int64
	Logger         *slog.Logger
}

type HTTPServer struct {
	service     *Service
	attachments *attachments.Store
	secret      []byte
	corsOrigin  string
	maxUpload   int64
	logger      *slog.Logger
}

func NewHTTPServer(service *Service, cfg HTTPConfig) *HTTPServer {
	s := &HTTPServer{
		service:     service,
		attachments: cfg.Attachments,
		secret:      cfg.TokenSecret,
		corsOrigin:  cfg.CORSOrigin,
		maxUpload:   cfg.MaxUploadBytes,
		logger:      cfg.Logger,
	}
	if s.corsOrigin == "" {
		s.corsOrigin = "*"
	}
	if s.maxUpload <= 0 {
		s.maxUpload = 10 << 20
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(withRequestMetrics(http.HandlerFunc(s.handle)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"store": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["store"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		metricsHandler().ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 0 || parts[0] != "forum" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		payload, err := s.service.ListCategories(r.Context(), s.optionalViewer(r))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeOK(w, http.StatusOK, payload)
		return

	case len(parts) == 2 && parts[1] == "attachments":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleAttachmentUpload(w, r)
		return

	case len(parts) >= 3 && parts[1] == "sections":
		s.handleSections(w, r, parts[2], parts[3:])
		return

	case len(parts) >= 3 && parts[1] == "topics":
		s.handleTopics(w, r, parts[2], parts[3:])
		return

	case len(parts) >= 3 && parts[1] == "posts":
		s.handlePosts(w, r, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSections(w http.ResponseWriter, r *http.Request, sectionID string, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		payload, err := s.service.GetSection(r.Context(), sectionID, s.optionalViewer(r), pageQuery(r))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeOK(w, http.StatusOK, payload)
		return
	}

	if len(rest) == 1 && rest[0] == "topics" && r.Method == http.MethodPost {
		viewer, ok := s.mutationViewer(w, r)
		if !ok {
			return
		}
		var body CreateTopicInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateTopic(r.Context(), sectionID, viewer, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeOK(w, http.StatusCreated, payload)
		return
	}

	s.notAllowedOrFound(w, len(rest) <= 1)
}

func (s *HTTPServer) handleTopics(w http.ResponseWriter, r *http.Request, topicID string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetTopicDetail(r.Context(), topicID, s.optionalViewer(r), pageQuery(r))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeOK(w, http.StatusOK, payload)
			return

		case http.MethodPatch:
			viewer, ok := s.mutationViewer(w, r)
			if !ok {
				return
			}
			var body UpdateTopicInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateTopic(r.Context(), topicID, viewer, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeOK(w, http.StatusOK, payload)
			return

		case http.MethodDelete:
			viewer, ok := s.mutationViewer(w, r)
			if !ok {
				return
			}
			payload, err := s.service.DeleteTopic(r.Context(), topicID, viewer)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeOK(w, http.StatusOK, payload)
			return
		}
		s.notAllowedOrFound(w, true)
		return
	}

	if len(rest) != 1 {
		s.notAllowedOrFound(w, false)
		return
	}

	switch {
	case rest[0] == "state" && r.Method == http.MethodPatch:
		viewer, ok := s.mutationViewer(w, r)
		if !ok {
			return
		}
		var body TopicStateInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		topic, err := s.service.UpdateTopicState(r.Context(), topicID, viewer, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeOK(w, http.StatusOK, map[string]any{"topic": topic})

	case rest[0] == "views" && r.Method == http.MethodPost:
		payload, err := s.service.IncrementTopicView(r.Context(), topicID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeOK(w, http.StatusOK, payload)

	case rest[0] == "posts" && r.Method == http.MethodPost:
		viewer, ok := s.mutationViewer(w, r)
		if !ok {
			return
		}
		var body CreatePostInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		post, err := s.service.CreatePost(r.Context(), topicID, viewer, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeOK(w, http.StatusCreated, map[string]any{"post": post})

	default:
		s.notAllowedOrFound(w, rest[0] == "state" || rest[0] == "views" || rest[0] == "posts")
	}
}

func (s *HTTPServer) handlePosts(w http.ResponseWriter, r *http.Request, postID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPatch:
		viewer, ok := s.mutationViewer(w, r)
		if !ok {
			return
		}
		var body UpdatePostInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		post, err := s.service.UpdatePost(r.Context(), postID, viewer, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeOK(w, http.StatusOK, map[string]any{"post": post})

	case len(rest) == 0 && r.Method == http.MethodDelete:
		viewer, ok := s.mutationViewer(w, r)
		if !ok {
			return
		}
		payload, err := s.service.DeletePost(r.Context(), postID, viewer)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeOK(w, http.StatusOK, payload)

	case len(rest) == 1 && rest[0] == "votes" && r.Method == http.MethodPost:
		viewer, ok := s.mutationViewer(w, r)
		if !ok {
			return
		}
		var body VoteInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		post, err := s.service.VoteOnPost(r.Context(), postID, viewer, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeOK(w, http.StatusOK, map[string]any{"post": post})

	default:
		s.notAllowedOrFound(w, len(rest) == 0 || (len(rest) == 1 && rest[0] == "votes"))
	}
}

// handleAttachmentUpload stores the file before any forum write refers to
// it. A later failed write leaves the object orphaned.
func (s *HTTPServer) handleAttachmentUpload(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.mutationViewer(w, r)
	if !ok {
		return
	}
	member, err := requireMember(viewer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.attachments == nil {
		s.fail(w, r, attachments.ErrNotConfigured)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+uploadOverheadBytes)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Attachment is too large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Expected multipart form data", nil)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "File is required", map[string]string{"field": "file"})
		return
	}
	defer file.Close()
	if header.Size > s.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Attachment is too large", nil)
		return
	}

	saved, err := s.attachments.Save(r.Context(), header.Filename, header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "forum attachment stored",
		slog.String("user_id", member.ID),
		slog.String("key", saved.Key),
		slog.Int64("size", saved.Size),
	)
	writeOK(w, http.StatusCreated, saved)
}

// optionalViewer treats a missing or unusable token as anonymous.
func (s *HTTPServer) optionalViewer(r *http.Request) rbac.Viewer {
	token := bearerToken(r)
	if token == "" {
		return rbac.Anonymous{}
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return rbac.Anonymous{}
	}
	return viewerFromClaims(claims)
}

// mutationViewer rejects a bad token outright. Without a token the
// anonymous viewer reaches the service, which decides.
func (s *HTTPServer) mutationViewer(w http.ResponseWriter, r *http.Request) (rbac.Viewer, bool) {
	token := bearerToken(r)
	if token == "" {
		return rbac.Anonymous{}, true
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return nil, false
	}
	return viewerFromClaims(claims), true
}

func viewerFromClaims(claims auth.Claims) rbac.Viewer {
	return rbac.Member{ID: claims.Sub, Role: rbac.Normalize(claims.Role)}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "forum request failed",
			slog.String("request_id", RequestID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) notAllowedOrFound(w http.ResponseWriter, knownPath bool) {
	if knownPath {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.InfoContext(ctx, "http request",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", writer.status),
			slog.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id assigned by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeOK flattens payload into an object carrying "status":"ok".
func writeOK(w http.ResponseWriter, status int, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
		return
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(encoded, &fields); err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
		return
	}
	fields["status"] = json.RawMessage(`"ok"`)
	writeJSON(w, status, fields)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// pageQuery reads ?page&limit; unparseable values fall back to defaults.
func pageQuery(r *http.Request) PageQuery {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return PageQuery{Page: page, Limit: limit}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, attachments.ErrNotConfigured) {
		return http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage is not configured", nil
	}
	if errors.Is(err, attachments.ErrEmptyFile) {
		return http.StatusBadRequest, "VALIDATION_ERROR", "File is empty", map[string]string{"field": "file"}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
