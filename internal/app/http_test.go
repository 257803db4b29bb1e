package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"nomicms/api/internal/attachments"
	"nomicms/api/internal/auth"
	"nomicms/api/internal/store"
)

var testSecret = []byte("test-secret")

type fakeObjects struct {
	putObjectFn func(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

func (f *fakeObjects) BucketExists(context.Context, string) (bool, error) { return true, nil }

func (f *fakeObjects) MakeBucket(context.Context, string, minio.MakeBucketOptions) error { return nil }

func (f *fakeObjects) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putObjectFn != nil {
		return f.putObjectFn(ctx, bucket, key, reader, size, opts)
	}
	written, err := io.Copy(io.Discard, reader)
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: written}, err
}

func newTestHandler(t *testing.T, snapshot store.Snapshot, cfg HTTPConfig) (*fixture, http.Handler) {
	t.Helper()
	f := newFixture(t, snapshot)
	cfg.TokenSecret = testSecret
	cfg.Logger = discardLogger()
	return f, NewHTTPServer(f.service, cfg).Handler()
}

func tokenFor(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, auth.NewClaims(userID, role, time.Hour))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func serve(handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, status int) map[string]any {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rr.Code, rr.Body.String())
	}
	return decodeResponse(t, rr)
}

func expectErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	payload := expectStatus(t, rr, status)
	if payload["code"] != code {
		t.Fatalf("expected code %s, got %v", code, payload["code"])
	}
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	f, handler := newTestHandler(t, forumLayout(), HTTPConfig{})

	payload := expectStatus(t, serve(handler, http.MethodGet, "/health", "", ""), http.StatusOK)
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload["ok"])
	}

	payload = expectStatus(t, serve(handler, http.MethodGet, "/ready", "", ""), http.StatusOK)
	if payload["status"] != "ready" {
		t.Fatalf("expected ready, got %v", payload["status"])
	}

	f.store.readAllFn = func(context.Context) (store.Snapshot, error) {
		return store.Snapshot{}, errors.New("connection refused")
	}
	payload = expectStatus(t, serve(handler, http.MethodGet, "/ready", "", ""), http.StatusServiceUnavailable)
	checks, _ := payload["checks"].(map[string]any)
	storeCheck, _ := checks["store"].(map[string]any)
	if payload["ok"] != false || storeCheck["status"] != "error" {
		t.Fatalf("unexpected not-ready payload: %v", payload)
	}
}

func TestMiddlewareSetsCORSAndRequestID(t *testing.T) {
	_, handler := newTestHandler(t, forumLayout(), HTTPConfig{CORSOrigin: "https://forum.test"})

	req := httptest.NewRequest(http.MethodOptions, "/forum/topics/t1", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://forum.test" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "PATCH") {
		t.Fatalf("PATCH missing from allowed methods: %q", got)
	}
	if got := rr.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("expected echoed request id, got %q", got)
	}

	rr = serve(handler, http.MethodGet, "/health", "", "")
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected generated request id")
	}
}

func TestForumIndexEnvelope(t *testing.T) {
	_, handler := newTestHandler(t, withThread(forumLayout()), HTTPConfig{})

	payload := expectStatus(t, serve(handler, http.MethodGet, "/forum", "", ""), http.StatusOK)
	if payload["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", payload["status"])
	}
	categories, _ := payload["categories"].([]any)
	if len(categories) != 1 {
		t.Fatalf("expected one category, got %v", payload["categories"])
	}
	category, _ := categories[0].(map[string]any)
	sections, _ := category["sections"].([]any)
	if len(sections) != 2 {
		t.Fatalf("expected two sections, got %d", len(sections))
	}
}

func TestTopicPaginationQuery(t *testing.T) {
	_, handler := newTestHandler(t, withThread(forumLayout()), HTTPConfig{})

	payload := expectStatus(t, serve(handler, http.MethodGet, "/forum/topics/t1?page=2&limit=2", "", ""), http.StatusOK)
	posts, _ := payload["posts"].([]any)
	if len(posts) != 1 {
		t.Fatalf("expected one post on page 2, got %d", len(posts))
	}
	post, _ := posts[0].(map[string]any)
	if post["id"] != "p3" {
		t.Fatalf("expected p3, got %v", post["id"])
	}
	pagination, _ := payload["pagination"].(map[string]any)
	if pagination["page"] != float64(2) || pagination["totalPages"] != float64(2) {
		t.Fatalf("unexpected pagination: %v", pagination)
	}

	payload = expectStatus(t, serve(handler, http.MethodGet, "/forum/topics/t1?page=abc", "", ""), http.StatusOK)
	pagination, _ = payload["pagination"].(map[string]any)
	if pagination["page"] != float64(1) || pagination["limit"] != float64(20) {
		t.Fatalf("expected default pagination, got %v", pagination)
	}

	payload = expectStatus(t, serve(handler, http.MethodGet, "/forum/topics/t1?page=9223372036854775807&limit=2", "", ""), http.StatusOK)
	if posts, _ := payload["posts"].([]any); len(posts) != 0 {
		t.Fatalf("expected no posts past the last page, got %d", len(posts))
	}
	expectStatus(t, serve(handler, http.MethodGet, "/forum/sections/s1?page=9223372036854775807", "", ""), http.StatusOK)
}

func TestMutationAuthentication(t *testing.T) {
	_, handler := newTestHandler(t, forumLayout(), HTTPConfig{})
	body := `{"title":"Hello","content":"World"}`

	expectErrorCode(t, serve(handler, http.MethodPost, "/forum/sections/s1/topics", "", body), http.StatusUnauthorized, "UNAUTHORIZED")
	expectErrorCode(t, serve(handler, http.MethodPost, "/forum/sections/s1/topics", "garbage", body), http.StatusUnauthorized, "UNAUTHORIZED")

	expired, err := auth.IssueToken(testSecret, auth.NewClaims("alice", "user", -time.Minute))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	expectErrorCode(t, serve(handler, http.MethodPost, "/forum/sections/s1/topics", expired, body), http.StatusUnauthorized, "UNAUTHORIZED")

	// reads tolerate a bad token
	expectStatus(t, serve(handler, http.MethodGet, "/forum/sections/s1", "garbage", ""), http.StatusOK)

	payload := expectStatus(t, serve(handler, http.MethodGet, "/forum/sections/s2", tokenFor(t, "alice", "user"), ""), http.StatusOK)
	permissions, _ := payload["permissions"].(map[string]any)
	if permissions["canCreateTopic"] != false || permissions["isLocked"] != true {
		t.Fatalf("unexpected section permissions: %v", permissions)
	}
}

func TestForumFlowOverHTTP(t *testing.T) {
	_, handler := newTestHandler(t, forumLayout(), HTTPConfig{})
	aliceToken := tokenFor(t, "alice", "user")
	bobToken := tokenFor(t, "bob", "user")
	adminToken := tokenFor(t, "admin", "admin")

	payload := expectStatus(t, serve(handler, http.MethodPost, "/forum/sections/s1/topics", aliceToken, `{"title":"Hello","content":"World"}`), http.StatusCreated)
	if payload["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", payload["status"])
	}
	topic, _ := payload["topic"].(map[string]any)
	topicID, _ := topic["id"].(string)
	if topicID == "" || topic["slug"] != "hello" {
		t.Fatalf("unexpected topic: %v", topic)
	}

	payload = expectStatus(t, serve(handler, http.MethodPost, "/forum/topics/"+topicID+"/posts", bobToken, `{"content":"Hi Alice"}`), http.StatusCreated)
	post, _ := payload["post"].(map[string]any)
	postID, _ := post["id"].(string)
	if postID == "" {
		t.Fatalf("expected post id, got %v", payload)
	}

	payload = expectStatus(t, serve(handler, http.MethodPost, "/forum/posts/"+postID+"/votes", aliceToken, `{"value":1}`), http.StatusOK)
	post, _ = payload["post"].(map[string]any)
	votes, _ := post["votes"].(map[string]any)
	if votes["score"] != float64(1) || votes["user"] != float64(1) {
		t.Fatalf("unexpected votes: %v", votes)
	}
	expectErrorCode(t, serve(handler, http.MethodPost, "/forum/posts/"+postID+"/votes", aliceToken, `{"value":5}`), http.StatusBadRequest, "VALIDATION_ERROR")

	expectErrorCode(t, serve(handler, http.MethodPatch, "/forum/topics/"+topicID+"/state", aliceToken, `{"isLocked":true}`), http.StatusForbidden, "FORBIDDEN")
	payload = expectStatus(t, serve(handler, http.MethodPatch, "/forum/topics/"+topicID+"/state", adminToken, `{"isLocked":true}`), http.StatusOK)
	topic, _ = payload["topic"].(map[string]any)
	if topic["isLocked"] != true {
		t.Fatalf("expected locked topic, got %v", topic)
	}
	expectErrorCode(t, serve(handler, http.MethodPost, "/forum/topics/"+topicID+"/posts", bobToken, `{"content":"too late"}`), http.StatusForbidden, "FORBIDDEN")

	payload = expectStatus(t, serve(handler, http.MethodPost, "/forum/topics/"+topicID+"/views", "", ""), http.StatusOK)
	if payload["viewCount"] != float64(1) || payload["topicId"] != topicID {
		t.Fatalf("unexpected view payload: %v", payload)
	}

	payload = expectStatus(t, serve(handler, http.MethodPatch, "/forum/posts/"+postID, bobToken, `{"content":"Hi again"}`), http.StatusOK)
	post, _ = payload["post"].(map[string]any)
	if post["content"] != "Hi again" {
		t.Fatalf("unexpected edited post: %v", post)
	}

	payload = expectStatus(t, serve(handler, http.MethodDelete, "/forum/posts/"+postID, bobToken, ""), http.StatusOK)
	if payload["postDeleted"] != true {
		t.Fatalf("unexpected delete payload: %v", payload)
	}

	payload = expectStatus(t, serve(handler, http.MethodDelete, "/forum/topics/"+topicID, adminToken, ""), http.StatusOK)
	if payload["topicDeleted"] != true {
		t.Fatalf("unexpected delete payload: %v", payload)
	}
	expectErrorCode(t, serve(handler, http.MethodGet, "/forum/topics/"+topicID, "", ""), http.StatusNotFound, "NOT_FOUND")
}

func TestRequestValidationErrors(t *testing.T) {
	_, handler := newTestHandler(t, withThread(forumLayout()), HTTPConfig{})
	aliceToken := tokenFor(t, "alice", "user")

	expectErrorCode(t, serve(handler, http.MethodPost, "/forum/sections/s1/topics", aliceToken, `{`), http.StatusBadRequest, "INVALID_BODY")

	rr := serve(handler, http.MethodPost, "/forum/sections/s1/topics", aliceToken, `{"title":"ab","content":"x"}`)
	payload := expectStatus(t, rr, http.StatusBadRequest)
	details, _ := payload["details"].(map[string]any)
	if payload["code"] != "VALIDATION_ERROR" || details["field"] != "title" {
		t.Fatalf("unexpected validation payload: %v", payload)
	}

	expectErrorCode(t, serve(handler, http.MethodPost, "/forum/topics/t1/posts", aliceToken, `{"content":"x","replyToPostId":"missing"}`), http.StatusBadRequest, "INVALID_REPLY_TARGET")

	snapshotDeleted := withThread(forumLayout())
	snapshotDeleted.Posts[0].IsDeleted = true
	_, conflictHandler := newTestHandler(t, snapshotDeleted, HTTPConfig{})
	expectErrorCode(t, serve(conflictHandler, http.MethodPatch, "/forum/topics/t1", aliceToken, `{"content":"new"}`), http.StatusConflict, "CONFLICT")
}

func TestRoutingNotFoundAndMethodNotAllowed(t *testing.T) {
	_, handler := newTestHandler(t, withThread(forumLayout()), HTTPConfig{})

	cases := []struct {
		name   string
		method string
		path   string
		status int
		code   string
	}{
		{name: "unknown root", method: http.MethodGet, path: "/nope", status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "unknown forum path", method: http.MethodGet, path: "/forum/unknown", status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "missing section", method: http.MethodGet, path: "/forum/sections/nope", status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "anonymous delete", method: http.MethodDelete, path: "/forum/posts/nope", status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "post to index", method: http.MethodPost, path: "/forum", status: http.StatusMethodNotAllowed, code: "METHOD_NOT_ALLOWED"},
		{name: "put topic", method: http.MethodPut, path: "/forum/topics/t1", status: http.StatusMethodNotAllowed, code: "METHOD_NOT_ALLOWED"},
		{name: "get replies", method: http.MethodGet, path: "/forum/topics/t1/posts", status: http.StatusMethodNotAllowed, code: "METHOD_NOT_ALLOWED"},
		{name: "get votes", method: http.MethodGet, path: "/forum/posts/p1/votes", status: http.StatusMethodNotAllowed, code: "METHOD_NOT_ALLOWED"},
		{name: "get attachments", method: http.MethodGet, path: "/forum/attachments", status: http.StatusMethodNotAllowed, code: "METHOD_NOT_ALLOWED"},
		{name: "deep topic path", method: http.MethodGet, path: "/forum/topics/t1/posts/p1", status: http.StatusNotFound, code: "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			expectErrorCode(t, serve(handler, tc.method, tc.path, "", ""), tc.status, tc.code)
		})
	}
}

func multipartUpload(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if field != "" {
		part, err := writer.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func upload(handler http.Handler, token string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/forum/attachments", body)
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestAttachmentUpload(t *testing.T) {
	var uploadedKey string
	objects := &fakeObjects{
		putObjectFn: func(_ context.Context, bucket, key string, reader io.Reader, size int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
			uploadedKey = key
			data, err := io.ReadAll(reader)
			return minio.UploadInfo{Bucket: bucket, Key: key, Size: int64(len(data))}, err
		},
	}
	uploads := attachments.NewWithClient(objects, "forum-attachments", "https://cdn.test/forum-attachments/")
	_, handler := newTestHandler(t, forumLayout(), HTTPConfig{Attachments: uploads, MaxUploadBytes: 64})
	aliceToken := tokenFor(t, "alice", "user")

	body, contentType := multipartUpload(t, "file", "Photo.PNG", []byte("png bytes"))
	payload := expectStatus(t, upload(handler, aliceToken, body, contentType), http.StatusCreated)
	url, _ := payload["url"].(string)
	if payload["status"] != "ok" || !strings.HasPrefix(url, "https://cdn.test/forum-attachments/forum/") || !strings.HasSuffix(url, ".png") {
		t.Fatalf("unexpected upload payload: %v", payload)
	}
	if !strings.HasSuffix(url, uploadedKey) {
		t.Fatalf("url %s does not end with key %s", url, uploadedKey)
	}
	if _, leaked := payload["key"]; leaked {
		t.Fatal("object key should not be exposed")
	}

	body, contentType = multipartUpload(t, "file", "big.bin", bytes.Repeat([]byte("x"), 65))
	expectErrorCode(t, upload(handler, aliceToken, body, contentType), http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE")

	body, contentType = multipartUpload(t, "", "", nil)
	expectErrorCode(t, upload(handler, aliceToken, body, contentType), http.StatusBadRequest, "VALIDATION_ERROR")

	body, contentType = multipartUpload(t, "file", "empty.txt", nil)
	expectErrorCode(t, upload(handler, aliceToken, body, contentType), http.StatusBadRequest, "VALIDATION_ERROR")

	expectErrorCode(t, upload(handler, aliceToken, bytes.NewBufferString(`{"file":"nope"}`), "application/json"), http.StatusBadRequest, "INVALID_BODY")

	body, contentType = multipartUpload(t, "file", "Photo.PNG", []byte("png bytes"))
	expectErrorCode(t, upload(handler, "", body, contentType), http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestAttachmentUploadUnavailable(t *testing.T) {
	_, handler := newTestHandler(t, forumLayout(), HTTPConfig{})

	body, contentType := multipartUpload(t, "file", "Photo.PNG", []byte("png bytes"))
	expectErrorCode(t, upload(handler, tokenFor(t, "alice", "user"), body, contentType), http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE")
}

func TestAttachmentUploadFailureIsServerError(t *testing.T) {
	objects := &fakeObjects{
		putObjectFn: func(context.Context, string, string, io.Reader, int64, minio.PutObjectOptions) (minio.UploadInfo, error) {
			return minio.UploadInfo{}, errors.New("bucket unreachable")
		},
	}
	uploads := attachments.NewWithClient(objects, "forum-attachments", "https://cdn.test")
	_, handler := newTestHandler(t, forumLayout(), HTTPConfig{Attachments: uploads})

	body, contentType := multipartUpload(t, "file", "a.txt", []byte("hello"))
	expectErrorCode(t, upload(handler, tokenFor(t, "alice", "user"), body, contentType), http.StatusInternalServerError, "SERVER_ERROR")
}
