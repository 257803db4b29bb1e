package app

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeMetricPath(t *testing.T) {
	cases := map[string]string{
		"/forum":                           "/forum",
		"/forum/sections/sec-nomicms-news": "/forum/sections/sec-nomicms-news",
		"/forum/topics/topic_0b6f7c1e-5d4a-4c3b-9a2f-1e0d9c8b7a65/posts": "/forum/topics/:id/posts",
		"/forum/posts/0b6f7c1e-5d4a-4c3b-9a2f-1e0d9c8b7a65":              "/forum/posts/:id",
	}
	for path, want := range cases {
		if got := sanitizeMetricPath(path); got != want {
			t.Errorf("sanitizeMetricPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestMutationOutcomeCounters(t *testing.T) {
	f := newFixture(t, withThread(forumLayout()))
	ctx := context.Background()
	ok := forumMutations.WithLabelValues("vote_post", "ok")
	rejected := forumMutations.WithLabelValues("vote_post", "rejected")
	okBefore := testutil.ToFloat64(ok)
	rejectedBefore := testutil.ToFloat64(rejected)

	if _, err := f.service.VoteOnPost(ctx, "p2", alice, VoteInput{Value: intPtr(1)}); err != nil {
		t.Fatalf("VoteOnPost() error = %v", err)
	}
	_, err := f.service.VoteOnPost(ctx, "missing", alice, VoteInput{Value: intPtr(1)})
	requireStatus(t, err, http.StatusNotFound)

	if got := testutil.ToFloat64(ok) - okBefore; got != 1 {
		t.Fatalf("ok outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(rejected) - rejectedBefore; got != 1 {
		t.Fatalf("rejected outcomes = %v, want 1", got)
	}
}

func TestMutationOutcome(t *testing.T) {
	if got := mutationOutcome(nil); got != "ok" {
		t.Fatalf("mutationOutcome(nil) = %s", got)
	}
	if got := mutationOutcome(errForbidden("no")); got != "rejected" {
		t.Fatalf("mutationOutcome(domain) = %s", got)
	}
	if got := mutationOutcome(context.Canceled); got != "error" {
		t.Fatalf("mutationOutcome(other) = %s", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, handler := newTestHandler(t, forumLayout(), HTTPConfig{})
	serve(handler, http.MethodGet, "/forum", "", "")

	rr := serve(handler, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "nomicms_http_request_duration_seconds") {
		t.Fatal("expected request histogram in metrics output")
	}
	if count := testutil.CollectAndCount(httpRequestDuration); count == 0 {
		t.Fatal("expected request latency to be recorded")
	}
}
