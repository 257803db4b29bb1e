package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"

	"nomicms/api/internal/store"
	"nomicms/api/internal/users"
	"nomicms/api/internal/util"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 50
)

type CreateTopicInput struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type UpdateTopicInput struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

type TopicStateInput struct {
	IsLocked *bool `json:"isLocked"`
	IsPinned *bool `json:"isPinned"`
}

type CreatePostInput struct {
	Content       string  `json:"content"`
	ReplyToPostID *string `json:"replyToPostId"`
}

type UpdatePostInput struct {
	Content string `json:"content"`
}

type VoteInput struct {
	Value *int `json:"value"`
}

type PageQuery struct {
	Page  int
	Limit int
}

// normalized clamps page to >= 1 and limit to 1..50, defaulting to 20.
func (q PageQuery) normalized() PageQuery {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = defaultPageLimit
	}
	if q.Limit > maxPageLimit {
		q.Limit = maxPageLimit
	}
	return q
}

type Options struct {
	Logger *slog.Logger
	Locale string
	Now    func() time.Time
	NewID  func(prefix string) string
}

// Service implements the forum read and write operations over one
// guarded content store.
type Service struct {
	guard  *store.Guard
	users  *users.Resolver
	logger *slog.Logger
	locale language.Tag
	now    func() time.Time
	newID  func(prefix string) string
	tracer trace.Tracer
}

func New(guard *store.Guard, resolver *users.Resolver, opts Options) *Service {
	s := &Service{
		guard:  guard,
		users:  resolver,
		logger: opts.Logger,
		now:    opts.Now,
		newID:  opts.NewID,
		tracer: otel.Tracer("nomicms/api/app"),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
	}
	if s.newID == nil {
		s.newID = func(string) string { return util.NewID("") }
	}
	s.locale = language.Make(opts.Locale)
	if opts.Locale == "" || s.locale == language.Und {
		s.locale = language.Russian
	}
	return s
}

// Bootstrap seeds the default layout into an empty store.
func (s *Service) Bootstrap(ctx context.Context, seed bool) error {
	if !seed {
		return nil
	}
	return s.guard.Mutate(ctx, func(snapshot *store.Snapshot) (bool, error) {
		if len(snapshot.Categories) > 0 || len(snapshot.Sections) > 0 {
			return false, nil
		}
		defaults := store.DefaultSnapshot(s.now())
		snapshot.Categories = defaults.Categories
		snapshot.Sections = defaults.Sections
		s.logger.InfoContext(ctx, "seeded default forum layout",
			slog.Int("categories", len(defaults.Categories)),
			slog.Int("sections", len(defaults.Sections)),
		)
		return true, nil
	})
}

func (s *Service) Ping(ctx context.Context) error {
	_, err := s.guard.Read(ctx)
	return err
}

func (s *Service) read(ctx context.Context) (store.Snapshot, error) {
	started := time.Now()
	snapshot, err := s.guard.Read(ctx)
	observeStore("read", started)
	return snapshot, err
}

// mutate runs fn under the mutation lock and records the outcome.
func (s *Service) mutate(ctx context.Context, operation string, fn store.MutateFunc) error {
	started := time.Now()
	err := s.guard.Mutate(ctx, fn)
	observeStore("mutate", started)
	recordMutation(operation, err)
	if err == nil {
		s.logger.DebugContext(ctx, "forum write committed", slog.String("operation", operation))
	}
	return err
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "forum."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
