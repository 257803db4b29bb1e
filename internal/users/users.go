// Package users resolves user ids to the display info shown next to forum
// content. Lookups never fail a request: unknown ids and backend errors
// resolve to placeholders.
package users

import (
	"context"
	"log/slog"
	"strings"
)

const (
	GuestName       = "Guest"
	UnknownUserName = "Unknown user"
	fallbackName    = "User"
)

// Info is the public shape of a user next to a topic or post.
type Info struct {
	ID          *string `json:"id"`
	Username    *string `json:"username"`
	DisplayName string  `json:"displayName"`
	AvatarURL   string  `json:"avatarUrl"`
}

// Record is what a Source knows about a user.
type Record struct {
	ID          string  `json:"id"`
	Username    *string `json:"username,omitempty"`
	DisplayName string  `json:"displayName,omitempty"`
}

// Source looks up users in bulk. Missing ids are simply absent from the result.
type Source interface {
	Lookup(ctx context.Context, ids []string) (map[string]Record, error)
}

// StaticSource serves a fixed set of users.
type StaticSource map[string]Record

func (s StaticSource) Lookup(_ context.Context, ids []string) (map[string]Record, error) {
	out := make(map[string]Record, len(ids))
	for _, id := range ids {
		if record, ok := s[id]; ok {
			out[id] = record
		}
	}
	return out, nil
}

type Resolver struct {
	source        Source
	defaultAvatar string
	logger        *slog.Logger
}

func NewResolver(source Source, defaultAvatar string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, defaultAvatar: defaultAvatar, logger: logger}
}

// Lookup is a resolved batch. Get never fails.
type Lookup struct {
	infos         map[string]Info
	defaultAvatar string
}

// Resolve fetches the given ids once. Blank and duplicate ids are ignored.
func (r *Resolver) Resolve(ctx context.Context, ids []string) Lookup {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	lookup := Lookup{infos: make(map[string]Info, len(unique)), defaultAvatar: r.defaultAvatar}
	if len(unique) == 0 {
		return lookup
	}

	records, err := r.source.Lookup(ctx, unique)
	if err != nil {
		r.logger.WarnContext(ctx, "user lookup failed", slog.Int("ids", len(unique)), slog.Any("error", err))
		records = nil
	}
	for _, id := range unique {
		record, ok := records[id]
		if !ok {
			lookup.infos[id] = Info{ID: stringPtr(id), DisplayName: UnknownUserName, AvatarURL: r.defaultAvatar}
			continue
		}
		lookup.infos[id] = r.fromRecord(id, record)
	}
	return lookup
}

func (r *Resolver) fromRecord(id string, record Record) Info {
	displayName := strings.TrimSpace(record.DisplayName)
	if displayName == "" && record.Username != nil {
		displayName = *record.Username
	}
	if displayName == "" {
		displayName = fallbackName
	}
	if record.ID != "" {
		id = record.ID
	}
	return Info{ID: stringPtr(id), Username: record.Username, DisplayName: displayName, AvatarURL: r.defaultAvatar}
}

func (l Lookup) Get(id string) Info {
	id = strings.TrimSpace(id)
	if id == "" {
		return Info{DisplayName: GuestName, AvatarURL: l.defaultAvatar}
	}
	if info, ok := l.infos[id]; ok {
		return info
	}
	// id was never passed to Resolve; ids the source lacks are already UnknownUserName.
	return Info{ID: stringPtr(id), DisplayName: fallbackName, AvatarURL: l.defaultAvatar}
}

func stringPtr(value string) *string {
	return &value
}
