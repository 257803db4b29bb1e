package store

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ContentStore persists the forum as a single snapshot. ReadAll returns a
// copy owned by the caller; WriteAll replaces all four collections at once
// or leaves the previous snapshot untouched.
type ContentStore interface {
	ReadAll(ctx context.Context) (Snapshot, error)
	WriteAll(ctx context.Context, snapshot Snapshot) error
}

// MutateFunc edits the snapshot in place and reports whether anything
// changed. Returning an error discards the edit.
type MutateFunc func(snapshot *Snapshot) (changed bool, err error)

// Guard serialises writers behind one mutex. Reads never take the lock.
type Guard struct {
	store ContentStore
	mu    sync.Mutex
}

func NewGuard(contentStore ContentStore) *Guard {
	return &Guard{store: contentStore}
}

func (g *Guard) Read(ctx context.Context) (Snapshot, error) {
	ctx, span := otel.Tracer("nomicms/api/store").Start(ctx, "store.read")
	defer span.End()

	snapshot, err := g.store.ReadAll(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return Snapshot{}, fmt.Errorf("read forum snapshot: %w", err)
	}
	return snapshot, nil
}

// Mutate runs fn against a fresh snapshot while holding the mutation lock
// and writes the result back when fn reports a change.
func (g *Guard) Mutate(ctx context.Context, fn MutateFunc) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx, span := otel.Tracer("nomicms/api/store").Start(ctx, "store.mutate")
	defer span.End()

	snapshot, err := g.store.ReadAll(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return fmt.Errorf("read forum snapshot: %w", err)
	}

	changed, err := fn(&snapshot)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Bool("forum.changed", changed))
	if !changed {
		return nil
	}

	if err := g.store.WriteAll(ctx, snapshot); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("write forum snapshot: %w", err)
	}
	return nil
}

// MemoryStore keeps the snapshot in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	snapshot Snapshot
}

func NewMemoryStore(initial Snapshot) *MemoryStore {
	return &MemoryStore{snapshot: initial.Clone()}
}

func (m *MemoryStore) ReadAll(context.Context) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot.Clone(), nil
}

func (m *MemoryStore) WriteAll(_ context.Context, snapshot Snapshot) error {
	cloned := snapshot.Clone()
	m.mu.Lock()
	m.snapshot = cloned
	m.mu.Unlock()
	return nil
}
