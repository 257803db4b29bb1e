package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GitStore journals every snapshot as a commit of forum.json on main.
// Reads come from the HEAD commit tree, which never changes once written.
type GitStore struct {
	mu   sync.RWMutex
	repo *git.Repository
	root string
}

func OpenGitStore(dir string) (*GitStore, error) {
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = initJournal(dir)
	}
	if err != nil {
		return nil, fmt.Errorf("open journal repo: %w", err)
	}
	return &GitStore{repo: repo, root: dir}, nil
}

func initJournal(dir string) (*git.Repository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (g *GitStore) ReadAll(context.Context) (Snapshot, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	payload, err := g.headPayload()
	if err != nil {
		return Snapshot{}, err
	}
	if payload == nil {
		return Snapshot{}, nil
	}
	var snapshot Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode journal snapshot: %w", err)
	}
	return snapshot, nil
}

func (g *GitStore) WriteAll(_ context.Context, snapshot Snapshot) error {
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	payload = append(payload, '\n')

	g.mu.Lock()
	defer g.mu.Unlock()

	current, err := g.headPayload()
	if err != nil {
		return err
	}
	if bytes.Equal(current, payload) {
		return nil
	}

	worktree, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(g.root, snapshotFileName), payload, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", snapshotFileName, err)
	}
	if _, err := worktree.Add(snapshotFileName); err != nil {
		return fmt.Errorf("git add snapshot: %w", err)
	}

	message := fmt.Sprintf("forum snapshot: %d categories, %d sections, %d topics, %d posts",
		len(snapshot.Categories), len(snapshot.Sections), len(snapshot.Topics), len(snapshot.Posts))
	if _, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "nomicms",
			Email: "forum@nomicms.local",
			When:  time.Now(),
		},
	}); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Revisions returns the number of snapshots committed so far.
func (g *GitStore) Revisions() (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	head, err := g.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve HEAD: %w", err)
	}
	iter, err := g.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return 0, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	count := 0
	err = iter.ForEach(func(*object.Commit) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("iterate log: %w", err)
	}
	return count, nil
}

// headPayload returns nil when nothing has been committed yet.
func (g *GitStore) headPayload() ([]byte, error) {
	head, err := g.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	commitObj, err := g.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	file, err := commitObj.File(snapshotFileName)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", snapshotFileName, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot bytes: %w", err)
	}
	return payload, nil
}
