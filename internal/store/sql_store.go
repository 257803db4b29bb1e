package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SQLStore keeps the snapshot in four tables. Postgres and SQLite share the
// same statements; only placeholders and the read transaction differ.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) ReadAll(ctx context.Context) (Snapshot, error) {
	var opts *sql.TxOptions
	if s.dialect == DialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin read tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var snapshot Snapshot
	if snapshot.Categories, err = s.readCategories(ctx, tx); err != nil {
		return Snapshot{}, err
	}
	if snapshot.Sections, err = s.readSections(ctx, tx); err != nil {
		return Snapshot{}, err
	}
	if snapshot.Topics, err = s.readTopics(ctx, tx); err != nil {
		return Snapshot{}, err
	}
	if snapshot.Posts, err = s.readPosts(ctx, tx); err != nil {
		return Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return Snapshot{}, fmt.Errorf("commit read tx: %w", err)
	}
	return snapshot, nil
}

func (s *SQLStore) readCategories(ctx context.Context, tx *sql.Tx) ([]Category, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, slug, title, description, icon, sort_order, is_locked, section_ids, created_at, updated_at, deleted_at
		FROM forum_categories
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	var items []Category
	for rows.Next() {
		var (
			item       Category
			sectionIDs string
			createdAt  int64
			updatedAt  int64
			deletedAt  sql.NullInt64
		)
		if err := rows.Scan(&item.ID, &item.Slug, &item.Title, &item.Description, &item.Icon, &item.Order, &item.IsLocked, &sectionIDs, &createdAt, &updatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		if err := json.Unmarshal([]byte(sectionIDs), &item.SectionIDs); err != nil {
			return nil, fmt.Errorf("decode category %s section ids: %w", item.ID, err)
		}
		item.CreatedAt = fromMillis(createdAt)
		item.UpdatedAt = fromMillis(updatedAt)
		item.DeletedAt = timeFromNull(deletedAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLStore) readSections(ctx context.Context, tx *sql.Tx) ([]Section, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, category_id, slug, title, description, icon, sort_order, is_locked, created_at, updated_at, deleted_at
		FROM forum_sections
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query sections: %w", err)
	}
	defer rows.Close()

	var items []Section
	for rows.Next() {
		var (
			item      Section
			createdAt int64
			updatedAt int64
			deletedAt sql.NullInt64
		)
		if err := rows.Scan(&item.ID, &item.CategoryID, &item.Slug, &item.Title, &item.Description, &item.Icon, &item.Order, &item.IsLocked, &createdAt, &updatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		item.CreatedAt = fromMillis(createdAt)
		item.UpdatedAt = fromMillis(updatedAt)
		item.DeletedAt = timeFromNull(deletedAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLStore) readTopics(ctx context.Context, tx *sql.Tx) ([]Topic, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, section_id, slug, title, author_id, is_locked, is_pinned, view_count, post_ids,
		       last_post_at, last_post_user_id, created_at, updated_at, deleted_at
		FROM forum_topics
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query topics: %w", err)
	}
	defer rows.Close()

	var items []Topic
	for rows.Next() {
		var (
			item       Topic
			postIDs    string
			lastPostAt sql.NullInt64
			createdAt  int64
			updatedAt  int64
			deletedAt  sql.NullInt64
		)
		if err := rows.Scan(&item.ID, &item.SectionID, &item.Slug, &item.Title, &item.AuthorID, &item.IsLocked, &item.IsPinned, &item.ViewCount, &postIDs,
			&lastPostAt, &item.LastPostUserID, &createdAt, &updatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		if err := json.Unmarshal([]byte(postIDs), &item.PostIDs); err != nil {
			return nil, fmt.Errorf("decode topic %s post ids: %w", item.ID, err)
		}
		item.LastPostAt = timeFromNull(lastPostAt)
		item.CreatedAt = fromMillis(createdAt)
		item.UpdatedAt = fromMillis(updatedAt)
		item.DeletedAt = timeFromNull(deletedAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLStore) readPosts(ctx context.Context, tx *sql.Tx) ([]Post, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, topic_id, author_id, content, reply_to_post_id, votes, is_deleted, created_at, updated_at, deleted_at
		FROM forum_posts
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	var items []Post
	for rows.Next() {
		var (
			item      Post
			replyTo   sql.NullString
			votes     string
			createdAt int64
			updatedAt int64
			deletedAt sql.NullInt64
		)
		if err := rows.Scan(&item.ID, &item.TopicID, &item.AuthorID, &item.Content, &replyTo, &votes, &item.IsDeleted, &createdAt, &updatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		if replyTo.Valid {
			value := replyTo.String
			item.ReplyToPostID = &value
		}
		if err := json.Unmarshal([]byte(votes), &item.Votes); err != nil {
			return nil, fmt.Errorf("decode post %s votes: %w", item.ID, err)
		}
		item.CreatedAt = fromMillis(createdAt)
		item.UpdatedAt = fromMillis(updatedAt)
		item.DeletedAt = timeFromNull(deletedAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

// WriteAll upserts every entity and deletes rows missing from the snapshot,
// all inside one transaction.
func (s *SQLStore) WriteAll(ctx context.Context, snapshot Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write tx: %w", err)
	}
	if err := s.writeAll(ctx, tx, snapshot); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write tx: %w", err)
	}
	return nil
}

func (s *SQLStore) writeAll(ctx context.Context, tx *sql.Tx, snapshot Snapshot) error {
	keep := make(map[string]struct{}, len(snapshot.Categories))
	for _, item := range snapshot.Categories {
		sectionIDs, err := marshalJSON(item.SectionIDs, "[]")
		if err != nil {
			return fmt.Errorf("encode category %s: %w", item.ID, err)
		}
		if _, err := tx.ExecContext(ctx, rebind(s.dialect, `
			INSERT INTO forum_categories (id, slug, title, description, icon, sort_order, is_locked, section_ids, created_at, updated_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				slug = excluded.slug, title = excluded.title, description = excluded.description, icon = excluded.icon,
				sort_order = excluded.sort_order, is_locked = excluded.is_locked, section_ids = excluded.section_ids,
				created_at = excluded.created_at, updated_at = excluded.updated_at, deleted_at = excluded.deleted_at
		`), item.ID, item.Slug, item.Title, item.Description, item.Icon, item.Order, item.IsLocked, sectionIDs,
			toMillis(item.CreatedAt), toMillis(item.UpdatedAt), nullMillis(item.DeletedAt)); err != nil {
			return fmt.Errorf("upsert category %s: %w", item.ID, err)
		}
		keep[item.ID] = struct{}{}
	}
	if err := s.pruneRows(ctx, tx, "forum_categories", keep); err != nil {
		return err
	}

	keep = make(map[string]struct{}, len(snapshot.Sections))
	for _, item := range snapshot.Sections {
		if _, err := tx.ExecContext(ctx, rebind(s.dialect, `
			INSERT INTO forum_sections (id, category_id, slug, title, description, icon, sort_order, is_locked, created_at, updated_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				category_id = excluded.category_id, slug = excluded.slug, title = excluded.title, description = excluded.description,
				icon = excluded.icon, sort_order = excluded.sort_order, is_locked = excluded.is_locked,
				created_at = excluded.created_at, updated_at = excluded.updated_at, deleted_at = excluded.deleted_at
		`), item.ID, item.CategoryID, item.Slug, item.Title, item.Description, item.Icon, item.Order, item.IsLocked,
			toMillis(item.CreatedAt), toMillis(item.UpdatedAt), nullMillis(item.DeletedAt)); err != nil {
			return fmt.Errorf("upsert section %s: %w", item.ID, err)
		}
		keep[item.ID] = struct{}{}
	}
	if err := s.pruneRows(ctx, tx, "forum_sections", keep); err != nil {
		return err
	}

	keep = make(map[string]struct{}, len(snapshot.Topics))
	for _, item := range snapshot.Topics {
		postIDs, err := marshalJSON(item.PostIDs, "[]")
		if err != nil {
			return fmt.Errorf("encode topic %s: %w", item.ID, err)
		}
		if _, err := tx.ExecContext(ctx, rebind(s.dialect, `
			INSERT INTO forum_topics (id, section_id, slug, title, author_id, is_locked, is_pinned, view_count, post_ids,
				last_post_at, last_post_user_id, created_at, updated_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				section_id = excluded.section_id, slug = excluded.slug, title = excluded.title, author_id = excluded.author_id,
				is_locked = excluded.is_locked, is_pinned = excluded.is_pinned, view_count = excluded.view_count,
				post_ids = excluded.post_ids, last_post_at = excluded.last_post_at, last_post_user_id = excluded.last_post_user_id,
				created_at = excluded.created_at, updated_at = excluded.updated_at, deleted_at = excluded.deleted_at
		`), item.ID, item.SectionID, item.Slug, item.Title, item.AuthorID, item.IsLocked, item.IsPinned, item.ViewCount, postIDs,
			nullMillis(item.LastPostAt), item.LastPostUserID, toMillis(item.CreatedAt), toMillis(item.UpdatedAt), nullMillis(item.DeletedAt)); err != nil {
			return fmt.Errorf("upsert topic %s: %w", item.ID, err)
		}
		keep[item.ID] = struct{}{}
	}
	if err := s.pruneRows(ctx, tx, "forum_topics", keep); err != nil {
		return err
	}

	keep = make(map[string]struct{}, len(snapshot.Posts))
	for _, item := range snapshot.Posts {
		votes, err := marshalJSON(item.Votes, "{}")
		if err != nil {
			return fmt.Errorf("encode post %s: %w", item.ID, err)
		}
		var replyTo sql.NullString
		if item.ReplyToPostID != nil {
			replyTo = sql.NullString{String: *item.ReplyToPostID, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, rebind(s.dialect, `
			INSERT INTO forum_posts (id, topic_id, author_id, content, reply_to_post_id, votes, is_deleted, created_at, updated_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				topic_id = excluded.topic_id, author_id = excluded.author_id, content = excluded.content,
				reply_to_post_id = excluded.reply_to_post_id, votes = excluded.votes, is_deleted = excluded.is_deleted,
				created_at = excluded.created_at, updated_at = excluded.updated_at, deleted_at = excluded.deleted_at
		`), item.ID, item.TopicID, item.AuthorID, item.Content, replyTo, votes, item.IsDeleted,
			toMillis(item.CreatedAt), toMillis(item.UpdatedAt), nullMillis(item.DeletedAt)); err != nil {
			return fmt.Errorf("upsert post %s: %w", item.ID, err)
		}
		keep[item.ID] = struct{}{}
	}
	return s.pruneRows(ctx, tx, "forum_posts", keep)
}

// pruneRows deletes ids of table that are not in keep. table is always a
// constant from this file.
func (s *SQLStore) pruneRows(ctx context.Context, tx *sql.Tx, table string, keep map[string]struct{}) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM `+table)
	if err != nil {
		return fmt.Errorf("list %s ids: %w", table, err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan %s id: %w", table, err)
		}
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("list %s ids: %w", table, err)
	}
	rows.Close()

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, rebind(s.dialect, `DELETE FROM `+table+` WHERE id = ?`), id); err != nil {
			return fmt.Errorf("delete %s %s: %w", table, id, err)
		}
	}
	return nil
}

func marshalJSON(value any, empty string) (string, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	if string(payload) == "null" {
		return empty, nil
	}
	return string(payload), nil
}
