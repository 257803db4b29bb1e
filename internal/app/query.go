package app

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"nomicms/api/internal/rbac"
	"nomicms/api/internal/store"
)

// forumIndex groups snapshot lookups shared by the read paths.
type forumIndex struct {
	snapshot     *store.Snapshot
	postsByID    map[string]*store.Post
	postsByTopic map[string][]*store.Post
}

func newForumIndex(snapshot *store.Snapshot) forumIndex {
	idx := forumIndex{
		snapshot:     snapshot,
		postsByID:    snapshot.PostsByID(),
		postsByTopic: make(map[string][]*store.Post),
	}
	for i := range snapshot.Posts {
		post := &snapshot.Posts[i]
		idx.postsByTopic[post.TopicID] = append(idx.postsByTopic[post.TopicID], post)
	}
	return idx
}

// orderedPosts returns the live posts of a topic in postIds order.
func (idx forumIndex) orderedPosts(topic store.Topic) []*store.Post {
	return idx.topicPosts(topic, false)
}

// topicPosts returns the posts of a topic in postIds order. When postIds
// yields nothing it falls back to creation order; the stored order is not
// repaired.
func (idx forumIndex) topicPosts(topic store.Topic, includeDeleted bool) []*store.Post {
	seen := make(map[string]struct{}, len(topic.PostIDs))
	out := make([]*store.Post, 0, len(topic.PostIDs))
	for _, postID := range topic.PostIDs {
		if _, dup := seen[postID]; dup {
			continue
		}
		post, ok := idx.postsByID[postID]
		if !ok || post.TopicID != topic.ID || (!includeDeleted && !post.Live()) {
			continue
		}
		seen[postID] = struct{}{}
		out = append(out, post)
	}
	if len(out) > 0 {
		return out
	}

	for _, post := range idx.postsByTopic[topic.ID] {
		if includeDeleted || post.Live() {
			out = append(out, post)
		}
	}
	store.SortByCreation(out, topic.PostIDs)
	return out
}

func (idx forumIndex) liveTopics(sectionID string) []store.Topic {
	var out []store.Topic
	for _, topic := range idx.snapshot.Topics {
		if topic.SectionID == sectionID && topic.Live() {
			out = append(out, topic)
		}
	}
	return out
}

func (idx forumIndex) sectionStats(topics []store.Topic) ActivityStats {
	var stats ActivityStats
	for _, topic := range topics {
		stats.TopicsCount++
		posts := idx.orderedPosts(topic)
		stats.PostsCount += len(posts)

		latest, userID := topicActivity(topic, posts)
		if stats.LastActivityAt == nil || latest.After(*stats.LastActivityAt) {
			at, user := latest, userID
			stats.LastActivityAt = &at
			stats.LastActivityUserID = &user
		}
	}
	return stats
}

func topicActivity(topic store.Topic, posts []*store.Post) (time.Time, string) {
	var last *store.Post
	if len(posts) > 0 {
		last = posts[len(posts)-1]
	}

	var at time.Time
	switch {
	case topic.LastPostAt != nil:
		at = *topic.LastPostAt
	case last != nil:
		at = postActivityAt(*last)
	case !topic.UpdatedAt.IsZero():
		at = topic.UpdatedAt
	default:
		at = topic.CreatedAt
	}

	userID := topic.LastPostUserID
	if userID == "" && last != nil {
		userID = last.AuthorID
	}
	if userID == "" {
		userID = topic.AuthorID
	}
	return at, userID
}

func postActivityAt(post store.Post) time.Time {
	if !post.UpdatedAt.IsZero() {
		return post.UpdatedAt
	}
	return post.CreatedAt
}

// sortByActivity orders topics most recent first, newest creation and id
// breaking ties.
func sortByActivity(topics []store.Topic) {
	sort.SliceStable(topics, func(i, j int) bool {
		a, b := activityAt(topics[i]), activityAt(topics[j])
		if !a.Equal(b) {
			return a.After(b)
		}
		if !topics[i].CreatedAt.Equal(topics[j].CreatedAt) {
			return topics[i].CreatedAt.After(topics[j].CreatedAt)
		}
		return topics[i].ID < topics[j].ID
	})
}

func (s *Service) ListCategories(ctx context.Context, viewer rbac.Viewer) (_ ForumIndex, err error) {
	ctx, span := s.startSpan(ctx, "list_categories")
	defer func() { endSpan(span, err) }()

	snapshot, err := s.read(ctx)
	if err != nil {
		return ForumIndex{}, err
	}
	idx := newForumIndex(&snapshot)

	categories := make([]store.Category, 0, len(snapshot.Categories))
	for _, category := range snapshot.Categories {
		if category.Live() {
			categories = append(categories, category)
		}
	}
	sortByOrder(categories, s.locale, func(c store.Category) sortKey {
		return sortKey{order: c.Order, title: c.Title, id: c.ID}
	})

	payload := ForumIndex{Categories: make([]CategoryView, 0, len(categories))}
	var userIDs []string
	for _, category := range categories {
		sections := s.categorySections(&snapshot, category)

		view := CategoryView{
			ID:          category.ID,
			Slug:        category.Slug,
			Title:       category.Title,
			Description: category.Description,
			Icon:        category.Icon,
			Order:       category.Order,
			IsLocked:    category.IsLocked,
			CreatedAt:   category.CreatedAt,
			UpdatedAt:   category.UpdatedAt,
			Sections:    make([]SectionListItem, 0, len(sections)),
		}
		for _, section := range sections {
			topics := idx.liveTopics(section.ID)
			stats := idx.sectionStats(topics)
			pinned := 0
			for _, topic := range topics {
				if topic.IsPinned {
					pinned++
				}
			}

			view.Stats.TopicsCount += stats.TopicsCount
			view.Stats.PostsCount += stats.PostsCount
			if stats.LastActivityAt != nil && (view.Stats.LastActivityAt == nil || stats.LastActivityAt.After(*view.Stats.LastActivityAt)) {
				view.Stats.LastActivityAt = stats.LastActivityAt
				view.Stats.LastActivityUserID = stats.LastActivityUserID
			}
			if stats.LastActivityUserID != nil {
				userIDs = append(userIDs, *stats.LastActivityUserID)
			}
			view.Sections = append(view.Sections, SectionListItem{
				SectionView: mapSection(section),
				Stats:       stats,
				PinnedCount: pinned,
			})
		}
		payload.Categories = append(payload.Categories, view)
	}

	lookup := s.users.Resolve(ctx, userIDs)
	for i := range payload.Categories {
		category := &payload.Categories[i]
		if category.Stats.LastActivityUserID != nil {
			info := lookup.Get(*category.Stats.LastActivityUserID)
			category.Stats.LastActivityUser = &info
		}
		for j := range category.Sections {
			stats := &category.Sections[j].Stats
			if stats.LastActivityUserID != nil {
				info := lookup.Get(*stats.LastActivityUserID)
				stats.LastActivityUser = &info
			}
		}
	}
	return payload, nil
}

// categorySections resolves the live sections of a category, falling back
// to a categoryId scan when the category lists none.
func (s *Service) categorySections(snapshot *store.Snapshot, category store.Category) []store.Section {
	var sections []store.Section
	seen := make(map[string]struct{})
	if len(category.SectionIDs) > 0 {
		for _, sectionID := range category.SectionIDs {
			section := snapshot.Section(sectionID)
			if section == nil || !section.Live() {
				continue
			}
			if _, dup := seen[section.ID]; dup {
				continue
			}
			seen[section.ID] = struct{}{}
			sections = append(sections, *section)
		}
	} else {
		for _, section := range snapshot.Sections {
			if section.CategoryID == category.ID && section.Live() {
				sections = append(sections, section)
			}
		}
	}
	sortByOrder(sections, s.locale, func(section store.Section) sortKey {
		return sortKey{order: section.Order, title: section.Title, id: section.ID}
	})
	return sections
}

func (s *Service) GetSection(ctx context.Context, sectionID string, viewer rbac.Viewer, query PageQuery) (_ SectionPage, err error) {
	ctx, span := s.startSpan(ctx, "get_section", attribute.String("forum.section_id", sectionID))
	defer func() { endSpan(span, err) }()

	query = query.normalized()
	snapshot, err := s.read(ctx)
	if err != nil {
		return SectionPage{}, err
	}
	section := snapshot.Section(sectionID)
	if section == nil || !section.Live() {
		return SectionPage{}, errNotFound("Section")
	}
	idx := newForumIndex(&snapshot)

	var pinned, regular []store.Topic
	for _, topic := range idx.liveTopics(sectionID) {
		if topic.IsPinned {
			pinned = append(pinned, topic)
		} else {
			regular = append(regular, topic)
		}
	}
	sortByActivity(pinned)
	sortByActivity(regular)

	start, end := pageBounds(query.Page, query.Limit, len(regular))
	page := regular[start:end]

	userIDs := make([]string, 0, 2*(len(pinned)+len(page)))
	for _, topic := range append(append([]store.Topic(nil), pinned...), page...) {
		userIDs = append(userIDs, topic.AuthorID, lastActivityUserID(topic))
	}
	lookup := s.users.Resolve(ctx, userIDs)

	summarize := func(topics []store.Topic) []TopicSummary {
		out := make([]TopicSummary, 0, len(topics))
		for _, topic := range topics {
			out = append(out, mapTopicSummary(topic, lookup, len(idx.orderedPosts(topic))))
		}
		return out
	}

	detail := SectionDetail{SectionView: mapSection(*section)}
	if category := snapshot.Category(section.CategoryID); category != nil {
		detail.Category = &CategoryRef{ID: category.ID, Title: category.Title, Slug: category.Slug}
	}

	return SectionPage{
		Section:      detail,
		PinnedTopics: summarize(pinned),
		Topics:       summarize(page),
		Pagination:   newPagination(query.Page, query.Limit, len(regular)),
		Permissions:  rbac.ForSection(viewer, section.IsLocked),
	}, nil
}

func (s *Service) GetTopicDetail(ctx context.Context, topicID string, viewer rbac.Viewer, query PageQuery) (_ TopicPage, err error) {
	ctx, span := s.startSpan(ctx, "get_topic", attribute.String("forum.topic_id", topicID))
	defer func() { endSpan(span, err) }()

	snapshot, err := s.read(ctx)
	if err != nil {
		return TopicPage{}, err
	}
	return s.topicPage(ctx, &snapshot, topicID, viewer, query)
}

func (s *Service) topicPage(ctx context.Context, snapshot *store.Snapshot, topicID string, viewer rbac.Viewer, query PageQuery) (TopicPage, error) {
	query = query.normalized()
	topic := snapshot.Topic(topicID)
	if topic == nil || !topic.Live() {
		return TopicPage{}, errNotFound("Topic")
	}
	section := snapshot.Section(topic.SectionID)
	if section == nil || !section.Live() {
		return TopicPage{}, errNotFound("Section")
	}
	idx := newForumIndex(snapshot)

	posts := idx.orderedPosts(*topic)
	start, end := pageBounds(query.Page, query.Limit, len(posts))
	page := posts[start:end]

	userIDs := []string{topic.AuthorID, lastActivityUserID(*topic)}
	for _, post := range page {
		userIDs = append(userIDs, post.AuthorID)
		if post.ReplyToPostID != nil {
			if target, ok := idx.postsByID[*post.ReplyToPostID]; ok {
				userIDs = append(userIDs, target.AuthorID)
			}
		}
	}
	lookup := s.users.Resolve(ctx, userIDs)

	views := make([]PostView, 0, len(page))
	for _, post := range page {
		views = append(views, mapPost(*post, *topic, idx.postsByID, lookup, viewer))
	}

	return TopicPage{
		Topic:      mapTopicDetail(*topic, lookup, len(posts), viewer),
		Section:    mapSection(*section),
		Posts:      views,
		Pagination: newPagination(query.Page, query.Limit, len(posts)),
	}, nil
}
