package app

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"nomicms/api/internal/rbac"
	"nomicms/api/internal/store"
)

// requireMember maps an anonymous viewer to Unauthorized.
func requireMember(viewer rbac.Viewer) (rbac.Member, error) {
	member, ok := rbac.AsMember(viewer)
	if !ok {
		return rbac.Member{}, errUnauthorized()
	}
	return member, nil
}

// recomputeTopic rebuilds postIds and the last-post fields from the live
// posts of the topic ordered by creation time.
func recomputeTopic(snapshot *store.Snapshot, topic *store.Topic) {
	live := snapshot.LivePosts(topic.ID)
	topic.PostIDs = make([]string, 0, len(live))
	for _, post := range live {
		topic.PostIDs = append(topic.PostIDs, post.ID)
	}
	if len(live) == 0 {
		at := topic.CreatedAt
		topic.LastPostAt = &at
		topic.LastPostUserID = topic.AuthorID
		return
	}
	last := live[len(live)-1]
	at := postActivityAt(*last)
	topic.LastPostAt = &at
	topic.LastPostUserID = last.AuthorID
}

func (s *Service) CreateTopic(ctx context.Context, sectionID string, viewer rbac.Viewer, input CreateTopicInput) (_ CreatedTopic, err error) {
	ctx, span := s.startSpan(ctx, "create_topic", attribute.String("forum.section_id", sectionID))
	defer func() { endSpan(span, err) }()

	member, err := requireMember(viewer)
	if err != nil {
		return CreatedTopic{}, err
	}
	title := cleanTitle(input.Title)
	content := cleanContent(input.Content)
	if err := validateTitle(title); err != nil {
		return CreatedTopic{}, err
	}
	if err := validateContent(content); err != nil {
		return CreatedTopic{}, err
	}

	var topic store.Topic
	var post store.Post
	err = s.mutate(ctx, "create_topic", func(snapshot *store.Snapshot) (bool, error) {
		section := snapshot.Section(sectionID)
		if section == nil || !section.Live() {
			return false, errNotFound("Section")
		}
		if section.IsLocked && member.Role != rbac.RoleAdmin {
			return false, errForbidden("Section is locked")
		}

		now := s.now()
		topicID := s.newID("topic")
		postID := s.newID("post")
		lastPostAt := now
		topic = store.Topic{
			ID:             topicID,
			SectionID:      sectionID,
			Slug:           slugOrID(title, topicID),
			Title:          title,
			AuthorID:       member.ID,
			PostIDs:        []string{postID},
			LastPostAt:     &lastPostAt,
			LastPostUserID: member.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		post = store.Post{
			ID:        postID,
			TopicID:   topicID,
			AuthorID:  member.ID,
			Content:   content,
			Votes:     map[string]int{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		snapshot.Topics = append(snapshot.Topics, topic)
		snapshot.Posts = append(snapshot.Posts, post)
		section.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return CreatedTopic{}, err
	}

	lookup := s.users.Resolve(ctx, []string{member.ID})
	posts := map[string]*store.Post{post.ID: &post}
	return CreatedTopic{
		Topic: mapTopicDetail(topic, lookup, 1, viewer),
		Post:  mapPost(post, topic, posts, lookup, viewer),
	}, nil
}

func (s *Service) UpdateTopic(ctx context.Context, topicID string, viewer rbac.Viewer, input UpdateTopicInput) (_ TopicPage, err error) {
	ctx, span := s.startSpan(ctx, "update_topic", attribute.String("forum.topic_id", topicID))
	defer func() { endSpan(span, err) }()

	if _, err := requireMember(viewer); err != nil {
		return TopicPage{}, err
	}

	err = s.mutate(ctx, "update_topic", func(snapshot *store.Snapshot) (bool, error) {
		topic := snapshot.Topic(topicID)
		if topic == nil || !topic.Live() {
			return false, errNotFound("Topic")
		}
		if !rbac.IsAuthorOrAdmin(viewer, topic.AuthorID) {
			return false, errForbidden("Only the author or an admin can edit this topic")
		}

		now := s.now()
		changed := false
		if input.Title != nil {
			title := cleanTitle(*input.Title)
			if err := validateTitle(title); err != nil {
				return false, err
			}
			topic.Title = title
			if slug := slugify(title); slug != "" {
				topic.Slug = slug
			} else if topic.Slug == "" {
				topic.Slug = topic.ID
			}
			topic.UpdatedAt = now
			changed = true
		}

		if input.Content != nil {
			content := cleanContent(*input.Content)
			if err := validateContent(content); err != nil {
				return false, err
			}
			posts := newForumIndex(snapshot).topicPosts(*topic, true)
			if len(posts) == 0 {
				return false, errConflict("Topic has no opening post")
			}
			root := posts[0]
			if !root.Live() {
				return false, errConflict("Opening post was deleted and cannot be edited")
			}
			root.Content = content
			root.UpdatedAt = now
			topic.UpdatedAt = now
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return TopicPage{}, err
	}

	snapshot, err := s.read(ctx)
	if err != nil {
		return TopicPage{}, err
	}
	return s.topicPage(ctx, &snapshot, topicID, viewer, PageQuery{Page: 1, Limit: defaultPageLimit})
}

func (s *Service) UpdateTopicState(ctx context.Context, topicID string, viewer rbac.Viewer, input TopicStateInput) (_ TopicDetail, err error) {
	ctx, span := s.startSpan(ctx, "update_topic_state", attribute.String("forum.topic_id", topicID))
	defer func() { endSpan(span, err) }()

	if _, err := requireMember(viewer); err != nil {
		return TopicDetail{}, err
	}
	if !rbac.IsAdmin(viewer) {
		return TopicDetail{}, errForbidden("Only admins can lock or pin topics")
	}

	var topic store.Topic
	var livePosts int
	err = s.mutate(ctx, "update_topic_state", func(snapshot *store.Snapshot) (bool, error) {
		current := snapshot.Topic(topicID)
		if current == nil || !current.Live() {
			return false, errNotFound("Topic")
		}
		changed := false
		if input.IsLocked != nil && *input.IsLocked != current.IsLocked {
			current.IsLocked = *input.IsLocked
			changed = true
		}
		if input.IsPinned != nil && *input.IsPinned != current.IsPinned {
			current.IsPinned = *input.IsPinned
			changed = true
		}
		if changed {
			current.UpdatedAt = s.now()
		}
		topic = *current
		livePosts = len(newForumIndex(snapshot).orderedPosts(topic))
		return changed, nil
	})
	if err != nil {
		return TopicDetail{}, err
	}

	lookup := s.users.Resolve(ctx, []string{topic.AuthorID, lastActivityUserID(topic)})
	return mapTopicDetail(topic, lookup, livePosts, viewer), nil
}

// IncrementTopicView counts every call; there is no per-viewer dedup.
func (s *Service) IncrementTopicView(ctx context.Context, topicID string) (_ ViewCount, err error) {
	ctx, span := s.startSpan(ctx, "increment_topic_view", attribute.String("forum.topic_id", topicID))
	defer func() { endSpan(span, err) }()

	var result ViewCount
	err = s.mutate(ctx, "increment_topic_view", func(snapshot *store.Snapshot) (bool, error) {
		topic := snapshot.Topic(topicID)
		if topic == nil || !topic.Live() {
			return false, errNotFound("Topic")
		}
		topic.ViewCount++
		result = ViewCount{TopicID: topic.ID, ViewCount: topic.ViewCount}
		return true, nil
	})
	if err != nil {
		return ViewCount{}, err
	}
	return result, nil
}

func (s *Service) CreatePost(ctx context.Context, topicID string, viewer rbac.Viewer, input CreatePostInput) (_ PostView, err error) {
	ctx, span := s.startSpan(ctx, "create_post", attribute.String("forum.topic_id", topicID))
	defer func() { endSpan(span, err) }()

	member, err := requireMember(viewer)
	if err != nil {
		return PostView{}, err
	}
	content := cleanContent(input.Content)
	if err := validateContent(content); err != nil {
		return PostView{}, err
	}
	var replyTo string
	if input.ReplyToPostID != nil {
		replyTo = strings.TrimSpace(*input.ReplyToPostID)
	}

	var topic store.Topic
	var post store.Post
	var target *store.Post
	err = s.mutate(ctx, "create_post", func(snapshot *store.Snapshot) (bool, error) {
		current := snapshot.Topic(topicID)
		if current == nil || !current.Live() {
			return false, errNotFound("Topic")
		}
		if current.IsLocked && member.Role != rbac.RoleAdmin {
			return false, errForbidden("Topic is locked")
		}
		if replyTo != "" {
			candidate := snapshot.Post(replyTo)
			if candidate == nil || candidate.TopicID != topicID || !candidate.Live() {
				return false, errInvalidReplyTarget()
			}
			copied := *candidate
			target = &copied
		}

		now := s.now()
		post = store.Post{
			ID:        s.newID("post"),
			TopicID:   topicID,
			AuthorID:  member.ID,
			Content:   content,
			Votes:     map[string]int{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if target != nil {
			id := target.ID
			post.ReplyToPostID = &id
		}

		ordered := newForumIndex(snapshot).orderedPosts(*current)
		postIDs := make([]string, 0, len(ordered)+1)
		for _, existing := range ordered {
			postIDs = append(postIDs, existing.ID)
		}
		current.PostIDs = append(postIDs, post.ID)
		lastPostAt := now
		current.LastPostAt = &lastPostAt
		current.LastPostUserID = member.ID
		current.UpdatedAt = now
		snapshot.Posts = append(snapshot.Posts, post)
		if section := snapshot.Section(current.SectionID); section != nil {
			section.UpdatedAt = now
		}
		topic = *current
		return true, nil
	})
	if err != nil {
		return PostView{}, err
	}

	ids := []string{member.ID}
	posts := map[string]*store.Post{post.ID: &post}
	if target != nil {
		ids = append(ids, target.AuthorID)
		posts[target.ID] = target
	}
	lookup := s.users.Resolve(ctx, ids)
	return mapPost(post, topic, posts, lookup, viewer), nil
}

func (s *Service) UpdatePost(ctx context.Context, postID string, viewer rbac.Viewer, input UpdatePostInput) (_ PostView, err error) {
	ctx, span := s.startSpan(ctx, "update_post", attribute.String("forum.post_id", postID))
	defer func() { endSpan(span, err) }()

	if _, err := requireMember(viewer); err != nil {
		return PostView{}, err
	}
	content := cleanContent(input.Content)
	if err := validateContent(content); err != nil {
		return PostView{}, err
	}

	var view postContext
	err = s.mutate(ctx, "update_post", func(snapshot *store.Snapshot) (bool, error) {
		post, topic, err := livePostAndTopic(snapshot, postID)
		if err != nil {
			return false, err
		}
		if !rbac.IsAuthorOrAdmin(viewer, post.AuthorID) {
			return false, errForbidden("Only the author or an admin can edit this post")
		}

		now := s.now()
		post.Content = content
		post.UpdatedAt = now
		if n := len(topic.PostIDs); n > 0 && topic.PostIDs[n-1] == post.ID {
			lastPostAt := now
			topic.LastPostAt = &lastPostAt
			topic.LastPostUserID = post.AuthorID
		}
		topic.UpdatedAt = now
		view = capturePost(snapshot, post, topic)
		return true, nil
	})
	if err != nil {
		return PostView{}, err
	}
	return s.renderPost(ctx, view, viewer), nil
}

// VoteOnPost sets, flips or clears the viewer's vote. A zero value clears.
func (s *Service) VoteOnPost(ctx context.Context, postID string, viewer rbac.Viewer, input VoteInput) (_ PostView, err error) {
	ctx, span := s.startSpan(ctx, "vote_post", attribute.String("forum.post_id", postID))
	defer func() { endSpan(span, err) }()

	member, err := requireMember(viewer)
	if err != nil {
		return PostView{}, err
	}
	if input.Value == nil || (*input.Value != 1 && *input.Value != 0 && *input.Value != -1) {
		return PostView{}, errValidation("value", "Vote value must be 1, 0 or -1")
	}
	value := *input.Value

	var view postContext
	err = s.mutate(ctx, "vote_post", func(snapshot *store.Snapshot) (bool, error) {
		post, topic, err := livePostAndTopic(snapshot, postID)
		if err != nil {
			return false, err
		}

		votes := normalizeVotes(post.Votes)
		changed := len(votes) != len(post.Votes)
		current, had := votes[member.ID]
		switch {
		case value == 0 && had:
			delete(votes, member.ID)
			changed = true
		case value != 0 && current != value:
			votes[member.ID] = value
			changed = true
		}
		post.Votes = votes
		view = capturePost(snapshot, post, topic)
		return changed, nil
	})
	if err != nil {
		return PostView{}, err
	}
	return s.renderPost(ctx, view, viewer), nil
}

// DeletePost soft-deletes a reply and recomputes the topic, or removes
// the whole topic when the post is its root.
func (s *Service) DeletePost(ctx context.Context, postID string, viewer rbac.Viewer) (_ DeleteResult, err error) {
	ctx, span := s.startSpan(ctx, "delete_post", attribute.String("forum.post_id", postID))
	defer func() { endSpan(span, err) }()

	if _, err := requireMember(viewer); err != nil {
		return DeleteResult{}, err
	}

	var result DeleteResult
	err = s.mutate(ctx, "delete_post", func(snapshot *store.Snapshot) (bool, error) {
		post, topic, err := livePostAndTopic(snapshot, postID)
		if err != nil {
			return false, err
		}
		root := topic.RootPostID() == post.ID
		if root && !rbac.IsAdmin(viewer) {
			return false, errForbidden("Only admins can delete the opening post")
		}
		if !rbac.IsAuthorOrAdmin(viewer, post.AuthorID) {
			return false, errForbidden("Only the author or an admin can delete this post")
		}

		if root {
			snapshot.RemoveTopic(topic.ID)
			result = DeleteResult{TopicDeleted: true}
			return true, nil
		}

		now := s.now()
		post.IsDeleted = true
		post.DeletedAt = &now
		recomputeTopic(snapshot, topic)
		topic.UpdatedAt = now
		result = DeleteResult{PostDeleted: true}
		return true, nil
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return result, nil
}

func (s *Service) DeleteTopic(ctx context.Context, topicID string, viewer rbac.Viewer) (_ DeleteResult, err error) {
	ctx, span := s.startSpan(ctx, "delete_topic", attribute.String("forum.topic_id", topicID))
	defer func() { endSpan(span, err) }()

	if _, err := requireMember(viewer); err != nil {
		return DeleteResult{}, err
	}

	err = s.mutate(ctx, "delete_topic", func(snapshot *store.Snapshot) (bool, error) {
		topic := snapshot.Topic(topicID)
		if topic == nil || !topic.Live() {
			return false, errNotFound("Topic")
		}
		if !rbac.IsAuthorOrAdmin(viewer, topic.AuthorID) {
			return false, errForbidden("Only the author or an admin can delete this topic")
		}
		snapshot.RemoveTopic(topicID)
		return true, nil
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return DeleteResult{TopicDeleted: true}, nil
}

func livePostAndTopic(snapshot *store.Snapshot, postID string) (*store.Post, *store.Topic, error) {
	post := snapshot.Post(postID)
	if post == nil || !post.Live() {
		return nil, nil, errNotFound("Post")
	}
	topic := snapshot.Topic(post.TopicID)
	if topic == nil || !topic.Live() {
		return nil, nil, errNotFound("Topic")
	}
	return post, topic, nil
}

// postContext is what a post view needs once the mutation lock is gone.
type postContext struct {
	post   store.Post
	topic  store.Topic
	target *store.Post
}

func capturePost(snapshot *store.Snapshot, post *store.Post, topic *store.Topic) postContext {
	view := postContext{post: *post, topic: *topic}
	view.post.Votes = normalizeVotes(post.Votes)
	view.topic.PostIDs = append([]string(nil), topic.PostIDs...)
	if post.ReplyToPostID != nil {
		if target := snapshot.Post(*post.ReplyToPostID); target != nil {
			copied := *target
			view.target = &copied
		}
	}
	return view
}

func (s *Service) renderPost(ctx context.Context, view postContext, viewer rbac.Viewer) PostView {
	ids := []string{view.post.AuthorID}
	posts := map[string]*store.Post{view.post.ID: &view.post}
	if view.target != nil {
		ids = append(ids, view.target.AuthorID)
		posts[view.target.ID] = view.target
	}
	lookup := s.users.Resolve(ctx, ids)
	return mapPost(view.post, view.topic, posts, lookup, viewer)
}
