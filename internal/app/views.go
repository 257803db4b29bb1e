package app

import (
	"time"

	"nomicms/api/internal/rbac"
	"nomicms/api/internal/store"
	"nomicms/api/internal/users"
)

type SectionView struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Icon        string    `json:"icon"`
	Order       int       `json:"order"`
	IsLocked    bool      `json:"isLocked"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type ActivityStats struct {
	TopicsCount        int         `json:"topicsCount"`
	PostsCount         int         `json:"postsCount"`
	LastActivityAt     *time.Time  `json:"lastActivityAt"`
	LastActivityUserID *string     `json:"lastActivityUserId"`
	LastActivityUser   *users.Info `json:"lastActivityUser"`
}

type SectionListItem struct {
	SectionView
	Stats       ActivityStats `json:"stats"`
	PinnedCount int           `json:"pinnedCount"`
}

type CategoryView struct {
	ID          string            `json:"id"`
	Slug        string            `json:"slug"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Icon        string            `json:"icon"`
	Order       int               `json:"order"`
	IsLocked    bool              `json:"isLocked"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	Stats       ActivityStats     `json:"stats"`
	Sections    []SectionListItem `json:"sections"`
}

type ForumIndex struct {
	Categories []CategoryView `json:"categories"`
}

type CategoryRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Slug  string `json:"slug"`
}

type SectionDetail struct {
	SectionView
	Category *CategoryRef `json:"category"`
}

type TopicSummary struct {
	ID             string     `json:"id"`
	SectionID      string     `json:"sectionId"`
	Slug           string     `json:"slug"`
	Title          string     `json:"title"`
	Author         users.Info `json:"author"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	IsLocked       bool       `json:"isLocked"`
	IsPinned       bool       `json:"isPinned"`
	ViewCount      int64      `json:"viewCount"`
	RepliesCount   int        `json:"repliesCount"`
	LastPostAt     time.Time  `json:"lastPostAt"`
	LastPostAuthor users.Info `json:"lastPostAuthor"`
}

type TopicDetail struct {
	TopicSummary
	Permissions rbac.TopicFlags `json:"permissions"`
}

type ReplyRef struct {
	PostID  string     `json:"postId"`
	Author  users.Info `json:"author"`
	Excerpt string     `json:"excerpt"`
}

type VoteSummary struct {
	Upvotes   int `json:"upvotes"`
	Downvotes int `json:"downvotes"`
	Score     int `json:"score"`
	User      int `json:"user"`
}

type PostView struct {
	ID          string         `json:"id"`
	TopicID     string         `json:"topicId"`
	Author      users.Info     `json:"author"`
	Content     string         `json:"content"`
	ReplyTo     *ReplyRef      `json:"replyTo"`
	IsDeleted   bool           `json:"isDeleted"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	DeletedAt   *time.Time     `json:"deletedAt"`
	Votes       VoteSummary    `json:"votes"`
	Permissions rbac.PostFlags `json:"permissions"`
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type SectionPage struct {
	Section      SectionDetail     `json:"section"`
	PinnedTopics []TopicSummary    `json:"pinnedTopics"`
	Topics       []TopicSummary    `json:"topics"`
	Pagination   Pagination        `json:"pagination"`
	Permissions  rbac.SectionFlags `json:"permissions"`
}

type TopicPage struct {
	Topic      TopicDetail `json:"topic"`
	Section    SectionView `json:"section"`
	Posts      []PostView  `json:"posts"`
	Pagination Pagination  `json:"pagination"`
}

type CreatedTopic struct {
	Topic TopicDetail `json:"topic"`
	Post  PostView    `json:"post"`
}

type ViewCount struct {
	TopicID   string `json:"topicId"`
	ViewCount int64  `json:"viewCount"`
}

type DeleteResult struct {
	PostDeleted  bool `json:"postDeleted,omitempty"`
	TopicDeleted bool `json:"topicDeleted,omitempty"`
}

func mapSection(section store.Section) SectionView {
	return SectionView{
		ID:          section.ID,
		Slug:        section.Slug,
		Title:       section.Title,
		Description: section.Description,
		Icon:        section.Icon,
		Order:       section.Order,
		IsLocked:    section.IsLocked,
		CreatedAt:   section.CreatedAt,
		UpdatedAt:   section.UpdatedAt,
	}
}

// activityAt is when a topic last saw activity.
func activityAt(topic store.Topic) time.Time {
	if topic.LastPostAt != nil {
		return *topic.LastPostAt
	}
	if !topic.UpdatedAt.IsZero() {
		return topic.UpdatedAt
	}
	return topic.CreatedAt
}

func lastActivityUserID(topic store.Topic) string {
	if topic.LastPostUserID != "" {
		return topic.LastPostUserID
	}
	return topic.AuthorID
}

func mapTopicSummary(topic store.Topic, lookup users.Lookup, livePosts int) TopicSummary {
	replies := livePosts - 1
	if replies < 0 {
		replies = 0
	}
	return TopicSummary{
		ID:             topic.ID,
		SectionID:      topic.SectionID,
		Slug:           topic.Slug,
		Title:          topic.Title,
		Author:         lookup.Get(topic.AuthorID),
		CreatedAt:      topic.CreatedAt,
		UpdatedAt:      topic.UpdatedAt,
		IsLocked:       topic.IsLocked,
		IsPinned:       topic.IsPinned,
		ViewCount:      topic.ViewCount,
		RepliesCount:   replies,
		LastPostAt:     activityAt(topic),
		LastPostAuthor: lookup.Get(lastActivityUserID(topic)),
	}
}

func mapTopicDetail(topic store.Topic, lookup users.Lookup, livePosts int, viewer rbac.Viewer) TopicDetail {
	return TopicDetail{
		TopicSummary: mapTopicSummary(topic, lookup, livePosts),
		Permissions:  rbac.ForTopic(viewer, topic.AuthorID, topic.IsLocked),
	}
}

// normalizeVotes keeps entries with a non-blank user and a value of ±1.
func normalizeVotes(votes map[string]int) map[string]int {
	out := make(map[string]int, len(votes))
	for userID, value := range votes {
		if userID == "" || (value != 1 && value != -1) {
			continue
		}
		out[userID] = value
	}
	return out
}

func summarizeVotes(votes map[string]int, viewerID string) VoteSummary {
	var summary VoteSummary
	for _, value := range normalizeVotes(votes) {
		if value == 1 {
			summary.Upvotes++
		} else {
			summary.Downvotes++
		}
	}
	summary.Score = summary.Upvotes - summary.Downvotes
	if viewerID != "" {
		if value, ok := votes[viewerID]; ok && (value == 1 || value == -1) {
			summary.User = value
		}
	}
	return summary
}

func mapPost(post store.Post, topic store.Topic, posts map[string]*store.Post, lookup users.Lookup, viewer rbac.Viewer) PostView {
	view := PostView{
		ID:          post.ID,
		TopicID:     post.TopicID,
		Author:      lookup.Get(post.AuthorID),
		Content:     post.Content,
		IsDeleted:   !post.Live(),
		CreatedAt:   post.CreatedAt,
		UpdatedAt:   post.UpdatedAt,
		DeletedAt:   post.DeletedAt,
		Votes:       summarizeVotes(post.Votes, rbac.ViewerID(viewer)),
		Permissions: rbac.ForPost(viewer, post.AuthorID, !post.Live(), topic.RootPostID() == post.ID),
	}
	if view.IsDeleted {
		view.Content = ""
	}
	if post.ReplyToPostID != nil {
		if target, ok := posts[*post.ReplyToPostID]; ok && target.TopicID == post.TopicID && target.Live() {
			view.ReplyTo = &ReplyRef{
				PostID:  target.ID,
				Author:  lookup.Get(target.AuthorID),
				Excerpt: excerpt(target.Content),
			}
		}
	}
	return view
}

func newPagination(page, limit, total int) Pagination {
	totalPages := (total + limit - 1) / limit
	if totalPages < 1 {
		totalPages = 1
	}
	return Pagination{Page: page, Limit: limit, Total: total, TotalPages: totalPages}
}

// pageBounds returns the [start, end) slice bounds of a page.
func pageBounds(page, limit, total int) (int, int) {
	// compare before multiplying so a huge page cannot overflow
	if page < 1 || limit < 1 || page-1 > total/limit {
		return total, total
	}
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return start, end
}
