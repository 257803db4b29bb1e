package store

import (
	"sort"
	"time"
)

type Category struct {
	ID          string     `json:"id"`
	Slug        string     `json:"slug"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Icon        string     `json:"icon"`
	Order       int        `json:"order"`
	IsLocked    bool       `json:"isLocked"`
	SectionIDs  []string   `json:"sectionIds"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

type Section struct {
	ID          string     `json:"id"`
	CategoryID  string     `json:"categoryId"`
	Slug        string     `json:"slug"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Icon        string     `json:"icon"`
	Order       int        `json:"order"`
	IsLocked    bool       `json:"isLocked"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

type Topic struct {
	ID             string     `json:"id"`
	SectionID      string     `json:"sectionId"`
	Slug           string     `json:"slug"`
	Title          string     `json:"title"`
	AuthorID       string     `json:"authorId"`
	IsLocked       bool       `json:"isLocked"`
	IsPinned       bool       `json:"isPinned"`
	ViewCount      int64      `json:"viewCount"`
	PostIDs        []string   `json:"postIds"`
	LastPostAt     *time.Time `json:"lastPostAt,omitempty"`
	LastPostUserID string     `json:"lastPostUserId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

// Post votes map a user id to +1 or -1.
type Post struct {
	ID            string         `json:"id"`
	TopicID       string         `json:"topicId"`
	AuthorID      string         `json:"authorId"`
	Content       string         `json:"content"`
	ReplyToPostID *string        `json:"replyToPostId,omitempty"`
	Votes         map[string]int `json:"votes"`
	IsDeleted     bool           `json:"isDeleted"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	DeletedAt     *time.Time     `json:"deletedAt,omitempty"`
}

// Snapshot is the whole forum content as one unit of reads and writes.
type Snapshot struct {
	Categories []Category `json:"categories"`
	Sections   []Section  `json:"sections"`
	Topics     []Topic    `json:"topics"`
	Posts      []Post     `json:"posts"`
}

func (p Post) Live() bool {
	return !p.IsDeleted && p.DeletedAt == nil
}

func (t Topic) Live() bool {
	return t.DeletedAt == nil
}

func (s Section) Live() bool {
	return s.DeletedAt == nil
}

func (c Category) Live() bool {
	return c.DeletedAt == nil
}

// RootPostID returns the first entry of PostIDs, or "" for an empty topic.
func (t Topic) RootPostID() string {
	if len(t.PostIDs) == 0 {
		return ""
	}
	return t.PostIDs[0]
}

func (s *Snapshot) Category(id string) *Category {
	for i := range s.Categories {
		if s.Categories[i].ID == id {
			return &s.Categories[i]
		}
	}
	return nil
}

func (s *Snapshot) Section(id string) *Section {
	for i := range s.Sections {
		if s.Sections[i].ID == id {
			return &s.Sections[i]
		}
	}
	return nil
}

func (s *Snapshot) Topic(id string) *Topic {
	for i := range s.Topics {
		if s.Topics[i].ID == id {
			return &s.Topics[i]
		}
	}
	return nil
}

func (s *Snapshot) Post(id string) *Post {
	for i := range s.Posts {
		if s.Posts[i].ID == id {
			return &s.Posts[i]
		}
	}
	return nil
}

// PostsByID indexes posts for view assembly.
func (s *Snapshot) PostsByID() map[string]*Post {
	out := make(map[string]*Post, len(s.Posts))
	for i := range s.Posts {
		out[s.Posts[i].ID] = &s.Posts[i]
	}
	return out
}

// RemoveTopic drops the topic and every post that belongs to it.
func (s *Snapshot) RemoveTopic(id string) {
	topics := s.Topics[:0]
	for _, topic := range s.Topics {
		if topic.ID != id {
			topics = append(topics, topic)
		}
	}
	s.Topics = topics

	posts := s.Posts[:0]
	for _, post := range s.Posts {
		if post.TopicID != id {
			posts = append(posts, post)
		}
	}
	s.Posts = posts
}

// LivePosts returns the live posts of a topic in creation order.
func (s *Snapshot) LivePosts(topicID string) []*Post {
	var out []*Post
	for i := range s.Posts {
		if s.Posts[i].TopicID == topicID && s.Posts[i].Live() {
			out = append(out, &s.Posts[i])
		}
	}
	var postIDs []string
	if topic := s.Topic(topicID); topic != nil {
		postIDs = topic.PostIDs
	}
	SortByCreation(out, postIDs)
	return out
}

// SortByCreation orders posts by createdAt. Posts created at the same
// instant keep their position in postIDs; posts missing from postIDs
// follow in id order.
func SortByCreation(posts []*Post, postIDs []string) {
	rank := make(map[string]int, len(postIDs))
	for i, id := range postIDs {
		if _, ok := rank[id]; !ok {
			rank[id] = i
		}
	}
	sort.SliceStable(posts, func(i, j int) bool {
		a, b := posts[i], posts[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		rankA, okA := rank[a.ID]
		rankB, okB := rank[b.ID]
		switch {
		case okA && okB:
			return rankA < rankB
		case okA != okB:
			return okA
		}
		return a.ID < b.ID
	})
}

func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Categories: make([]Category, len(s.Categories)),
		Sections:   make([]Section, len(s.Sections)),
		Topics:     make([]Topic, len(s.Topics)),
		Posts:      make([]Post, len(s.Posts)),
	}
	for i, category := range s.Categories {
		category.SectionIDs = cloneStrings(category.SectionIDs)
		category.DeletedAt = cloneTime(category.DeletedAt)
		out.Categories[i] = category
	}
	for i, section := range s.Sections {
		section.DeletedAt = cloneTime(section.DeletedAt)
		out.Sections[i] = section
	}
	for i, topic := range s.Topics {
		topic.PostIDs = cloneStrings(topic.PostIDs)
		topic.LastPostAt = cloneTime(topic.LastPostAt)
		topic.DeletedAt = cloneTime(topic.DeletedAt)
		out.Topics[i] = topic
	}
	for i, post := range s.Posts {
		if post.ReplyToPostID != nil {
			replyTo := *post.ReplyToPostID
			post.ReplyToPostID = &replyTo
		}
		if post.Votes != nil {
			votes := make(map[string]int, len(post.Votes))
			for userID, value := range post.Votes {
				votes[userID] = value
			}
			post.Votes = votes
		}
		post.DeletedAt = cloneTime(post.DeletedAt)
		out.Posts[i] = post
	}
	return out
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
