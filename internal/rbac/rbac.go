package rbac

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}

// Viewer is either Anonymous or Member. The set is closed.
type Viewer interface {
	viewer()
}

type Anonymous struct{}

type Member struct {
	ID   string
	Role Role
}

func (Anonymous) viewer() {}
func (Member) viewer()    {}

// AsMember reports the authenticated principal behind v, if any.
func AsMember(v Viewer) (Member, bool) {
	switch typed := v.(type) {
	case Member:
		if typed.ID == "" {
			return Member{}, false
		}
		return typed, true
	case *Member:
		if typed == nil || typed.ID == "" {
			return Member{}, false
		}
		return *typed, true
	default:
		return Member{}, false
	}
}

func IsAdmin(v Viewer) bool {
	member, ok := AsMember(v)
	return ok && member.Role == RoleAdmin
}

// ViewerID is "" for anonymous viewers.
func ViewerID(v Viewer) string {
	member, _ := AsMember(v)
	return member.ID
}

type SectionFlags struct {
	CanCreateTopic bool `json:"canCreateTopic"`
	IsLocked       bool `json:"isLocked"`
}

type TopicFlags struct {
	CanEdit   bool `json:"canEdit"`
	CanDelete bool `json:"canDelete"`
	CanLock   bool `json:"canLock"`
	CanPin    bool `json:"canPin"`
	CanReply  bool `json:"canReply"`
}

type PostFlags struct {
	CanEdit   bool `json:"canEdit"`
	CanDelete bool `json:"canDelete"`
}

func ForSection(v Viewer, sectionLocked bool) SectionFlags {
	_, authenticated := AsMember(v)
	return SectionFlags{
		CanCreateTopic: authenticated && (IsAdmin(v) || !sectionLocked),
		IsLocked:       sectionLocked,
	}
}

func ForTopic(v Viewer, authorID string, topicLocked bool) TopicFlags {
	_, authenticated := AsMember(v)
	admin := IsAdmin(v)
	owner := IsAuthorOrAdmin(v, authorID)
	return TopicFlags{
		CanEdit:   owner,
		CanDelete: owner,
		CanLock:   admin,
		CanPin:    admin,
		CanReply:  authenticated && (admin || !topicLocked),
	}
}

// ForPost computes post flags. Deleting the root post removes the whole
// topic and is reserved for admins.
func ForPost(v Viewer, authorID string, deleted, root bool) PostFlags {
	if deleted {
		return PostFlags{}
	}
	owner := IsAuthorOrAdmin(v, authorID)
	return PostFlags{
		CanEdit:   owner,
		CanDelete: owner && (!root || IsAdmin(v)),
	}
}

func IsAuthorOrAdmin(v Viewer, authorID string) bool {
	member, ok := AsMember(v)
	if !ok {
		return false
	}
	return member.Role == RoleAdmin || (authorID != "" && member.ID == authorID)
}
