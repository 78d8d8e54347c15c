package store

import "time"

type SourceText struct {
	ID          string
	Title       string
	Body        string
	ContentHash string
	CreatedAt   time.Time
}

type Session struct {
	ID                  string
	Title               string
	Status              string
	StartsAt            time.Time
	EndsAt              time.Time
	DurationMinutes     int
	SourceID            string
	StreamID            *string
	FeedItemGUID        *string
	FeedItemPublishedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type Word struct {
	ID        string
	SessionID string
	Index     int
	Text      string
	Hidden    bool
	HiddenAt  *time.Time
	ActorID   *string
}

type Invite struct {
	ID          string
	SessionID   string
	Email       string
	Token       string
	Status      string
	CreatedAt   time.Time
	RespondedAt *time.Time
}

const (
	InvitePending  = "pending"
	InviteAccepted = "accepted"
)

type Stream struct {
	ID                  string
	Title               string
	Slug                string
	FeedURL             string
	MinParticipants     int
	MaxParticipants     int
	DurationMinutes     int
	TimeOfDay           string
	AutoPublish         bool
	ContentPaths        []string
	LastItemGUID        *string
	LastItemPublishedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type Collaborator struct {
	ID        string
	StreamID  string
	Email     string
	CreatedAt time.Time
}

type Poem struct {
	ID          string
	SessionID   string
	Title       string
	Body        string
	PublishedAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PoemListItem joins a poem with the stream its session came from.
type PoemListItem struct {
	Poem
	SessionTitle string
	StreamSlug   *string
}

// SessionDraft is everything written when a session is created. The store
// persists source, session, words and invites in a single transaction.
type SessionDraft struct {
	Session Session
	Source  SourceText
	Words   []Word
	Invites []Invite
}

type SessionMetrics struct {
	TotalWords     int
	HiddenWords    int
	RemainingWords int
}

// StreamPatch carries a partial stream update; nil fields are left alone.
type StreamPatch struct {
	Title           *string
	FeedURL         *string
	MinParticipants *int
	MaxParticipants *int
	DurationMinutes *int
	TimeOfDay       *string
	AutoPublish     *bool
	ContentPaths    *[]string
}

// PageCursor positions keyset pagination over streams or poems.
type PageCursor struct {
	At time.Time `json:"at"`
	ID string    `json:"id"`
}
