package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"blackout/api/internal/archive"
	"blackout/api/internal/auth"
	"blackout/api/internal/config"
	"blackout/api/internal/feed"
	"blackout/api/internal/history"
	"blackout/api/internal/invite"
	"blackout/api/internal/presence"
	"blackout/api/internal/rbac"
	"blackout/api/internal/search"
	"blackout/api/internal/store"
	"blackout/api/internal/util"
)

type dataStore interface {
	CreateSession(context.Context, store.SessionDraft) (bool, error)
	GetSession(context.Context, string) (store.Session, error)
	GetSourceText(context.Context, string) (store.SourceText, error)
	ListSessions(context.Context, string, int) ([]store.Session, error)
	UpdateSessionStatus(context.Context, string, string, string) (bool, error)
	SessionMetrics(context.Context, string) (store.SessionMetrics, error)
	ListWords(context.Context, string) ([]store.Word, error)
	GetWord(context.Context, string) (store.Word, error)
	RedactWord(context.Context, string, string, time.Time) (store.Word, error)
	ListInvites(context.Context, string) ([]store.Invite, error)
	AcceptInvite(context.Context, string, string, time.Time) (store.Invite, error)
	PublishPoem(context.Context, store.Poem) (store.Poem, error)
	GetPoemBySession(context.Context, string) (*store.Poem, error)
	ListPoems(context.Context, int) ([]store.PoemListItem, error)
	ListStreamPoems(context.Context, string, *store.PageCursor, int) ([]store.Poem, error)
	ListStreamsPage(context.Context, *store.PageCursor, int) ([]store.Stream, error)
	GetStream(context.Context, string) (store.Stream, error)
	GetStreamBySlug(context.Context, string) (store.Stream, error)
	SlugExists(context.Context, string) (bool, error)
	CreateStream(context.Context, store.Stream) error
	UpdateStream(context.Context, store.Stream) error
	DeleteStream(context.Context, string) error
	ListCollaborators(context.Context, string) ([]store.Collaborator, error)
	AddCollaborator(context.Context, store.Collaborator) (store.Collaborator, error)
	Ping(ctx context.Context) error
}

type inviteDispatcher interface {
	Dispatch(store.Session, []store.Invite)
}

type poemSearch interface {
	Search(search.Query) search.Response
	IndexPoem(store.Session, store.Poem)
}

type poemArchive interface {
	Put(context.Context, archive.Document) (string, error)
}

type poemHistory interface {
	CommitPoem(string, history.Revision, string, string) (history.Commit, error)
	History(string, int) ([]history.Commit, error)
}

// Deps are the optional collaborators of a Service. Nil members switch the
// matching feature off.
type Deps struct {
	Presence presence.Coordinator
	Invites  *invite.Dispatcher
	Search   *search.Service
	Archive  *archive.Store
	History  *history.Service
	Gate     *auth.AdminGate
	Fetcher  feed.Fetcher
	Logger   *slog.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	presence presence.Coordinator
	invites  inviteDispatcher
	search   poemSearch
	archive  poemArchive
	history  poemHistory
	gate     *auth.AdminGate
	fetcher  feed.Fetcher
	logger   *slog.Logger
	now      func() time.Time
	newID    func(prefix string) string
}

func New(cfg config.Config, dataStore *store.PostgresStore, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		presence: deps.Presence,
		gate:     deps.Gate,
		fetcher:  deps.Fetcher,
		logger:   logger,
		now:      time.Now,
		newID:    util.NewID,
	}
	if s.presence == nil {
		s.presence = presence.NewHub(cfg.PresenceTTL)
	}
	if s.fetcher == nil {
		s.fetcher = feed.NewHTTPFetcher(cfg.FeedTimeout)
	}
	// Typed nil pointers must not end up inside the interfaces.
	if deps.Invites != nil {
		s.invites = deps.Invites
	}
	if deps.Search != nil {
		s.search = deps.Search
	}
	if deps.Archive != nil {
		s.archive = deps.Archive
	}
	if deps.History != nil {
		s.history = deps.History
	}
	return s
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingPresence reports whether the presence backend answers.
func (s *Service) PingPresence(ctx context.Context) error {
	if s.presence == nil {
		return nil
	}
	if err := s.presence.Ping(ctx); err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	return nil
}

// Authorize resolves the caller's role from an Authorization header. A
// missing header is a guest; a present but invalid one is an error.
func (s *Service) Authorize(header string) (rbac.Role, auth.Claims, error) {
	if _, ok := auth.BearerToken(header); !ok {
		return rbac.RoleGuest, auth.Claims{}, nil
	}
	claims, err := s.gate.Authorize(header)
	if err != nil {
		return rbac.RoleGuest, claims, err
	}
	return rbac.RoleAdmin, claims, nil
}

func (s *Service) PublicConfig() map[string]any {
	return map[string]any{
		"publicBaseUrl":   s.cfg.PublicBaseURL,
		"adminAuth":       s.cfg.AdminAuthConfigured(),
		"liveTransport":   "sse",
		"searchAvailable": s.search != nil,
	}
}

func (s *Service) logError(msg string, err error, args ...any) {
	s.logger.Error(msg, append(args, "error", err)...)
}

func timeString(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func optionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeString(*t)
}

func optionalString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
