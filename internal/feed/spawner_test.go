package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"

	"blackout/api/internal/store"
)

type fakeFetcher struct {
	feeds map[string]*gofeed.Feed
	errs  map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*gofeed.Feed, error) {
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	return f.feeds[url], nil
}

type fakeSpawnStore struct {
	mu            sync.Mutex
	streams       []store.Stream
	collaborators map[string][]store.Collaborator
	advanced      map[string]time.Time
}

func (s *fakeSpawnStore) ListStreams(context.Context) ([]store.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Stream(nil), s.streams...), nil
}

func (s *fakeSpawnStore) ListCollaborators(_ context.Context, streamID string) ([]store.Collaborator, error) {
	return s.collaborators[streamID], nil
}

func (s *fakeSpawnStore) AdvanceStreamCursor(_ context.Context, streamID, guid string, publishedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advanced == nil {
		s.advanced = map[string]time.Time{}
	}
	s.advanced[streamID] = publishedAt
	for i := range s.streams {
		if s.streams[i].ID == streamID {
			g, at := guid, publishedAt
			s.streams[i].LastItemGUID = &g
			s.streams[i].LastItemPublishedAt = &at
		}
	}
	return true, nil
}

type createCall struct {
	streamID string
	guid     string
	emails   []string
}

// fakeCreator refuses a second session for the same stream, GUID and
// publish time, like the sessions unique index.
type fakeCreator struct {
	mu    sync.Mutex
	calls []createCall
	seen  map[string]bool
}

func (c *fakeCreator) CreateFromFeed(_ context.Context, stream store.Stream, item Item, emails []string, _ time.Time) (store.Session, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = map[string]bool{}
	}
	key := creatorKey(stream.ID, item.GUID, item.PublishedAt)
	if c.seen[key] {
		return store.Session{}, false, nil
	}
	c.seen[key] = true
	c.calls = append(c.calls, createCall{streamID: stream.ID, guid: item.GUID, emails: emails})
	return store.Session{ID: "ses_" + item.GUID}, true, nil
}

func creatorKey(streamID, guid string, publishedAt time.Time) string {
	return streamID + "|" + guid + "|" + publishedAt.UTC().Format(time.RFC3339Nano)
}

func newTestSpawner(st SpawnStore, fetcher Fetcher, creator SessionCreator) *Spawner {
	return NewSpawner(st, fetcher, creator, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func feedOf(items ...*gofeed.Item) *gofeed.Feed {
	return &gofeed.Feed{Items: items}
}

func TestPollOnceUnchangedFeedCreatesNothing(t *testing.T) {
	t1 := time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
	g1 := "G1"
	st := &fakeSpawnStore{streams: []store.Stream{{
		ID: "str_1", FeedURL: "https://feeds.example.com/a", TimeOfDay: "09:00", DurationMinutes: 15,
		LastItemGUID: &g1, LastItemPublishedAt: &t1,
	}}}
	fetcher := &fakeFetcher{feeds: map[string]*gofeed.Feed{
		"https://feeds.example.com/a": feedOf(&gofeed.Item{GUID: "G1", Description: "same words", PublishedParsed: ptrTime(t1)}),
	}}
	creator := &fakeCreator{}

	result := newTestSpawner(st, fetcher, creator).PollOnce(context.Background(), t1.Add(time.Hour))
	if result.Created != 0 || len(creator.calls) != 0 {
		t.Fatalf("created sessions for an unchanged feed: %+v", result)
	}
	if _, moved := st.advanced["str_1"]; moved {
		t.Fatal("cursor must not move when nothing is new")
	}
}

func TestPollOnceCreatesNewItemsInOrder(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
	st := &fakeSpawnStore{
		streams: []store.Stream{{ID: "str_1", FeedURL: "https://feeds.example.com/a", LastItemPublishedAt: &t0}},
		collaborators: map[string][]store.Collaborator{
			"str_1": {{Email: "ada@example.com"}, {Email: "bob@example.com"}},
		},
	}
	fetcher := &fakeFetcher{feeds: map[string]*gofeed.Feed{
		"https://feeds.example.com/a": feedOf(
			&gofeed.Item{GUID: "late", Description: "b", PublishedParsed: ptrTime(t0.Add(2 * time.Hour))},
			&gofeed.Item{GUID: "old", Description: "x", PublishedParsed: ptrTime(t0)},
			&gofeed.Item{GUID: "early", Description: "a", PublishedParsed: ptrTime(t0.Add(time.Hour))},
		),
	}}
	creator := &fakeCreator{}

	result := newTestSpawner(st, fetcher, creator).PollOnce(context.Background(), t0.Add(3*time.Hour))
	if result.Created != 2 {
		t.Fatalf("Created = %d, want 2", result.Created)
	}
	if creator.calls[0].guid != "early" || creator.calls[1].guid != "late" {
		t.Fatalf("unexpected order %+v", creator.calls)
	}
	if len(creator.calls[0].emails) != 2 {
		t.Fatalf("roster not passed: %+v", creator.calls[0].emails)
	}
	if got := st.advanced["str_1"]; !got.Equal(t0.Add(2 * time.Hour)) {
		t.Fatalf("cursor advanced to %v", got)
	}
}

func TestPollOnceFirstPollSeedsLatestOnly(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
	st := &fakeSpawnStore{streams: []store.Stream{{ID: "str_new", FeedURL: "u"}}}
	fetcher := &fakeFetcher{feeds: map[string]*gofeed.Feed{
		"u": feedOf(
			&gofeed.Item{GUID: "a", Description: "a", PublishedParsed: ptrTime(t0)},
			&gofeed.Item{GUID: "b", Description: "b", PublishedParsed: ptrTime(t0.Add(time.Hour))},
		),
	}}
	creator := &fakeCreator{}

	newTestSpawner(st, fetcher, creator).PollOnce(context.Background(), t0.Add(2*time.Hour))
	if len(creator.calls) != 1 || creator.calls[0].guid != "b" {
		t.Fatalf("first poll created %+v", creator.calls)
	}
}

func TestPollOnceIsolatesStreamFailures(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
	st := &fakeSpawnStore{streams: []store.Stream{
		{ID: "broken", FeedURL: "bad"},
		{ID: "healthy", FeedURL: "good"},
	}}
	fetcher := &fakeFetcher{
		feeds: map[string]*gofeed.Feed{
			"good": feedOf(&gofeed.Item{GUID: "g", Description: "text", PublishedParsed: ptrTime(t0)}),
		},
		errs: map[string]error{"bad": errors.New("connection refused")},
	}
	creator := &fakeCreator{}

	result := newTestSpawner(st, fetcher, creator).PollOnce(context.Background(), t0)
	if result.Failed != 1 || result.Created != 1 || result.Streams != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, ok := st.advanced["broken"]; ok {
		t.Fatal("failed stream cursor must not move")
	}
}

func TestPollOnceCountsDuplicates(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
	st := &fakeSpawnStore{streams: []store.Stream{{ID: "str_1", FeedURL: "u", LastItemPublishedAt: ptrTime(t0.Add(-time.Hour))}}}
	fetcher := &fakeFetcher{feeds: map[string]*gofeed.Feed{
		"u": feedOf(&gofeed.Item{GUID: "a", Description: "a", PublishedParsed: ptrTime(t0)}),
	}}
	creator := &fakeCreator{seen: map[string]bool{creatorKey("str_1", "a", t0): true}}

	result := newTestSpawner(st, fetcher, creator).PollOnce(context.Background(), t0)
	if result.Created != 0 || result.Skipped != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, ok := st.advanced["str_1"]; !ok {
		t.Fatal("cursor should still advance past a duplicate")
	}
}

func TestPollOnceUndatedItemSpawnsOnce(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
	st := &fakeSpawnStore{streams: []store.Stream{{ID: "str_1", FeedURL: "u", TimeOfDay: "09:00", DurationMinutes: 15}}}
	fetcher := &fakeFetcher{feeds: map[string]*gofeed.Feed{
		"u": feedOf(&gofeed.Item{GUID: "G-static", Description: "no date on this one"}),
	}}
	creator := &fakeCreator{}
	spawner := newTestSpawner(st, fetcher, creator)

	for i, now := range []time.Time{t0, t0.Add(5 * time.Minute), t0.Add(10 * time.Minute)} {
		result := spawner.PollOnce(context.Background(), now)
		if result.Failed != 0 {
			t.Fatalf("poll %d failed: %+v", i, result)
		}
	}
	if len(creator.calls) != 1 {
		t.Fatalf("created %d sessions for one undated item: %+v", len(creator.calls), creator.calls)
	}

	// A new item at the top of the feed is still picked up.
	fetcher.feeds["u"] = feedOf(
		&gofeed.Item{GUID: "G-next", Description: "fresh words"},
		&gofeed.Item{GUID: "G-static", Description: "no date on this one"},
	)
	result := spawner.PollOnce(context.Background(), t0.Add(15*time.Minute))
	if result.Created != 1 || creator.calls[1].guid != "G-next" {
		t.Fatalf("unexpected follow-up poll %+v, calls %+v", result, creator.calls)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	st := &fakeSpawnStore{}
	spawner := newTestSpawner(st, &fakeFetcher{}, &fakeCreator{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		spawner.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
