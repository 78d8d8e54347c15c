package feed

import (
	"testing"
	"time"

	"github.com/mmcdole/gofeed"

	"blackout/api/internal/ledger"
)

func ptrTime(t time.Time) *time.Time { return &t }

func TestNormalizeFallbacks(t *testing.T) {
	fetched := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	published := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	updated := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		entry         *gofeed.Item
		wantGUID      string
		wantTitle     string
		wantContent   string
		wantPublished time.Time
	}{
		{
			name:          "guid and stripped content",
			entry:         &gofeed.Item{GUID: "g-1", Link: "https://x/1", Title: "Tide", Content: "<p>High &amp; dry</p>", PublishedParsed: ptrTime(published)},
			wantGUID:      "g-1",
			wantTitle:     "Tide",
			wantContent:   "High & dry",
			wantPublished: published,
		},
		{
			name:          "link when guid missing, updated time",
			entry:         &gofeed.Item{Link: "https://x/2", Title: "Fog", Description: "grey morning", UpdatedParsed: ptrTime(updated)},
			wantGUID:      "https://x/2",
			wantTitle:     "Fog",
			wantContent:   "grey morning",
			wantPublished: updated,
		},
		{
			name:          "synthetic guid, fallback title, fetch time",
			entry:         &gofeed.Item{Description: "quiet"},
			wantGUID:      "item-" + ledger.ContentHash("quiet")[:12],
			wantTitle:     "Stream Title",
			wantContent:   "quiet",
			wantPublished: fetched,
		},
		{
			name:          "markup only content falls back to raw content",
			entry:         &gofeed.Item{GUID: "g-4", Title: "Img", Content: "<img src=x>", Description: "ignored"},
			wantGUID:      "g-4",
			wantTitle:     "Img",
			wantContent:   "<img src=x>",
			wantPublished: fetched,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.entry, "Stream Title", nil, fetched)
			if got.GUID != tt.wantGUID {
				t.Errorf("GUID = %q, want %q", got.GUID, tt.wantGUID)
			}
			if got.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", got.Title, tt.wantTitle)
			}
			if got.Content != tt.wantContent {
				t.Errorf("Content = %q, want %q", got.Content, tt.wantContent)
			}
			if !got.PublishedAt.Equal(tt.wantPublished) {
				t.Errorf("PublishedAt = %v, want %v", got.PublishedAt, tt.wantPublished)
			}
		})
	}
}

func TestNormalizeUndatedGUIDIgnoresFetchTime(t *testing.T) {
	entry := &gofeed.Item{Title: "Notice", Description: "same words"}
	first := Normalize(entry, "", nil, time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC))
	second := Normalize(entry, "", nil, time.Date(2026, 2, 1, 6, 5, 0, 0, time.UTC))
	if first.Dated || second.Dated {
		t.Fatal("entry without dates must not be marked dated")
	}
	if first.GUID != second.GUID {
		t.Fatalf("GUID changed between fetches: %q vs %q", first.GUID, second.GUID)
	}

	dated := Normalize(&gofeed.Item{Title: "Notice", Description: "same words", PublishedParsed: ptrTime(time.Date(2026, 2, 1, 5, 0, 0, 0, time.UTC))}, "", nil, time.Now())
	if !dated.Dated || dated.GUID != "Notice-2026-02-01T05:00:00Z" {
		t.Fatalf("unexpected dated item %+v", dated)
	}
}

func TestNormalizeUntitled(t *testing.T) {
	got := Normalize(&gofeed.Item{Description: "x"}, "  ", nil, time.Now())
	if got.Title != "Untitled" {
		t.Fatalf("Title = %q", got.Title)
	}
}

func TestNormalizeWithContentPaths(t *testing.T) {
	entry := &gofeed.Item{
		GUID:        "g-1",
		Title:       "Tide",
		Description: "summary line",
		Content:     "<p>ignored body</p>",
		Custom:      map[string]string{"lede": "custom lede"},
	}
	got := Normalize(entry, "", []string{"/custom/lede", "/description"}, time.Now())
	if got.Content != "custom lede\n\nsummary line" {
		t.Fatalf("Content = %q", got.Content)
	}
}

func TestItemsDropsEmptyAndSorts(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	t3 := t2.Add(time.Hour)
	parsed := &gofeed.Feed{Items: []*gofeed.Item{
		{GUID: "c", Description: "third", PublishedParsed: ptrTime(t3)},
		{GUID: "empty", Description: "   ", PublishedParsed: ptrTime(t2)},
		nil,
		{GUID: "a", Description: "first", PublishedParsed: ptrTime(t1)},
		{GUID: "b", Description: "second", PublishedParsed: ptrTime(t2)},
	}}

	items := Items(parsed, "Stream", nil, time.Now())
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	for i, want := range []string{"a", "b", "c"} {
		if items[i].GUID != want {
			t.Fatalf("items[%d] = %q, want %q", i, items[i].GUID, want)
		}
	}
}

func TestSelectNew(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []Item{
		{GUID: "a", PublishedAt: t1, Dated: true},
		{GUID: "b", PublishedAt: t1.Add(time.Hour), Dated: true},
		{GUID: "c", PublishedAt: t1.Add(2 * time.Hour), Dated: true},
	}

	t.Run("first poll seeds latest only", func(t *testing.T) {
		got := SelectNew(items, nil, "")
		if len(got) != 1 || got[0].GUID != "c" {
			t.Fatalf("got %+v", got)
		}
	})
	t.Run("strictly after cursor", func(t *testing.T) {
		last := t1.Add(time.Hour)
		got := SelectNew(items, &last, "b")
		if len(got) != 1 || got[0].GUID != "c" {
			t.Fatalf("got %+v", got)
		}
	})
	t.Run("nothing newer", func(t *testing.T) {
		last := t1.Add(2 * time.Hour)
		if got := SelectNew(items, &last, "c"); len(got) != 0 {
			t.Fatalf("got %+v", got)
		}
	})
	t.Run("redated item with the cursor guid is new", func(t *testing.T) {
		last := t1.Add(time.Hour)
		redated := []Item{{GUID: "b", PublishedAt: t1.Add(3 * time.Hour), Dated: true}}
		if got := SelectNew(redated, &last, "b"); len(got) != 1 {
			t.Fatalf("got %+v", got)
		}
	})
	t.Run("empty feed", func(t *testing.T) {
		if got := SelectNew(nil, nil, ""); got != nil {
			t.Fatalf("got %+v", got)
		}
	})
}

func TestSelectNewUndatedItems(t *testing.T) {
	cursor := time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
	fetched := cursor.Add(5 * time.Minute)
	// Feed order, newest first, all stamped with the fetch time.
	items := []Item{
		{GUID: "top", PublishedAt: fetched},
		{GUID: "older", PublishedAt: fetched},
	}

	t.Run("cursor guid is not repeated", func(t *testing.T) {
		if got := SelectNew(items, &cursor, "top"); len(got) != 0 {
			t.Fatalf("got %+v", got)
		}
	})
	t.Run("only the first undated item is new", func(t *testing.T) {
		got := SelectNew(items, &cursor, "gone")
		if len(got) != 1 || got[0].GUID != "top" {
			t.Fatalf("got %+v", got)
		}
	})
	t.Run("first poll seeds the first undated item", func(t *testing.T) {
		mixed := append([]Item{{GUID: "dated", PublishedAt: cursor, Dated: true}}, items...)
		got := SelectNew(mixed, nil, "")
		if len(got) != 1 || got[0].GUID != "top" {
			t.Fatalf("got %+v", got)
		}
	})
}

func TestNextStart(t *testing.T) {
	tests := []struct {
		name      string
		published time.Time
		timeOfDay string
		want      time.Time
	}{
		{
			name:      "later the same day",
			published: time.Date(2026, 6, 1, 7, 15, 0, 0, time.UTC),
			timeOfDay: "09:00",
			want:      time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
		},
		{
			name:      "already past rolls to tomorrow",
			published: time.Date(2026, 6, 1, 21, 0, 0, 0, time.UTC),
			timeOfDay: "9:30",
			want:      time.Date(2026, 6, 2, 9, 30, 0, 0, time.UTC),
		},
		{
			name:      "exact moment stays",
			published: time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC),
			timeOfDay: "18:00",
			want:      time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC),
		},
		{
			name:      "month boundary",
			published: time.Date(2026, 6, 30, 23, 59, 0, 0, time.UTC),
			timeOfDay: "00:00",
			want:      time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "non UTC input is converted",
			published: time.Date(2026, 6, 1, 1, 0, 0, 0, time.FixedZone("X", 3*3600)),
			timeOfDay: "23:00",
			want:      time.Date(2026, 5, 31, 23, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextStart(tt.published, tt.timeOfDay)
			if err != nil {
				t.Fatalf("NextStart() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextStart() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseTimeOfDayRejects(t *testing.T) {
	for _, value := range []string{"", "24:00", "12:60", "noon", "12:5", "123:00"} {
		if _, _, err := ParseTimeOfDay(value); err == nil {
			t.Errorf("ParseTimeOfDay(%q) should fail", value)
		}
	}
}
