// Package feed polls syndication feeds and turns their items into
// scheduled sessions.
package feed

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"blackout/api/internal/ledger"
)

const untitled = "Untitled"

// TimeOfDayPattern matches a 24h HH:MM start time.
var TimeOfDayPattern = regexp.MustCompile(`^([0-1]?\d|2[0-3]):[0-5]\d$`)

var stripPolicy = bluemonday.StrictPolicy()

// Item is a normalized feed entry.
type Item struct {
	GUID        string
	Title       string
	Content     string
	PublishedAt time.Time
	// Dated is false when the entry carried no published or updated date
	// and PublishedAt is the fetch time.
	Dated bool
	Raw   *Node
}

// Normalize maps a parsed entry onto Item. fallbackTitle is used when the
// entry has none; fetchedAt stands in for a missing publish date. With
// contentPaths set, content is taken from those paths instead of the usual
// content fields.
func Normalize(entry *gofeed.Item, fallbackTitle string, contentPaths []string, fetchedAt time.Time) Item {
	item := Item{
		Title: strings.TrimSpace(entry.Title),
		Raw:   rawNode(entry),
	}
	item.PublishedAt, item.Dated = publishedAt(entry, fetchedAt)
	if item.Title == "" {
		item.Title = strings.TrimSpace(fallbackTitle)
	}
	if item.Title == "" {
		item.Title = untitled
	}

	if len(contentPaths) > 0 {
		item.Content = strings.TrimSpace(Extract(item.Raw, contentPaths))
	} else {
		item.Content = content(entry)
	}
	item.GUID = guid(entry, item)
	return item
}

// guid prefers the entry's own identity. The synthetic fallback must not
// depend on the fetch time, so undated entries are keyed by their content.
func guid(entry *gofeed.Item, item Item) string {
	if id := strings.TrimSpace(entry.GUID); id != "" {
		return id
	}
	if link := strings.TrimSpace(entry.Link); link != "" {
		return link
	}
	title := strings.TrimSpace(entry.Title)
	if title == "" {
		title = "item"
	}
	if !item.Dated {
		return fmt.Sprintf("%s-%s", title, ledger.ContentHash(item.Content)[:12])
	}
	return fmt.Sprintf("%s-%s", title, item.PublishedAt.Format(time.RFC3339))
}

func publishedAt(entry *gofeed.Item, fetchedAt time.Time) (time.Time, bool) {
	if entry.PublishedParsed != nil {
		return entry.PublishedParsed.UTC(), true
	}
	if entry.UpdatedParsed != nil {
		return entry.UpdatedParsed.UTC(), true
	}
	return fetchedAt.UTC(), false
}

func content(entry *gofeed.Item) string {
	if stripped := StripHTML(entry.Content); stripped != "" {
		return stripped
	}
	if c := strings.TrimSpace(entry.Content); c != "" {
		return c
	}
	return strings.TrimSpace(entry.Description)
}

// StripHTML removes all markup and decodes entities.
func StripHTML(s string) string {
	if s == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(stripPolicy.Sanitize(s)))
}

func rawNode(entry *gofeed.Item) *Node {
	raw, err := json.Marshal(entry)
	if err != nil {
		return &Node{Kind: KindNull}
	}
	return ParseNode(raw)
}

// Items normalizes every entry of parsed, drops those without content and
// returns the rest oldest first.
func Items(parsed *gofeed.Feed, fallbackTitle string, contentPaths []string, fetchedAt time.Time) []Item {
	if parsed == nil {
		return nil
	}
	items := make([]Item, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		if entry == nil {
			continue
		}
		item := Normalize(entry, fallbackTitle, contentPaths, fetchedAt)
		if item.Content == "" {
			continue
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedAt.Before(items[j].PublishedAt)
	})
	return items
}

// SelectNew returns the items the stream has not turned into sessions yet.
// items must be sorted oldest first, as Items returns them.
//
// Dated items are new when published strictly after last. Undated items
// carry the fetch time, which moves on every poll, so only the first
// undated item in feed order is considered and only when its GUID differs
// from lastGUID. With no cursor only the most recent item is returned, so a
// new stream starts from the present rather than replaying its archive.
func SelectNew(items []Item, last *time.Time, lastGUID string) []Item {
	if len(items) == 0 {
		return nil
	}
	if last == nil {
		return []Item{latest(items)}
	}
	var fresh []Item
	undatedSeen := false
	for _, item := range items {
		if item.Dated {
			if item.PublishedAt.After(*last) {
				fresh = append(fresh, item)
			}
			continue
		}
		if undatedSeen {
			continue
		}
		undatedSeen = true
		if item.GUID != lastGUID {
			fresh = append(fresh, item)
		}
	}
	return fresh
}

// latest is the newest item. Undated items sort by fetch time, so among
// them the first in feed order is taken as the newest.
func latest(items []Item) Item {
	last := items[len(items)-1]
	if last.Dated {
		return last
	}
	for _, item := range items {
		if !item.Dated {
			return item
		}
	}
	return last
}

// NextStart is timeOfDay (HH:MM, UTC) on the day of published, or on the
// following day when that moment is already past.
func NextStart(published time.Time, timeOfDay string) (time.Time, error) {
	hours, minutes, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	p := published.UTC()
	start := time.Date(p.Year(), p.Month(), p.Day(), hours, minutes, 0, 0, time.UTC)
	if start.Before(p) {
		start = start.AddDate(0, 0, 1)
	}
	return start, nil
}

func ParseTimeOfDay(value string) (int, int, error) {
	if !TimeOfDayPattern.MatchString(value) {
		return 0, 0, fmt.Errorf("invalid time of day %q", value)
	}
	hh, mm, _ := strings.Cut(value, ":")
	hours, _ := strconv.Atoi(hh)
	minutes, _ := strconv.Atoi(mm)
	return hours, minutes, nil
}
