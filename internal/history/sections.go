package history

import (
	"sort"
	"time"

	"github.com/yarsha/chatsync/internal/store"
)

// Section is one calendar day of a chat, newest first within the day.
type Section struct {
	Day      string // YYYY-MM-DD in the display location
	Title    string
	Messages []*store.Message
}

// BuildSections groups messages by calendar day in the given location,
// newest day first. Days without messages never appear, and the result is
// deterministic for the same input regardless of input order.
func BuildSections(msgs []*store.Message, now time.Time, loc *time.Location) []Section {
	if len(msgs) == 0 {
		return nil
	}

	sorted := make([]*store.Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt != sorted[j].CreatedAt {
			return sorted[i].CreatedAt > sorted[j].CreatedAt
		}
		return sorted[i].ID > sorted[j].ID
	})

	var sections []Section
	byDay := map[string]int{}
	for _, m := range sorted {
		day := time.UnixMilli(m.CreatedAt).In(loc).Format("2006-01-02")
		idx, ok := byDay[day]
		if !ok {
			idx = len(sections)
			byDay[day] = idx
			sections = append(sections, Section{
				Day:   day,
				Title: SectionTitle(day, now, loc),
			})
		}
		sections[idx].Messages = append(sections[idx].Messages, m)
	}
	return sections
}

// SectionTitle renders the display label for a day key: Today, Yesterday,
// or the date itself, with the year only when it differs from the current
// one.
func SectionTitle(day string, now time.Time, loc *time.Location) string {
	t, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return day
	}
	today := now.In(loc)
	switch day {
	case today.Format("2006-01-02"):
		return "Today"
	case today.AddDate(0, 0, -1).Format("2006-01-02"):
		return "Yesterday"
	}
	if t.Year() == today.Year() {
		return t.Format("January 2")
	}
	return t.Format("January 2, 2006")
}
