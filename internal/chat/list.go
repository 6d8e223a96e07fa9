package chat

import (
	"slices"
	"sort"
	"time"

	"militext/internal/models"

	"github.com/samber/lo"
)

// MessageList is the ordered view of one conversation. Ids are unique and
// messages are sorted by CreatedAt; equal timestamps keep arrival order.
type MessageList struct {
	items []models.Message
}

func (l *MessageList) Len() int { return len(l.items) }

// Items returns a copy of the messages, oldest first.
func (l *MessageList) Items() []models.Message {
	return slices.Clone(l.items)
}

func (l *MessageList) Get(id string) (models.Message, bool) {
	m, _, ok := lo.FindIndexOf(l.items, func(m models.Message) bool { return m.ID == id })
	return m, ok
}

// Oldest returns the oldest message the server knows about, the cursor for
// the next page of history.
func (l *MessageList) Oldest() (models.Message, bool) {
	return lo.Find(l.items, func(m models.Message) bool { return !m.Pending })
}

// Latest returns the newest message, pending or not.
func (l *MessageList) Latest() (models.Message, bool) {
	if len(l.items) == 0 {
		return models.Message{}, false
	}
	return l.items[len(l.items)-1], true
}

// Confirmed is the number of messages the server has acknowledged.
func (l *MessageList) Confirmed() int {
	return lo.CountBy(l.items, func(m models.Message) bool { return !m.Pending })
}

// Insert adds m at its chronological position. A message already present is
// ignored, except that a pending entry is replaced by the server copy with
// the same id. It reports whether the list changed.
func (l *MessageList) Insert(m models.Message) bool {
	existing, idx, ok := lo.FindIndexOf(l.items, func(e models.Message) bool { return e.ID == m.ID })
	if ok {
		if !existing.Pending || m.Pending {
			return false
		}
		l.items = slices.Delete(l.items, idx, idx+1)
	}
	l.insertSorted(m)
	return true
}

// Merge inserts every message of a page and returns how many were new.
func (l *MessageList) Merge(msgs []models.Message) int {
	return lo.CountBy(msgs, l.Insert)
}

// Reset replaces the confirmed messages with msgs and keeps the pending ones.
func (l *MessageList) Reset(msgs []models.Message) {
	pending := lo.Filter(l.items, func(m models.Message, _ int) bool { return m.Pending })
	l.items = nil
	l.Merge(msgs)
	l.Merge(pending)
}

// Patch applies an edit. It reports whether id was loaded.
func (l *MessageList) Patch(id, content string, updatedAt time.Time) bool {
	_, idx, ok := lo.FindIndexOf(l.items, func(m models.Message) bool { return m.ID == id })
	if !ok {
		return false
	}
	l.items[idx].Content = content
	l.items[idx].UpdatedAt = updatedAt
	return true
}

func (l *MessageList) SetAttachments(id string, atts []models.Attachment) bool {
	_, idx, ok := lo.FindIndexOf(l.items, func(m models.Message) bool { return m.ID == id })
	if ok {
		l.items[idx].Attachments = atts
	}
	return ok
}

// Remove drops every message whose id is in ids and returns the count.
func (l *MessageList) Remove(ids ...string) int {
	before := len(l.items)
	l.items = slices.DeleteFunc(l.items, func(m models.Message) bool { return lo.Contains(ids, m.ID) })
	return before - len(l.items)
}

// RemovePending drops the optimistic entry id if it was not confirmed yet.
func (l *MessageList) RemovePending(id string) bool {
	before := len(l.items)
	l.items = slices.DeleteFunc(l.items, func(m models.Message) bool { return m.ID == id && m.Pending })
	return before != len(l.items)
}

func (l *MessageList) insertSorted(m models.Message) {
	// Upper bound: after every message created at or before m.
	i := sort.Search(len(l.items), func(i int) bool { return l.items[i].CreatedAt.After(m.CreatedAt) })
	l.items = slices.Insert(l.items, i, m)
}
