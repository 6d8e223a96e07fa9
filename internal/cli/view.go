package cli

import (
	"fmt"
	"strings"
	"sync"

	"militext/internal/chat"
	"militext/internal/models"

	"github.com/samber/lo"
)

// liveView prints a conversation append-only. Messages are printed once;
// later edits and deletions are printed as notices. When older history
// shows up above what is on screen the whole list is drawn again.
type liveView struct {
	p      *printer
	source func() []models.Message

	mu      sync.Mutex
	shown   map[string]models.Message
	latest  models.Message
	lastDay string
}

func newLiveView(p *printer, source func() []models.Message) *liveView {
	return &liveView{p: p, source: source, shown: make(map[string]models.Message)}
}

func (v *liveView) refresh() {
	v.mu.Lock()
	defer v.mu.Unlock()

	msgs := v.source()
	present := lo.SliceToMap(msgs, func(m models.Message) (string, struct{}) { return m.ID, struct{}{} })
	for id, old := range v.shown {
		if _, ok := present[id]; !ok {
			delete(v.shown, id)
			if !old.Pending {
				v.p.notice("%s %s's message was deleted", shortID(id), old.Sender.Username)
			}
		}
	}

	var fresh []models.Message
	for _, m := range msgs {
		old, ok := v.shown[m.ID]
		switch {
		case !ok:
			fresh = append(fresh, m)
		case old.Content != m.Content:
			v.shown[m.ID] = m
			v.p.message(m, "(updated)")
		default:
			v.shown[m.ID] = m
		}
	}
	if len(fresh) == 0 {
		return
	}
	if v.latest.ID != "" && fresh[0].CreatedAt.Before(v.latest.CreatedAt) {
		v.p.notice("── earlier messages ──")
		v.resetLocked()
		v.appendLocked(msgs)
		return
	}
	v.appendLocked(fresh)
}

func (v *liveView) resetLocked() {
	v.shown = make(map[string]models.Message)
	v.latest, v.lastDay = models.Message{}, ""
}

func (v *liveView) appendLocked(msgs []models.Message) {
	now := v.p.now()
	for _, m := range msgs {
		if day := chat.DayLabel(m.CreatedAt, now, v.p.loc); day != v.lastDay {
			v.p.row(chat.Row{Kind: chat.DateDividerRow, Label: day})
			v.lastDay = day
		}
		v.p.message(m, "")
		v.shown[m.ID] = m
		if !m.CreatedAt.Before(v.latest.CreatedAt) {
			v.latest = m
		}
	}
}

// resolveID finds the message whose id starts with prefix.
func resolveID(msgs []models.Message, prefix string) (models.Message, error) {
	matches := lo.Filter(msgs, func(m models.Message, _ int) bool {
		return !m.Pending && strings.HasPrefix(m.ID, prefix)
	})
	switch len(matches) {
	case 0:
		return models.Message{}, fmt.Errorf("no message with id %q", prefix)
	case 1:
		return matches[0], nil
	default:
		return models.Message{}, fmt.Errorf("id %q is ambiguous", prefix)
	}
}
