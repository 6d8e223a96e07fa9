package chat

import (
	"time"

	"militext/internal/models"
)

type RowKind int

const (
	MessageRow RowKind = iota
	DateDividerRow
	UnreadDividerRow
)

// Row is one line of the rendered conversation.
type Row struct {
	Kind    RowKind
	Label   string
	Message models.Message
}

type RowOptions struct {
	// Now anchors the Today and Yesterday labels. Zero means time.Now.
	Now      time.Time
	Location *time.Location
	// ShowUnreadDivider puts a divider before FirstUnreadID. Off by default
	// since the server only tracks an unread counter.
	ShowUnreadDivider bool
	FirstUnreadID     string
}

const unreadLabel = "New messages"

// BuildRows interleaves msgs, oldest first, with a divider at every change
// of calendar day.
func BuildRows(msgs []models.Message, opts RowOptions) []Row {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	rows := make([]Row, 0, len(msgs)+4)
	var lastDay time.Time
	for i, m := range msgs {
		day := startOfDay(m.CreatedAt.In(opts.Location))
		if i == 0 || !day.Equal(lastDay) {
			rows = append(rows, Row{Kind: DateDividerRow, Label: DayLabel(m.CreatedAt, opts.Now, opts.Location)})
			lastDay = day
		}
		if opts.ShowUnreadDivider && opts.FirstUnreadID != "" && m.ID == opts.FirstUnreadID {
			rows = append(rows, Row{Kind: UnreadDividerRow, Label: unreadLabel})
		}
		rows = append(rows, Row{Kind: MessageRow, Message: m})
	}
	return rows
}

// DayLabel is "Today", "Yesterday" or the date, like "2 Jan 2006".
func DayLabel(t, now time.Time, loc *time.Location) string {
	day := startOfDay(t.In(loc))
	today := startOfDay(now.In(loc))
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	default:
		return day.Format("2 Jan 2006")
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
