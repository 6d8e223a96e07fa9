package chat

import (
	"testing"
	"time"

	"militext/internal/models"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func TestDayLabel(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"same day", time.Date(2025, 3, 10, 0, 1, 0, 0, time.UTC), "Today"},
		{"previous day", time.Date(2025, 3, 9, 23, 59, 0, 0, time.UTC), "Yesterday"},
		{"older", time.Date(2025, 2, 2, 8, 0, 0, 0, time.UTC), "2 Feb 2025"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, DayLabel(tt.at, now, time.UTC))
		})
	}
}

func TestBuildRows_DateDividers(t *testing.T) {
	req := require.New(t)
	now := time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)
	msgs := []models.Message{
		{ID: "a", CreatedAt: time.Date(2025, 3, 8, 10, 0, 0, 0, time.UTC)},
		{ID: "b", CreatedAt: time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)},
		{ID: "c", CreatedAt: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)},
		{ID: "d", CreatedAt: time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)},
	}

	rows := BuildRows(msgs, RowOptions{Now: now, Location: time.UTC, FirstUnreadID: "c"})

	labels := lo.Map(rows, func(r Row, _ int) string {
		if r.Kind == MessageRow {
			return r.Message.ID
		}
		return r.Label
	})
	req.Equal([]string{"8 Mar 2025", "a", "Yesterday", "b", "Today", "c", "d"}, labels)
	req.False(lo.ContainsBy(rows, func(r Row) bool { return r.Kind == UnreadDividerRow }))
}

func TestBuildRows_UnreadDividerBehindFlag(t *testing.T) {
	req := require.New(t)
	now := time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)
	msgs := []models.Message{
		{ID: "a", CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "b", CreatedAt: now.Add(-time.Hour)},
	}

	rows := BuildRows(msgs, RowOptions{Now: now, Location: time.UTC, ShowUnreadDivider: true, FirstUnreadID: "b"})

	kinds := lo.Map(rows, func(r Row, _ int) RowKind { return r.Kind })
	req.Equal([]RowKind{DateDividerRow, MessageRow, UnreadDividerRow, MessageRow}, kinds)
}
