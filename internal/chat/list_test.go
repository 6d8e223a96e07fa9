package chat

import (
	"testing"
	"time"

	"militext/internal/models"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func at(id string, minute int) models.Message {
	ts := base.Add(time.Duration(minute) * time.Minute)
	return models.Message{ID: id, CreatedAt: ts, UpdatedAt: ts}
}

func listIDs(l *MessageList) []string {
	return lo.Map(l.Items(), func(m models.Message, _ int) string { return m.ID })
}

func TestMessageList_InsertKeepsChronologicalOrder(t *testing.T) {
	req := require.New(t)
	var l MessageList

	l.Merge([]models.Message{at("c", 3), at("a", 1)})
	l.Insert(at("b", 2))
	// Same timestamp as b: arrival order wins
	l.Insert(at("b2", 2))

	req.Equal([]string{"a", "b", "b2", "c"}, listIDs(&l))
}

func TestMessageList_InsertIgnoresDuplicates(t *testing.T) {
	req := require.New(t)
	var l MessageList

	req.True(l.Insert(at("a", 1)))
	dup := at("a", 5)
	dup.Content = "other"
	req.False(l.Insert(dup))

	got, _ := l.Get("a")
	req.Empty(got.Content)
	req.Equal(1, l.Len())
}

func TestMessageList_ServerCopyReplacesPending(t *testing.T) {
	req := require.New(t)
	var l MessageList
	l.Insert(at("a", 1))
	local := at("p", 9)
	local.Pending = true
	l.Insert(local)

	// A second optimistic copy does not replace the first
	req.False(l.Insert(local))

	server := at("p", 2)
	req.True(l.Insert(server))

	req.Equal([]string{"a", "p"}, listIDs(&l))
	got, _ := l.Get("p")
	req.False(got.Pending)
	req.True(got.CreatedAt.Equal(server.CreatedAt))
}

func TestMessageList_OldestSkipsPending(t *testing.T) {
	req := require.New(t)
	var l MessageList
	local := at("p", 0)
	local.Pending = true
	l.Insert(local)

	_, ok := l.Oldest()
	req.False(ok)

	l.Insert(at("a", 1))
	oldest, ok := l.Oldest()
	req.True(ok)
	req.Equal("a", oldest.ID)
	req.Equal(1, l.Confirmed())
}

func TestMessageList_ResetKeepsPending(t *testing.T) {
	req := require.New(t)
	var l MessageList
	l.Merge([]models.Message{at("a", 1), at("b", 2)})
	local := at("p", 10)
	local.Pending = true
	l.Insert(local)

	l.Reset([]models.Message{at("b", 2), at("c", 3)})

	req.Equal([]string{"b", "c", "p"}, listIDs(&l))
}

func TestMessageList_PatchAndRemove(t *testing.T) {
	req := require.New(t)
	var l MessageList
	l.Merge([]models.Message{at("a", 1), at("b", 2), at("c", 3)})

	req.True(l.Patch("b", "edited", base.Add(time.Hour)))
	req.False(l.Patch("zz", "x", base))
	req.Equal(2, l.Remove("a", "c", "zz"))

	got, _ := l.Get("b")
	req.Equal("edited", got.Content)
	req.True(got.Edited())
	req.Equal([]string{"b"}, listIDs(&l))
	req.False(l.RemovePending("b"))
}
