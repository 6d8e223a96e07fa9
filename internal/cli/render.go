package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"militext/internal/chat"
	"militext/internal/models"

	"github.com/dustin/go-humanize"
	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
)

const shortIDLen = 8

// printer writes the terminal view. It never reads state itself; callers
// pass what to draw.
type printer struct {
	out     io.Writer
	colours bool
	me      string
	loc     *time.Location
	now     func() time.Time
}

func newPrinter(out io.Writer, colours bool, me string) *printer {
	return &printer{out: out, colours: colours, me: me, loc: time.Local, now: time.Now}
}

func (p *printer) paint(style color.Style, s string) string {
	if !p.colours {
		return s
	}
	return style.Render(s)
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

func (p *printer) chats(list []models.ChatSummary) {
	table := tablewriter.NewWriter(p.out)
	table.SetHeader([]string{"Chat", "Name", "Unread", "Last message", "Active"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, c := range list {
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Sender.Username + ": " + preview(*c.LastMessage)
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = humanize.Comma(int64(c.UnreadCount))
		}
		table.Append([]string{c.ID, chatName(c), unread, last, humanize.Time(c.UpdatedAt)})
	}
	table.Render()
}

// chatName marks groups and chats with someone online.
func chatName(c models.ChatSummary) string {
	name := c.Name
	if c.IsGroup {
		name += fmt.Sprintf(" (group of %d)", len(c.Participants))
	}
	if c.Online {
		return "● " + name
	}
	return name
}

func (p *printer) group(g models.GroupChat) {
	fmt.Fprintf(p.out, "%s\t%s\tcreated %s\n", g.ID, g.Name, humanize.Time(g.CreatedAt))
	for _, u := range g.Participants {
		role := ""
		if g.IsAdmin(u.ID) {
			role = p.paint(color.New(color.FgYellow), " admin")
		}
		fmt.Fprintf(p.out, "  %s\t%s%s\n", u.ID, u.Username, role)
	}
}

func preview(m models.Message) string {
	text := strings.ReplaceAll(m.Content, "\n", " ")
	if r := []rune(text); len(r) > 40 {
		text = string(r[:40]) + "…"
	}
	if n := len(m.Attachments); n > 0 {
		text = strings.TrimSpace(text + fmt.Sprintf(" [%d attachment%s]", n, plural(n)))
	}
	return text
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// rows draws msgs with day dividers.
func (p *printer) rows(msgs []models.Message) {
	for _, r := range chat.BuildRows(msgs, chat.RowOptions{Now: p.now(), Location: p.loc}) {
		p.row(r)
	}
}

func (p *printer) row(r chat.Row) {
	switch r.Kind {
	case chat.DateDividerRow, chat.UnreadDividerRow:
		fmt.Fprintln(p.out, p.paint(color.New(color.FgGray), "──── "+r.Label+" ────"))
	case chat.MessageRow:
		p.message(r.Message, "")
	}
}

func (p *printer) message(m models.Message, tag string) {
	name := m.Sender.Username
	if m.Sender.ID == p.me {
		name = p.paint(color.New(color.FgGreen, color.OpBold), name)
	} else {
		name = p.paint(color.New(color.FgCyan, color.OpBold), name)
	}

	if m.ReplyToID != "" {
		name += p.paint(color.New(color.FgGray), " ↪ "+shortID(m.ReplyToID))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s: %s",
		p.paint(color.New(color.FgGray), m.CreatedAt.In(p.loc).Format("15:04")),
		p.paint(color.New(color.FgGray), shortID(m.ID)),
		name, m.Content)
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, "\n      %s", p.paint(color.New(color.FgBlue), a.URL))
	}
	switch {
	case m.Pending:
		b.WriteString(p.paint(color.New(color.FgGray), " (sending)"))
	case m.Edited():
		b.WriteString(p.paint(color.New(color.FgGray), " (edited)"))
	}
	if tag != "" {
		b.WriteString(" " + p.paint(color.New(color.FgYellow), tag))
	}
	fmt.Fprintln(p.out, b.String())
}

func (p *printer) notice(format string, args ...any) {
	fmt.Fprintln(p.out, p.paint(color.New(color.FgYellow), fmt.Sprintf(format, args...)))
}

func (p *printer) failure(err error) {
	fmt.Fprintln(p.out, p.paint(color.New(color.FgRed), "error: "+err.Error()))
}
