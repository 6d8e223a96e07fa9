package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"militext/internal/api"
	"militext/internal/apperr"
	"militext/internal/chat"
	"militext/internal/connection"
	"militext/internal/models"
	"militext/internal/transport"
	"militext/internal/utils"

	"github.com/samber/lo"
)

var errQuit = errors.New("quit")

// repl is one interactive chat: a session on the live connection, the
// composer writing into it and the view printing it.
type repl struct {
	rt       *runtime
	p        *printer
	session  *chat.Session
	composer *chat.Composer
	view     *liveView
}

func runChat(ctx context.Context, rt *runtime, room string, in io.Reader, out io.Writer) error {
	mgr, err := rt.connect(ctx)
	if err != nil {
		return err
	}
	defer mgr.Close()

	user := rt.refresher.User()
	if user == nil {
		return apperr.ErrNoCredentials
	}
	session := chat.NewSession(rt.log, mgr, rt.client, rt.client, user.Ref(), chat.Config{PageSize: rt.cfg.PageSize})
	defer session.Close()

	r := &repl{
		rt:       rt,
		p:        rt.printerFor(out),
		session:  session,
		composer: chat.NewComposer(session),
	}
	r.view = newLiveView(r.p, session.Messages)

	closed := make(chan error, 1)
	subs := []transport.Subscription{
		session.Watch(chat.ListChanged, func(chat.ViewEvent) { r.view.refresh() }),
		session.Watch(chat.TypingChanged, func(ev chat.ViewEvent) { r.typing(ev.Typing) }),
		session.Watch(chat.LoadFailed, func(ev chat.ViewEvent) { r.p.failure(ev.Err) }),
		session.Watch(chat.ChatRenamed, func(ev chat.ViewEvent) { r.p.notice("chat renamed to %s", ev.Name) }),
		session.Watch(chat.ChatClosed, func(ev chat.ViewEvent) {
			select {
			case closed <- ev.Err:
			default:
			}
		}),
		mgr.WatchState(func(s connection.State) {
			if s != connection.Connected {
				r.p.notice("connection %s", s)
			}
		}),
		mgr.Subscribe(models.EventOnline, r.presence),
		mgr.Subscribe(models.EventOffline, r.presence),
		mgr.Subscribe(models.EventNewChat, r.newChat),
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	if err := session.Open(ctx, room); err != nil {
		return fmt.Errorf("open chat: %w", err)
	}
	r.view.refresh()
	utils.LogError(rt.log, rt.client.MarkRead(ctx, room), "Marking chat read failed", "room", room)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-closed:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := r.handle(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				r.p.failure(err)
			}
		}
	}
}

func (r *repl) typing(who *models.UserRef) {
	if who != nil {
		r.p.notice("%s is typing…", who.Username)
	}
}

func (r *repl) presence(msg models.WSMessage) {
	if msg.UserID == r.p.me {
		return
	}
	state := "online"
	if msg.Event == models.EventOffline {
		state = "offline"
	}
	r.p.notice("%s is %s", msg.Username, state)
}

func (r *repl) newChat(msg models.WSMessage) {
	name := msg.Name
	if msg.Chat != nil {
		name = chatName(*msg.Chat)
	}
	r.p.notice("you were added to %s, open it with: militext chat %s", name, msg.Room)
}

func (r *repl) handle(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		if strings.TrimSpace(line) == "" {
			return nil
		}
		r.composer.SetText(line)
		return r.submit(ctx)
	}

	name, rest, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "quit", "q":
		return errQuit
	case "older":
		if !r.session.HasMore() {
			r.p.notice("no older messages")
			return nil
		}
		return r.session.LoadOlder(ctx)
	case "edit":
		return r.edit(ctx, rest)
	case "reply":
		return r.reply(ctx, rest)
	case "delete":
		return r.delete(ctx, strings.Fields(rest))
	case "attach":
		return r.attach(rest)
	case "detach":
		return r.detach(rest)
	case "retry":
		return r.submit(ctx)
	case "cancel":
		r.composer.Cancel()
		r.p.notice("draft cleared")
		return nil
	default:
		return fmt.Errorf("unknown command /%s", name)
	}
}

func (r *repl) submit(ctx context.Context) error {
	editing := r.composer.Mode() == chat.Editing
	if err := r.composer.Submit(ctx); err != nil {
		return fmt.Errorf("%w (draft kept: /retry or /cancel)", err)
	}
	if editing {
		r.p.notice("edited")
	}
	return nil
}

func (r *repl) edit(ctx context.Context, args string) error {
	prefix, text, _ := strings.Cut(args, " ")
	if prefix == "" {
		return errors.New("usage: /edit <id> [text]")
	}
	msg, err := resolveID(r.session.Messages(), prefix)
	if err != nil {
		return err
	}
	if msg.Sender.ID != r.p.me {
		return apperr.ErrNotOwner
	}
	r.composer.StartEditing(msg)
	if text = strings.TrimSpace(text); text == "" {
		r.p.notice("editing %s, the next line replaces: %s", shortID(msg.ID), msg.Content)
		return nil
	}
	r.composer.SetText(text)
	return r.submit(ctx)
}

func (r *repl) reply(ctx context.Context, args string) error {
	prefix, text, _ := strings.Cut(args, " ")
	if prefix == "" {
		return errors.New("usage: /reply <id> [text]")
	}
	msg, err := resolveID(r.session.Messages(), prefix)
	if err != nil {
		return err
	}
	r.composer.SetReplyTo(msg.ID)
	if text = strings.TrimSpace(text); text == "" {
		r.p.notice("replying to %s, the next line answers: %s", shortID(msg.ID), preview(msg))
		return nil
	}
	r.composer.SetText(text)
	return r.submit(ctx)
}

func (r *repl) delete(ctx context.Context, prefixes []string) error {
	if len(prefixes) == 0 {
		return errors.New("usage: /delete <id>...")
	}
	msgs := r.session.Messages()
	ids := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		msg, err := resolveID(msgs, prefix)
		if err != nil {
			return err
		}
		ids = append(ids, msg.ID)
	}
	return r.session.Delete(ctx, lo.Uniq(ids))
}

func (r *repl) attach(path string) error {
	if path == "" {
		return errors.New("usage: /attach <path>")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := r.composer.Attach(api.File{Name: filepath.Base(path), Data: data}); err != nil {
		return err
	}
	n := len(r.composer.Attachments())
	r.p.notice("%d file%s attached, send a line or /retry to post", n, plural(n))
	return nil
}

func (r *repl) detach(arg string) error {
	n, err := strconv.Atoi(arg)
	files := r.composer.Attachments()
	if err != nil || n < 1 || n > len(files) {
		return fmt.Errorf("usage: /detach <1-%d>", len(files))
	}
	r.composer.RemoveAttachment(n - 1)
	r.p.notice("dropped %s", files[n-1].Name)
	return nil
}
