package chat

import (
	"sync"
	"time"

	"militext/internal/models"
)

// localTyping emits typing once per burst of keystrokes and stopTyping once
// the user has been idle for timeout.
type localTyping struct {
	timeout time.Duration
	emit    func(event string)

	mu     sync.Mutex
	active bool
	seq    uint64
	timer  *time.Timer
}

func newLocalTyping(timeout time.Duration, emit func(event string)) *localTyping {
	return &localTyping{timeout: timeout, emit: emit}
}

func (t *localTyping) set(typing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !typing {
		if t.active {
			t.stopLocked()
		}
		return
	}
	if !t.active {
		t.active = true
		t.emit(models.EventTyping)
	}
	t.armLocked()
}

func (t *localTyping) isActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// armLocked restarts the idle timer. A timer that already fired for an
// older keystroke sees a stale seq and does nothing.
func (t *localTyping) armLocked() {
	t.seq++
	seq := t.seq
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.timeout, func() { t.expire(seq) })
}

func (t *localTyping) expire(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active || seq != t.seq {
		return
	}
	t.stopLocked()
}

func (t *localTyping) stopLocked() {
	t.active = false
	t.seq++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.emit(models.EventStopTyping)
}

// remoteTyping tracks who else is typing in the room. The last typer wins
// and the indicator clears after a quiet period without a new event.
type remoteTyping struct {
	timeout  time.Duration
	onChange func(who *models.UserRef)

	mu    sync.Mutex
	who   *models.UserRef
	seq   uint64
	timer *time.Timer
}

func newRemoteTyping(timeout time.Duration, onChange func(who *models.UserRef)) *remoteTyping {
	return &remoteTyping{timeout: timeout, onChange: onChange}
}

func (r *remoteTyping) start(who models.UserRef) {
	r.mu.Lock()
	changed := r.who == nil || *r.who != who
	r.who = &who
	r.seq++
	seq := r.seq
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.timeout, func() { r.clear(seq, "") })
	r.mu.Unlock()

	if changed {
		r.onChange(&who)
	}
}

// stop clears the indicator when userID is the current typer, or
// unconditionally when userID is empty.
func (r *remoteTyping) stop(userID string) {
	r.mu.Lock()
	seq := r.seq
	r.mu.Unlock()
	r.clear(seq, userID)
}

func (r *remoteTyping) clear(seq uint64, userID string) {
	r.mu.Lock()
	if r.who == nil || seq != r.seq || (userID != "" && r.who.ID != userID) {
		r.mu.Unlock()
		return
	}
	r.who = nil
	r.seq++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	r.onChange(nil)
}

func (r *remoteTyping) current() *models.UserRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.who == nil {
		return nil
	}
	who := *r.who
	return &who
}

func (r *remoteTyping) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.who = nil
	r.seq++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
