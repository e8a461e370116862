package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// whoWaiter implements spec.md §4.2's "condition variable signaled on
// 352/315" as a per-nick channel closed by the reader, the way spec.md
// §9 suggests as an alternative to an explicit condition variable. Each
// pending request carries a uuid for log correlation
// (SPEC_FULL.md §3).
type whoWaiter struct {
	mu      sync.Mutex
	pending map[string]chan struct{}
	result  map[string]string
}

func newWhoWaiter() *whoWaiter {
	return &whoWaiter{
		pending: make(map[string]chan struct{}),
		result:  make(map[string]string),
	}
}

// register opens a wait slot for lowercase nick, returning the
// correlation id used only for logging.
func (w *whoWaiter) register(nick string) uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[nick]; !ok {
		w.pending[nick] = make(chan struct{})
	}
	return uuid.New()
}

// resolve records the identity seen for nick (from a 352 reply) without
// yet waking waiters — the wake happens on end-of-WHO (315), matching
// the original waiting for the WHO reply burst to finish.
func (w *whoWaiter) resolve(nick, identity string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.result[nick] = identity
}

// endOfWho wakes every waiter for nick, matching numeric 315 ending a
// WHO burst.
func (w *whoWaiter) endOfWho(nick string) {
	w.mu.Lock()
	ch, ok := w.pending[nick]
	delete(w.pending, nick)
	w.mu.Unlock()
	if ok {
		close(ch)
	}
}

// wait blocks up to whoTimeout for a resolution of nick, returning
// whatever identity was recorded (if any) once woken or timed out.
func (w *whoWaiter) wait(nick string) (identity string, known bool) {
	w.mu.Lock()
	ch, ok := w.pending[nick]
	w.mu.Unlock()

	if ok {
		select {
		case <-ch:
		case <-time.After(whoTimeout):
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	identity, known = w.result[nick]
	return identity, known
}
