package session

import (
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/nkiryanov/valisauth/internal/logger"
	"github.com/nkiryanov/valisauth/internal/models"
)

type Listener func(models.Event)

type subscription struct {
	id       uuid.UUID
	listener Listener
}

// Fan out of session events
// Listeners run in subscription order on the goroutine that changed the session
type notifier struct {
	logger logger.Logger

	mu   sync.RWMutex
	subs []subscription
}

func newNotifier(l logger.Logger) *notifier {
	return &notifier{logger: l}
}

func (n *notifier) subscribe(l Listener) uuid.UUID {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := uuid.New()
	n.subs = append(n.subs, subscription{id: id, listener: l})
	return id
}

func (n *notifier) unsubscribe(id uuid.UUID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	before := len(n.subs)
	n.subs = slices.DeleteFunc(n.subs, func(s subscription) bool { return s.id == id })
	return len(n.subs) != before
}

func (n *notifier) notify(ev models.Event) {
	n.mu.RLock()
	subs := slices.Clone(n.subs)
	n.mu.RUnlock()

	for _, s := range subs {
		n.call(s, ev)
	}
}

func (n *notifier) call(s subscription, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Session listener panicked", "listener", s.id, "event", ev.Kind, "panic", r)
		}
	}()

	// Each listener gets its own copy so one cannot mutate what the next sees
	ev.Session = ev.Session.Clone()
	s.listener(ev)
}

// Subscribe registers a listener for session events
func (c *Controller) Subscribe(l Listener) uuid.UUID {
	return c.notifier.subscribe(l)
}

// Unsubscribe removes a listener, reports whether it was registered
func (c *Controller) Unsubscribe(id uuid.UUID) bool {
	return c.notifier.unsubscribe(id)
}

// OnChange registers fn and returns the function removing it
func (c *Controller) OnChange(fn func(models.Event)) func() {
	id := c.notifier.subscribe(fn)
	return func() { c.notifier.unsubscribe(id) }
}

// Broadcast ev if set
// Must be called without holding c.mu and after the busy slot is released
func (c *Controller) emit(ev *models.Event) {
	if ev == nil {
		return
	}
	c.notifier.notify(*ev)
}
