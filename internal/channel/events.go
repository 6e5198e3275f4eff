package channel

// Listener observes channel lifecycle events. Callbacks run on the
// goroutine that triggered them and must not block.
type Listener interface {
	// OnDisabled fires once when the channel is permanently lost.
	OnDisabled(cause error)
	// OnBadToken fires when the CA rejects a token; the session should
	// refresh it so the next Session.Token call returns a valid one.
	OnBadToken(staleToken string)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are ignored.
type ListenerFuncs struct {
	Disabled func(cause error)
	BadToken func(staleToken string)
}

func (l ListenerFuncs) OnDisabled(cause error) {
	if l.Disabled != nil {
		l.Disabled(cause)
	}
}

func (l ListenerFuncs) OnBadToken(staleToken string) {
	if l.BadToken != nil {
		l.BadToken(staleToken)
	}
}

// Subscribe registers l and returns a function that removes it.
func (c *Channel) Subscribe(l Listener) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.alive.Load() {
		return func() {}
	}
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = l

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Channel) snapshotListeners() []Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		out = append(out, l)
	}
	return out
}

func (c *Channel) emitBadToken(token string) {
	for _, l := range c.snapshotListeners() {
		l.OnBadToken(token)
	}
}
