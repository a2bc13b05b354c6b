// Package auth owns the provider credential: acquisition, validation,
// permission probing, refresh and revocation. Consumers observe it through
// Subscribe and obtain tokens through Token/RefreshToken; they never mutate
// auth policy themselves.
package auth

import (
	"sync"
	"time"
)

// Credential is the signed-in user's identity plus the current access token.
// It is owned by the Manager: mutated only by successful login or refresh,
// destroyed on logout or unrecoverable validation failure.
type Credential struct {
	Subject     string
	Name        string
	Email       string
	Picture     string
	AccessToken string
	Expiry      time.Time
}

// State is the published authentication state. A non-nil Credential is always
// the most recently validated one. Error carries the last failure message so
// consumers can render it without extra plumbing; empty means no error.
type State struct {
	Authenticated bool
	Loading       bool
	Credential    *Credential
	Error         string
}

// Listener receives state updates. Delivery is synchronous on publish.
type Listener func(State)

// notifier implements the subscribe/publish channel. Listeners are invoked
// immediately with the current state on subscription and on every change.
type notifier struct {
	mu        sync.Mutex
	state     State
	listeners map[int]Listener
	nextID    int
}

func newNotifier() *notifier {
	return &notifier{listeners: make(map[int]Listener)}
}

// subscribe registers l, calls it with the current state, and returns an
// unsubscribe function.
func (n *notifier) subscribe(l Listener) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = l
	current := n.state
	n.mu.Unlock()

	l(current)

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

// publish records the new state and delivers it to every listener.
func (n *notifier) publish(s State) {
	n.mu.Lock()
	n.state = s
	ls := make([]Listener, 0, len(n.listeners))
	for _, l := range n.listeners {
		ls = append(ls, l)
	}
	n.mu.Unlock()

	for _, l := range ls {
		l(s)
	}
}

// current returns the last published state.
func (n *notifier) current() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}
