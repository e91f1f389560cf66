package wallet

import (
	"sync"

	"github.com/Klingon-tech/klingwatch/pkg/types"
)

// EventKind classifies a wallet notification.
type EventKind string

// Notification kinds. KindAny observers receive every notification
// with the concrete kind set.
const (
	KindAdded        EventKind = "added"
	KindConfirmed    EventKind = "confirmed"
	KindRemoved      EventKind = "removed"
	KindReady        EventKind = "ready"
	KindConnected    EventKind = "connected"
	KindDisconnected EventKind = "disconnected"
	KindError        EventKind = "error"
	KindAny          EventKind = "any"
)

// Notification carries one wallet event to observers. Tx is set for
// transaction events, State for ready events, and Err for error
// events; connection-level notifications carry no payload.
type Notification struct {
	Kind    EventKind
	Address string
	Tx      *types.Transaction
	State   *types.AddressState
	Err     error
}

// SubscriptionID identifies one registered observer.
type SubscriptionID int64

type subscription struct {
	id SubscriptionID
	fn func(Notification)
}

// registry holds observers per event kind. Multiple observers may
// subscribe to the same kind; each is keyed by a disposable id.
type registry struct {
	mu   sync.Mutex
	next SubscriptionID
	subs map[EventKind][]subscription
}

// subscribe registers fn for the given kind and returns its id.
func (r *registry) subscribe(kind EventKind, fn func(Notification)) SubscriptionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		r.subs = make(map[EventKind][]subscription)
	}
	r.next++
	id := r.next
	r.subs[kind] = append(r.subs[kind], subscription{id: id, fn: fn})
	return id
}

// unsubscribe removes exactly the callback registered under id.
func (r *registry) unsubscribe(id SubscriptionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, subs := range r.subs {
		for i, s := range subs {
			if s.id == id {
				r.subs[kind] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// notify delivers n to the kind's observers and then to the catch-all
// observers, in registration order. The observer list is snapshotted
// before delivery, so unsubscribing from within a callback is safe.
func (r *registry) notify(n Notification) {
	r.mu.Lock()
	fns := make([]func(Notification), 0, len(r.subs[n.Kind])+len(r.subs[KindAny]))
	for _, s := range r.subs[n.Kind] {
		fns = append(fns, s.fn)
	}
	for _, s := range r.subs[KindAny] {
		fns = append(fns, s.fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}
