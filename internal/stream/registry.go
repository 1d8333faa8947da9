package stream

import (
	"sync"
	"time"
)

// registry is the insertion-ordered set of subscription descriptors for
// one client. It survives reconnects and drives replay.
type registry struct {
	mu    sync.Mutex
	order []*Subscription
	index map[string]*Subscription
	byVID map[string]*Subscription
}

func newRegistry() *registry {
	return &registry{
		index: make(map[string]*Subscription),
		byVID: make(map[string]*Subscription),
	}
}

// add registers a descriptor, returning the existing one when the
// (channel, symbol, extra) key is already present.
func (r *registry) add(channel, symbol, extra string) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Subscription{Channel: channel, Symbol: symbol, Extra: extra}.Key()
	if s, ok := r.index[key]; ok {
		return *s
	}
	s := &Subscription{
		Channel:   channel,
		Symbol:    symbol,
		Extra:     extra,
		CreatedAt: time.Now(),
	}
	r.order = append(r.order, s)
	r.index[key] = s
	return *s
}

// remove drops a descriptor.
func (r *registry) remove(channel, symbol, extra string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Subscription{Channel: channel, Symbol: symbol, Extra: extra}.Key()
	s, ok := r.index[key]
	if !ok {
		return
	}
	delete(r.index, key)
	if s.VenueID != "" {
		delete(r.byVID, s.VenueID)
	}
	for i, cur := range r.order {
		if cur == s {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// setActive flips the active flag, stamping SubscribedAt on activation.
func (r *registry) setActive(channel, symbol, extra string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.index[Subscription{Channel: channel, Symbol: symbol, Extra: extra}.Key()]
	if !ok {
		return
	}
	s.Active = active
	now := time.Now()
	if active {
		s.SubscribedAt = now
	}
	s.LastUpdateAt = now
}

// bindVenueID attaches a venue-issued id to a descriptor.
func (r *registry) bindVenueID(channel, symbol, extra, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.index[Subscription{Channel: channel, Symbol: symbol, Extra: extra}.Key()]
	if !ok {
		return
	}
	if s.VenueID != "" {
		delete(r.byVID, s.VenueID)
	}
	s.VenueID = id
	r.byVID[id] = s
}

// byVenueID resolves a venue-issued id.
func (r *registry) byVenueID(id string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byVID[id]
	if !ok {
		return Subscription{}, false
	}
	return *s, true
}

// active returns the active descriptors in insertion order.
func (r *registry) active() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Subscription, 0, len(r.order))
	for _, s := range r.order {
		if s.Active {
			out = append(out, *s)
		}
	}
	return out
}

// all returns every descriptor in insertion order.
func (r *registry) all() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Subscription, 0, len(r.order))
	for _, s := range r.order {
		out = append(out, *s)
	}
	return out
}
