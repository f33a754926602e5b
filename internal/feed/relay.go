package feed

import "sync/atomic"

// Relay forwards to a Publisher attached after construction. Until Attach
// is called, and after Close, events are dropped.
type Relay struct {
	target atomic.Pointer[Publisher]
}

// Attach makes p the receiver of all further events.
func (r *Relay) Attach(p Publisher) {
	r.target.Store(&p)
}

func (r *Relay) load() Publisher {
	if p := r.target.Load(); p != nil {
		return *p
	}
	return Nop{}
}

func (r *Relay) ModuleStatus(ev StatusEvent) { r.load().ModuleStatus(ev) }

func (r *Relay) Callback(ev CallbackEvent) { r.load().Callback(ev) }

// Close closes the attached publisher and detaches it.
func (r *Relay) Close() {
	if p := r.target.Swap(nil); p != nil {
		(*p).Close()
	}
}
