package taskhandler

import (
	"sync"

	"github.com/jkbrsn/threadsafe"
	"github.com/rs/zerolog"
)

// entry is a live task and the function that disarms whatever will run it.
type entry struct {
	ref    *TaskRef
	cancel func()
}

// registry is the ID -> entry table of live tasks. At most one entry exists per ID.
type registry struct {
	log zerolog.Logger

	// mu serializes compound mutations; lookups go straight to the map
	mu      sync.Mutex
	entries threadsafe.Map[string, *entry]
}

func newRegistry(logger zerolog.Logger) *registry {
	return &registry{
		log:     logger,
		entries: threadsafe.NewRWMutexMap[string](equalEntries),
	}
}

// schedule cancels any live entry under id, then creates and stores the new one. The factory
// runs with the registry locked and must not call back into it. The side effects of the
// replaced task are collected into replaced, which the new task exposes.
func (r *registry) schedule(
	id string,
	replaced *Cancellation,
	factory func() (*TaskRef, func()),
) *TaskRef {
	r.mu.Lock()
	defer r.mu.Unlock()

	// The old entry is always disarmed; its task is cancelled unless already settling
	old, existed := r.entries.Get(id)
	if existed {
		r.entries.Delete(id)
		old.cancel()
		old.ref.cancelled(replaced)
	}
	ref, cancel := factory()
	if existed {
		ref.replaced = replaced
		r.log.Debug().Str("id", id).Str("type", ref.typ).Msg("Replacing task")
	}
	if cancel == nil {
		cancel = func() {}
	}
	r.entries.Set(id, &entry{ref: ref, cancel: cancel})
	return ref
}

// cancel cancels the live entry of every given id, collecting hook side effects into c.
func (r *registry) cancel(c *Cancellation, ids ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, id := range ids {
		if r.cancelLocked(id, c) {
			n++
		}
	}
	return n
}

// cancelRef cancels ref, removing its entry only if the entry still belongs to it.
func (r *registry) cancelRef(ref *TaskRef, c *Cancellation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := ref.Status()
	if status.Complete || status.Resolving {
		return
	}
	if e, ok := r.entries.Get(ref.id); ok && e.ref == ref {
		r.entries.Delete(ref.id)
		e.cancel()
	}
	ref.cancelled(c)
}

// clear cancels every entry registered when it is called.
func (r *registry) clear(c *Cancellation) int {
	return r.cancel(c, r.ids()...)
}

// release removes the entry of ref and disarms it, if the entry still belongs to ref. It is
// used when a task settles on its own.
func (r *registry) release(ref *TaskRef) {
	r.mu.Lock()
	e, ok := r.entries.Get(ref.id)
	if !ok || e.ref != ref {
		r.mu.Unlock()
		return
	}
	r.entries.Delete(ref.id)
	r.mu.Unlock()

	e.cancel()
}

// has reports whether every id has a live entry.
func (r *registry) has(ids ...string) bool {
	for _, id := range ids {
		if _, ok := r.entries.Get(id); !ok {
			return false
		}
	}
	return true
}

// size returns the number of live entries.
func (r *registry) size() int {
	return r.entries.Len()
}

// ids returns a snapshot of the registered IDs.
func (r *registry) ids() []string {
	var ids []string
	r.entries.Range(func(id string, _ *entry) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// cancelLocked removes and cancels the entry under id. An entry whose task is complete or
// resolving is left in place. Assumes r.mu is held.
func (r *registry) cancelLocked(id string, c *Cancellation) bool {
	e, ok := r.entries.Get(id)
	if !ok {
		return false
	}
	status := e.ref.Status()
	if status.Complete || status.Resolving {
		return false
	}
	r.entries.Delete(id)
	e.cancel()
	if !e.ref.cancelled(c) {
		return false
	}
	r.log.Debug().Str("id", id).Str("type", e.ref.typ).Msg("Cancelled task")
	return true
}

// equalEntries returns true if the two entries hold the same task.
func equalEntries(e1, e2 *entry) bool {
	return e1.ref == e2.ref
}
