package bt

import (
	"sync"
)

type disconnectRoute struct {
	id      uint64
	handler func(error)
}

// disconnectRouter delivers adapter-level disconnect events to the owner of
// a connection. Registrations carry an id so an owner only ever removes its
// own route, and disconnects we start ourselves are swallowed instead of
// reaching whoever registered the address next.
type disconnectRouter struct {
	mu         sync.Mutex
	nextID     uint64
	routes     map[string]disconnectRoute
	suppressed map[string]int
}

func newDisconnectRouter() *disconnectRouter {
	return &disconnectRouter{
		routes:     make(map[string]disconnectRoute),
		suppressed: make(map[string]int),
	}
}

// register routes the next disconnect for key to handler and returns the
// registration id
func (r *disconnectRouter) register(key string, handler func(error)) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.routes[key] = disconnectRoute{id: r.nextID, handler: handler}
	return r.nextID
}

// unregister removes the route for key if it is still registration id
func (r *disconnectRouter) unregister(key string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if route, ok := r.routes[key]; ok && route.id == id {
		delete(r.routes, key)
	}
}

// expectLocalDisconnect marks the next disconnect event for key as one we
// caused. The returned func withdraws the mark if no event is coming.
func (r *disconnectRouter) expectLocalDisconnect(key string) (cancel func()) {
	r.mu.Lock()
	r.suppressed[key]++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.suppressed[key] > 0 {
				r.suppressed[key]--
			}
			if r.suppressed[key] == 0 {
				delete(r.suppressed, key)
			}
		})
	}
}

// dispatch handles a disconnect event for key. It reports whether a handler
// was called.
func (r *disconnectRouter) dispatch(key string, reason error) bool {
	r.mu.Lock()
	if n := r.suppressed[key]; n > 0 {
		if n == 1 {
			delete(r.suppressed, key)
		} else {
			r.suppressed[key] = n - 1
		}
		r.mu.Unlock()
		return false
	}
	route, ok := r.routes[key]
	if ok {
		delete(r.routes, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	route.handler(reason)
	return true
}

// disconnectLocally runs disconnect with the resulting event for key
// suppressed. A failed disconnect produces no event, so the mark is
// withdrawn.
func (r *disconnectRouter) disconnectLocally(key string, disconnect func() error) error {
	withdraw := r.expectLocalDisconnect(key)
	if err := disconnect(); err != nil {
		withdraw()
		return err
	}
	return nil
}
