package transport

import "sync"

// Handler receives frames without a large payload.
type Handler func(status int16, payload string)

// LargeHandler receives frames that carry a large payload.
type LargeHandler func(status int16, payload string, large []byte)

// Routes maps route names to handlers. Plain and large handlers live in
// separate tables; registering a name again replaces the previous handler.
type Routes struct {
	mu    sync.RWMutex
	plain map[string]Handler
	large map[string]LargeHandler
}

// NewRoutes creates an empty route table.
func NewRoutes() *Routes {
	return &Routes{
		plain: make(map[string]Handler),
		large: make(map[string]LargeHandler),
	}
}

// Handle registers h for frames on route without a large payload.
func (r *Routes) Handle(route string, h Handler) {
	r.mu.Lock()
	r.plain[route] = h
	r.mu.Unlock()
}

// HandleLarge registers h for frames on route that carry a large payload.
func (r *Routes) HandleLarge(route string, h LargeHandler) {
	r.mu.Lock()
	r.large[route] = h
	r.mu.Unlock()
}

// Dispatch runs the handler selected by f and reports whether one existed.
func (r *Routes) Dispatch(f Frame) bool {
	if len(f.Large) > 0 {
		r.mu.RLock()
		h, ok := r.large[f.Route]
		r.mu.RUnlock()
		if ok {
			h(f.Status, f.Payload, f.Large)
		}
		return ok
	}

	r.mu.RLock()
	h, ok := r.plain[f.Route]
	r.mu.RUnlock()
	if ok {
		h(f.Status, f.Payload)
	}
	return ok
}
