package presence

import "sync"

// Registry tracks which users have at least one live connection on this
// process. It is the only shared mutable in-memory structure outside the hub,
// so all access goes through the mutex; callers never see the raw map.
type Registry struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{} // userID -> set of connection ids
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]map[string]struct{})}
}

// MarkOnline records a connection for the user. It returns true only on the
// transition from zero to one connections, the genuine "came online" event
// worth broadcasting. Additional devices return false.
func (r *Registry) MarkOnline(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		r.conns[userID] = set
	}
	first := len(set) == 0
	set[connID] = struct{}{}
	return first
}

// MarkOffline removes a connection and returns true only when the user's
// connection set becomes empty (the genuine "went offline" event).
func (r *Registry) MarkOffline(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userID]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.conns, userID)
		return true
	}
	return false
}

// OnlineUsers returns a snapshot of user ids with at least one connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.conns))
	for id := range r.conns {
		users = append(users, id)
	}
	return users
}

// IsOnline reports whether the user currently has any connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[userID]) > 0
}
