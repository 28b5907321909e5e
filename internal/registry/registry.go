// Package registry tracks which users and group rooms are live on this
// gateway instance. It is pure in-memory state: a map from user ID to that
// user's set of live connections, and a map from group ID to the set of user
// IDs currently joined to that room. It performs no I/O; presence persistence
// and fan-out live in other packages.
package registry

import "sync"

// Conn is the minimal surface the registry needs from a live connection.
// The ws package's Connection satisfies it; tests use lightweight fakes.
type Conn interface {
	Send(data []byte) error
}

// Registry is a thread-safe mapping of users to live connections and groups
// to joined members. Registry size is bounded by the concurrent connection
// count, not message volume, so a single coarse lock is sufficient.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[Conn]struct{}   // userID -> live connections
	rooms map[string]map[string]struct{} // groupID -> joined userIDs
}

// New creates an empty Registry ready for use.
func New() *Registry {
	return &Registry{
		users: make(map[string]map[Conn]struct{}),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Register adds a connection to the user's set. It returns true if this is
// the user's first live connection, i.e. the caller should fire an online
// presence transition.
func (r *Registry) Register(userID string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[userID]
	if !ok {
		set = make(map[Conn]struct{})
		r.users[userID] = set
	}
	set[c] = struct{}{}
	return !ok
}

// Unregister removes a connection from the user's set. It is idempotent:
// removing an already-absent connection is a no-op. It returns true if this
// removed the user's last live connection, i.e. the caller should fire an
// offline presence transition. Removal of the last connection removes the
// user's entry entirely.
func (r *Registry) Unregister(userID string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.users, userID)
		return true
	}
	return false
}

// ConnectionsFor returns a snapshot of the user's live connections. The
// returned slice is safe to iterate without holding the lock. Returns an
// empty slice for offline users.
func (r *Registry) ConnectionsFor(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.users[userID]
	conns := make([]Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// ConnectionCount returns the total number of live connections across all
// users (for health and metrics reporting).
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, set := range r.users {
		n += len(set)
	}
	return n
}

// Join adds a user to a group room's joined set.
func (r *Registry) Join(groupID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[groupID]
	if !ok {
		room = make(map[string]struct{})
		r.rooms[groupID] = room
	}
	room[userID] = struct{}{}
}

// Leave removes a user from a group room's joined set. Emptied rooms are
// removed from the map. Leaving a room the user never joined is a no-op.
func (r *Registry) Leave(groupID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(groupID, userID)
}

func (r *Registry) leaveLocked(groupID, userID string) {
	room, ok := r.rooms[groupID]
	if !ok {
		return
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(r.rooms, groupID)
	}
}

// MembersOf returns a snapshot of the user IDs currently joined to a group
// room. Returns an empty slice for unknown or empty rooms.
func (r *Registry) MembersOf(groupID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[groupID]
	members := make([]string, 0, len(room))
	for id := range room {
		members = append(members, id)
	}
	return members
}

// LeaveAll removes the user from every room they are joined to and returns
// the IDs of the rooms that were left. The supervisor calls this during
// connection teardown so dead connections do not linger in room rosters.
func (r *Registry) LeaveAll(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for groupID, room := range r.rooms {
		if _, ok := room[userID]; ok {
			left = append(left, groupID)
			r.leaveLocked(groupID, userID)
		}
	}
	return left
}
