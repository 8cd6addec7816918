package user

import (
	"sort"
	"sync"

	"github.com/roelfdiedericks/fallgate/internal/config"
)

// Registry maintains the set of known users
type Registry struct {
	users map[string]*User
	mu    sync.RWMutex
}

// NewRegistry creates a user registry from config entries.
// Later entries with the same ID replace earlier ones.
func NewRegistry(entries []config.UserEntry) *Registry {
	r := &Registry{users: make(map[string]*User)}
	for _, e := range entries {
		r.Put(&User{ID: e.ID, Name: e.Name, Role: ParseRole(e.Role)})
	}
	return r
}

// Put adds or replaces a user.
func (r *Registry) Put(u *User) {
	if u == nil || NormalizeID(u.ID) == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u.ID = NormalizeID(u.ID)
	r.users[u.ID] = u
}

// Get returns a user by their ID
// Returns nil if not found
func (r *Registry) Get(id string) *User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[NormalizeID(id)]
}

// IsPrivileged reports whether id belongs to an owner or pro user.
func (r *Registry) IsPrivileged(id string) bool {
	return r.Get(id).IsPrivileged()
}

// List returns all users sorted by ID
func (r *Registry) List() []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// Count returns the number of registered users
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
