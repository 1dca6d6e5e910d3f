package users

import "sync/atomic"

// Manager holds a hot-swappable Repository, the same atomic.Value
// snapshot pattern internal/router uses for its routing table: reads
// are lock-free, writes (reload) serialize on whatever calls Store.
type Manager struct {
	current atomic.Value // holds Repository
}

// NewManager wraps an initial Repository in a Manager.
func NewManager(initial Repository) *Manager {
	m := &Manager{}
	m.current.Store(initial)
	return m
}

// LookupPasswordSHA1 implements Repository by delegating to the current
// snapshot. Lock-free on the hot auth path.
func (m *Manager) LookupPasswordSHA1(service, username string) (digest [DigestLen]byte, found bool) {
	repo := m.current.Load().(Repository)
	return repo.LookupPasswordSHA1(service, username)
}

// Swap installs a new Repository, replacing whatever was active.
// Connections already mid-auth keep consulting the repository they
// looked up before the swap, since Repository values are immutable.
func (m *Manager) Swap(repo Repository) {
	m.current.Store(repo)
}
