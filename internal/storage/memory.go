package storage

import (
	"context"
	"log/slog"
	"sync"
)

// memStore is an in-memory Store, modeled on dexidp/dex's storage/memory
// package: one mutex, plain Go maps, update-by-closure semantics.
type memStore struct {
	mu sync.Mutex

	logger *slog.Logger

	clients       map[string]Client
	users         map[string]User // by id
	usersByEmail  map[string]string // email -> id
	sessions      map[string]Session
	authCodes     map[string]AuthCode
	refreshTokens map[string]RefreshToken
	keys          []JWK
}

// NewMemory returns a Store backed by in-process maps. Suitable for tests
// and single-instance deployments.
func NewMemory(logger *slog.Logger) Store {
	return &memStore{
		logger:        logger,
		clients:       make(map[string]Client),
		users:         make(map[string]User),
		usersByEmail:  make(map[string]string),
		sessions:      make(map[string]Session),
		authCodes:     make(map[string]AuthCode),
		refreshTokens: make(map[string]RefreshToken),
	}
}

func (m *memStore) Close() error { return nil }

// SeedClient and SeedUser let tests populate a memory store directly,
// since there is no admin-CRUD surface in this core
// (out of scope per spec).
func (m *memStore) SeedClient(c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = c
}

func (m *memStore) SeedUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.usersByEmail[u.Email] = u.ID
}

func (m *memStore) GetClient(_ context.Context, id string) (Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return Client{}, ErrNotFound
	}
	return c, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.usersByEmail[email]
	if !ok {
		return User{}, ErrNotFound
	}
	return m.users[id], nil
}

func (m *memStore) GetUserByID(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *memStore) UpdateUser(_ context.Context, id string, updater func(User) (User, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	nu, err := updater(u)
	if err != nil {
		return err
	}
	m.users[id] = nu
	return nil
}

func (m *memStore) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *memStore) UpdateSession(_ context.Context, id string, updater func(Session) (Session, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	ns, err := updater(s)
	if err != nil {
		return err
	}
	m.sessions[id] = ns
	return nil
}

func (m *memStore) CreateAuthCode(_ context.Context, c AuthCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authCodes[c.ID] = c
	return nil
}

func (m *memStore) GetAuthCode(_ context.Context, id string) (AuthCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.authCodes[id]
	if !ok {
		return AuthCode{}, ErrNotFound
	}
	return c, nil
}

// DeleteAuthCode is idempotent the way dex's storage contract requires
// deletes to be atomic: a second caller racing the first simply observes
// ErrNotFound, which the single-use consumption logic in internal/store
// treats as "already redeemed".
func (m *memStore) DeleteAuthCode(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.authCodes[id]; !ok {
		return ErrNotFound
	}
	delete(m.authCodes, id)
	return nil
}

func (m *memStore) CreateRefreshToken(_ context.Context, rt RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshTokens[rt.Handle] = rt
	return nil
}

func (m *memStore) GetRefreshToken(_ context.Context, handle string) (RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.refreshTokens[handle]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	return rt, nil
}

func (m *memStore) UpdateRefreshToken(_ context.Context, handle string, updater func(RefreshToken) (RefreshToken, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.refreshTokens[handle]
	if !ok {
		return ErrNotFound
	}
	nrt, err := updater(rt)
	if err != nil {
		return err
	}
	m.refreshTokens[handle] = nrt
	return nil
}

func (m *memStore) DeleteRefreshToken(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refreshTokens, handle)
	return nil
}

func (m *memStore) InvalidateAllRefreshTokensForUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, rt := range m.refreshTokens {
		if rt.UserID == userID {
			delete(m.refreshTokens, h)
		}
	}
	return nil
}

func (m *memStore) GetKeys(_ context.Context) ([]JWK, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JWK, len(m.keys))
	copy(out, m.keys)
	return out, nil
}

func (m *memStore) PutKeys(_ context.Context, keys []JWK) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, keys...)
	return nil
}

// AsMemory exposes the concrete memory store so callers (tests) can seed
// clients and users. Returns nil if s is not a memory
// store.
func AsMemory(s Store) *memStore {
	if m, ok := s.(*memStore); ok {
		return m
	}
	return nil
}
