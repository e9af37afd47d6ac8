package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// LoadSeedFile parses a JSON array of seed accounts. Operators point the
// engine at such a file to bootstrap validator and operator credentials
// without baking passwords into the main configuration.
func LoadSeedFile(path string) ([]Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seeds []Seed
	if err := json.Unmarshal(raw, &seeds); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for i, seed := range seeds {
		if strings.TrimSpace(seed.Username) == "" {
			return nil, fmt.Errorf("seed file %s: entry %d has no username", path, i)
		}
	}
	return seeds, nil
}

// MemoryStore keeps accounts in process memory. It backs development and
// test deployments where a database is not worth the setup cost.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]*User
	byID   map[int64]*Subject
	nextID int64
}

// NewMemoryStore builds a store pre-populated with the given seeds. When a
// username appears more than once the first entry wins.
func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{
		users:  make(map[string]*User),
		byID:   make(map[int64]*Subject),
		nextID: 1,
	}
	for _, seed := range seeds {
		username := strings.TrimSpace(seed.Username)
		if username == "" {
			continue
		}
		if _, dup := store.users[username]; dup {
			continue
		}
		if err := store.ApplySeed(context.Background(), seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// ApplySeed upserts one account together with its roles and permissions.
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed user requires a username")
	}
	hashed, err := HashPassword(seed.Password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]*User)
	}
	if s.byID == nil {
		s.byID = make(map[int64]*Subject)
	}
	user, ok := s.users[username]
	if !ok {
		if s.nextID == 0 {
			s.nextID = 1
		}
		user = &User{ID: s.nextID}
		s.nextID++
	}
	user.Username = username
	user.PasswordHash = hashed
	user.Disabled = seed.Disabled
	s.users[username] = user
	s.byID[user.ID] = seedSubject(user.ID, username, seed)
	return nil
}

// seedSubject builds the normalised subject view of a seed entry.
func seedSubject(id int64, username string, seed Seed) *Subject {
	subject := &Subject{
		ID:          id,
		Username:    username,
		Roles:       canonicalSet(seed.Roles),
		Permissions: canonicalSet(seed.Permissions),
		Disabled:    seed.Disabled,
	}
	subject.normalise()
	return subject
}

// FindUserByUsername returns a copy of the stored account record.
func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[strings.TrimSpace(username)]
	if !ok {
		return nil, errors.New("user not found")
	}
	clone := *user
	return &clone, nil
}

// LoadSubject returns a copy of the subject including roles and permissions.
func (s *MemoryStore) LoadSubject(_ context.Context, userID int64) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subject, ok := s.byID[userID]
	if !ok {
		return nil, errors.New("subject not found")
	}
	return subject.Clone(), nil
}

// canonicalSet lowercases, trims, dedupes and sorts the given values.
func canonicalSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		seen[value] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for value := range seen {
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
