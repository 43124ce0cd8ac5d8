// Package memory provides an in-memory session store whose sessions expire
// after a period without updates.
package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tjfontaine/trialmatch/internal/core/domain"
	"github.com/tjfontaine/trialmatch/internal/core/ports"
)

// Defaults for New.
const (
	DefaultTTL             = 24 * time.Hour
	DefaultCleanupInterval = 10 * time.Minute
)

// Store is an in-memory implementation of ports.SessionStore. Each write
// refreshes the session's expiry.
type Store struct {
	cache *cache.Cache
	ttl   time.Duration
}

// New creates a new in-memory store. A ttl <= 0 uses DefaultTTL.
func New(ttl time.Duration) *Store {
	return NewWithCleanup(ttl, 0)
}

// NewWithCleanup creates a store that purges expired sessions every
// cleanup interval. A cleanup <= 0 uses DefaultCleanupInterval, capped at
// the ttl.
func NewWithCleanup(ttl, cleanup time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if cleanup <= 0 {
		cleanup = DefaultCleanupInterval
		if ttl < cleanup {
			cleanup = ttl
		}
	}
	return &Store{
		cache: cache.New(ttl, cleanup),
		ttl:   ttl,
	}
}

func (s *Store) Create(ctx context.Context, sess *domain.Session) error {
	if err := s.cache.Add(sess.ID, sess.Clone(), s.ttl); err != nil {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Session, error) {
	v, ok := s.cache.Get(id)
	if !ok {
		return nil, domain.ErrNotFound(fmt.Sprintf("session %s not found", id))
	}
	return v.(*domain.Session).Clone(), nil
}

func (s *Store) Put(ctx context.Context, sess *domain.Session) error {
	if err := s.cache.Replace(sess.ID, sess.Clone(), s.ttl); err != nil {
		return domain.ErrNotFound(fmt.Sprintf("session %s not found", sess.ID))
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, ok := s.cache.Get(id); !ok {
		return domain.ErrNotFound(fmt.Sprintf("session %s not found", id))
	}
	s.cache.Delete(id)
	return nil
}

func (s *Store) List(ctx context.Context, opts ports.ListOptions) ([]*domain.Session, error) {
	items := s.cache.Items()

	result := make([]*domain.Session, 0, len(items))
	for _, item := range items {
		result = append(result, item.Object.(*domain.Session))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return []*domain.Session{}, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	for i, sess := range result {
		result[i] = sess.Clone()
	}
	return result, nil
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	return s.cache.ItemCount()
}

func (s *Store) Close() error {
	s.cache.Flush()
	return nil
}
