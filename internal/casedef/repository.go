package casedef

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Repository serves parsed, validated definitions. Definitions are immutable,
// so a loaded case is cached for the life of the process.
type Repository struct {
	source Source
	group  singleflight.Group

	mu    sync.RWMutex
	cache map[string]*Definition
}

func NewRepository(source Source) *Repository {
	return &Repository{source: source, cache: map[string]*Definition{}}
}

func (r *Repository) Get(ctx context.Context, caseID string) (*Definition, error) {
	r.mu.RLock()
	def, ok := r.cache[caseID]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}

	v, err, _ := r.group.Do(caseID, func() (interface{}, error) {
		raw, err := r.source.Fetch(ctx, caseID)
		if err != nil {
			return nil, err
		}
		def, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		if def.ID == "" {
			def.ID = caseID
		}
		r.mu.Lock()
		r.cache[caseID] = def
		r.mu.Unlock()
		return def, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Definition), nil
}
