package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("catalog entry not found")
	ErrAlreadyExists = errors.New("catalog entry already exists")
	ErrInvalid       = errors.New("invalid catalog entry")
)

// Repo is a bounded in-memory store for one catalog entity type. Entries
// keep their insertion order when listed.
type Repo[T any] struct {
	mu       sync.RWMutex
	name     string
	key      func(T) string
	setKey   func(*T, string)
	validate func(T) error
	items    map[string]T
	order    []string
}

func NewRepo[T any](name string, key func(T) string, setKey func(*T, string), validate func(T) error) *Repo[T] {
	return &Repo[T]{
		name:     name,
		key:      key,
		setKey:   setKey,
		validate: validate,
		items:    make(map[string]T),
	}
}

func (r *Repo[T]) Create(ctx context.Context, item T) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if r.key(item) == "" {
		r.setKey(&item, uuid.NewString())
	}
	if r.validate != nil {
		if err := r.validate(item); err != nil {
			return zero, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.key(item)
	if _, exists := r.items[id]; exists {
		return zero, fmt.Errorf("%w: %s %s", ErrAlreadyExists, r.name, id)
	}
	r.items[id] = item
	r.order = append(r.order, id)
	return item, nil
}

func (r *Repo[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[id]
	if !ok {
		return zero, fmt.Errorf("%w: %s %s", ErrNotFound, r.name, id)
	}
	return item, nil
}

func (r *Repo[T]) Update(ctx context.Context, id string, mutate func(*T) error) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return zero, fmt.Errorf("%w: %s %s", ErrNotFound, r.name, id)
	}
	if err := mutate(&item); err != nil {
		return zero, err
	}
	r.setKey(&item, id)
	if r.validate != nil {
		if err := r.validate(item); err != nil {
			return zero, err
		}
	}
	r.items[id] = item
	return item, nil
}

func (r *Repo[T]) List(ctx context.Context) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]T, 0, len(r.order))
	for _, id := range r.order {
		items = append(items, r.items[id])
	}
	return items, nil
}

func (r *Repo[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
