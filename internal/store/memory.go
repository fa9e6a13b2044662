package store

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

// Memory is an in-memory backend implementation using otter.
// The generic type T represents the record type being stored.
type Memory[T any] struct {
	cache   *otter.Cache[string, T]
	counter *stats.Counter
}

// Compile-time check to ensure Memory implements Backend
var _ Backend[struct{}] = (*Memory[struct{}])(nil)

// NewMemory creates a new in-memory backend bounded to maxSize records. When
// maxAge is positive, records expire that long after they were last written.
func NewMemory[T any](maxAge time.Duration, maxSize int) (*Memory[T], error) {
	counter := stats.NewCounter()
	opts := &otter.Options[string, T]{
		MaximumSize:   maxSize,
		StatsRecorder: counter,
	}
	if maxAge > 0 {
		opts.ExpiryCalculator = otter.ExpiryWriting[string, T](maxAge)
	}

	return &Memory[T]{
		cache:   otter.Must(opts),
		counter: counter,
	}, nil
}

func (m *Memory[T]) Get(ctx context.Context, key string) (T, bool, error) {
	value, ok := m.cache.GetIfPresent(key)
	return value, ok, nil
}

func (m *Memory[T]) Set(ctx context.Context, key string, record T) error {
	m.cache.Set(key, record)
	return nil
}

func (m *Memory[T]) Invalidate(ctx context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}

func (m *Memory[T]) List(ctx context.Context) ([]T, error) {
	records := make([]T, 0, m.cache.EstimatedSize())
	for _, v := range m.cache.All() {
		records = append(records, v)
	}
	return records, nil
}

func (m *Memory[T]) Clear(ctx context.Context) error {
	m.cache.InvalidateAll()
	return nil
}

// Close is a no-op: the cache holds no external resources.
func (m *Memory[T]) Close() error {
	return nil
}
