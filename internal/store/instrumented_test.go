package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBackend is a mock implementation of Backend for testing.
type mockBackend[T any] struct {
	getValue  T
	getFound  bool
	getError  error
	setError  error
	invError  error
	listValue []T
	listError error
	clearErr  error
	closeErr  error
	getCalls  int
	setCalls  int
	invCalls  int
	listCalls int
}

func (m *mockBackend[T]) Get(ctx context.Context, key string) (T, bool, error) {
	m.getCalls++
	return m.getValue, m.getFound, m.getError
}

func (m *mockBackend[T]) Set(ctx context.Context, key string, record T) error {
	m.setCalls++
	return m.setError
}

func (m *mockBackend[T]) Invalidate(ctx context.Context, key string) error {
	m.invCalls++
	return m.invError
}

func (m *mockBackend[T]) List(ctx context.Context) ([]T, error) {
	m.listCalls++
	return m.listValue, m.listError
}

func (m *mockBackend[T]) Clear(ctx context.Context) error {
	return m.clearErr
}

func (m *mockBackend[T]) Close() error {
	return m.closeErr
}

func TestInstrumented_Get(t *testing.T) {
	tests := []struct {
		name  string
		mock  *mockBackend[string]
		value string
		found bool
	}{
		{
			name:  "hit",
			mock:  &mockBackend[string]{getValue: "test-token", getFound: true},
			value: "test-token",
			found: true,
		},
		{
			name: "miss",
			mock: &mockBackend[string]{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			instrumented := NewInstrumented(tt.mock, "test")

			value, found, err := instrumented.Get(context.Background(), "test-key")

			require.NoError(t, err)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.value, value)
			assert.Equal(t, 1, tt.mock.getCalls)
		})
	}
}

func TestInstrumented_Get_Error(t *testing.T) {
	expectedErr := errors.New("store error")
	mock := &mockBackend[string]{getError: expectedErr}

	instrumented := NewInstrumented(mock, "test")

	_, found, err := instrumented.Get(context.Background(), "test-key")

	assert.Equal(t, expectedErr, err)
	assert.False(t, found)
}

func TestInstrumented_PassesThroughErrors(t *testing.T) {
	setErr := errors.New("set error")
	invErr := errors.New("invalidate error")
	listErr := errors.New("list error")
	clearErr := errors.New("clear error")
	closeErr := errors.New("close error")

	mock := &mockBackend[string]{
		setError:  setErr,
		invError:  invErr,
		listError: listErr,
		clearErr:  clearErr,
		closeErr:  closeErr,
	}
	instrumented := NewInstrumented(mock, "test")
	ctx := context.Background()

	assert.Equal(t, setErr, instrumented.Set(ctx, "k", "v"))
	assert.Equal(t, invErr, instrumented.Invalidate(ctx, "k"))
	_, err := instrumented.List(ctx)
	assert.Equal(t, listErr, err)
	assert.Equal(t, clearErr, instrumented.Clear(ctx))
	assert.Equal(t, closeErr, instrumented.Close())

	assert.Equal(t, 1, mock.setCalls)
	assert.Equal(t, 1, mock.invCalls)
	assert.Equal(t, 1, mock.listCalls)
}

func TestInstrumented_List(t *testing.T) {
	mock := &mockBackend[string]{listValue: []string{"a", "b"}}
	instrumented := NewInstrumented(mock, "test")

	records, err := instrumented.List(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, records)
}
