package identity

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ChangeFunc is notified when the identity held in a file is replaced or
// removed. The previous identity is supplied so that tokens minted for it can
// be cleaned up.
type ChangeFunc func(ctx context.Context, previous Identity)

// File is a Provider reading the identity from a YAML document written by the
// device checkin process. The file is re-read on every Resolve so that a
// re-registration of the device is observed.
type File struct {
	path string

	mu       sync.RWMutex
	current  *Identity
	onChange []ChangeFunc
}

// Compile-time check to ensure File implements Provider
var _ Provider = (*File)(nil)

// NewFile creates a provider for the identity file at path. No I/O is
// performed until the first Resolve.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("identity file path cannot be empty")
	}

	return &File{path: path}, nil
}

// OnChange registers a function called when a previously resolved identity is
// replaced by a different one, or the file disappears.
func (f *File) OnChange(fn ChangeFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onChange = append(f.onChange, fn)
}

func (f *File) Resolve(ctx context.Context) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	loaded, err := f.read()
	if err != nil {
		if os.IsNotExist(err) {
			f.replace(ctx, nil)
		}
		return Identity{}, err
	}

	f.replace(ctx, &loaded)

	return loaded, nil
}

func (f *File) Current() (Identity, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.current == nil {
		return Identity{}, false
	}
	return *f.current, true
}

func (f *File) read() (Identity, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return Identity{}, err
	}

	var id Identity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return Identity{}, fmt.Errorf("parsing identity file %s: %w", f.path, err)
	}

	if err := id.Validate(); err != nil {
		return Identity{}, fmt.Errorf("identity file %s: %w", f.path, err)
	}

	return id, nil
}

// replace swaps the current identity and notifies listeners when a known
// identity was replaced or removed.
func (f *File) replace(ctx context.Context, next *Identity) {
	f.mu.Lock()
	previous := f.current
	f.current = next
	listeners := f.onChange
	f.mu.Unlock()

	if previous == nil {
		return
	}
	if next != nil && next.InstanceID == previous.InstanceID {
		return
	}

	log.Info().
		Str("previous", previous.InstanceID).
		Msg("identity: installation changed, clearing tokens for previous identity")

	for _, fn := range listeners {
		fn(ctx, *previous)
	}
}
