package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "sentinel-kernel/internal/errors"
)

// LocalResolver is an in-process reference implementation of Resolver,
// used for tests and chain-free deployments that publish identity records
// out of band rather than through a real naming registry.
type LocalResolver struct {
	mu        sync.RWMutex
	addresses map[string]common.Address
	texts     map[string]map[string]string
}

// NewLocalResolver constructs an empty LocalResolver.
func NewLocalResolver() *LocalResolver {
	return &LocalResolver{
		addresses: make(map[string]common.Address),
		texts:     make(map[string]map[string]string),
	}
}

// SetAddress registers name's resolved address, for test setup.
func (r *LocalResolver) SetAddress(name string, addr common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addresses[name] = addr
}

// SetText registers a text record for name, for test setup.
func (r *LocalResolver) SetText(name, key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.texts[name] == nil {
		r.texts[name] = make(map[string]string)
	}
	r.texts[name][key] = value
}

// ResolveAddress returns name's registered address, or CodeNotRegistered
// if none was set.
func (r *LocalResolver) ResolveAddress(_ context.Context, name string) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.addresses[name]
	if !ok {
		return common.Address{}, xerrors.New(CodeNotRegistered, fmt.Sprintf("name %q has no registered address", name))
	}
	return addr, nil
}

// Text returns the value of key under name, or "" if unset.
func (r *LocalResolver) Text(_ context.Context, name, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.texts[name][key], nil
}
