// Package power provides wake-lock provider implementations. On hosts
// without suspend semantics the noop provider satisfies the interface; the
// counting provider backs tests that assert lock discipline.
package power

import (
	"sync"

	"github.com/tunnelworks/underlay/pkg"
)

// NoopProvider hands out wake locks that do nothing.
type NoopProvider struct{}

type noopLock struct{}

func (noopLock) Acquire() {}
func (noopLock) Release() {}

// NewWakeLock returns a no-op lock for the tag.
func (NoopProvider) NewWakeLock(tag string) pkg.WakeLock {
	return noopLock{}
}

// CountingProvider hands out locks that count acquire/release calls, for
// verifying balanced lock usage in tests.
type CountingProvider struct {
	mu    sync.Mutex
	locks map[string]*CountingLock
}

// NewCountingProvider creates an empty counting provider.
func NewCountingProvider() *CountingProvider {
	return &CountingProvider{locks: make(map[string]*CountingLock)}
}

// NewWakeLock returns the lock for the tag, creating it on first use.
func (p *CountingProvider) NewWakeLock(tag string) pkg.WakeLock {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.locks[tag]; ok {
		return l
	}
	l := &CountingLock{}
	p.locks[tag] = l
	return l
}

// Lock returns the lock registered for tag, or nil.
func (p *CountingProvider) Lock(tag string) *CountingLock {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locks[tag]
}

// CountingLock records acquire and release counts.
type CountingLock struct {
	mu       sync.Mutex
	acquires int
	releases int
}

// Acquire increments the acquire count.
func (l *CountingLock) Acquire() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
}

// Release increments the release count.
func (l *CountingLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
}

// Counts returns the acquire and release counts.
func (l *CountingLock) Counts() (acquires, releases int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquires, l.releases
}
