package tagcache

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// testLogger returns a logrus.Logger with output discarded, so test runs
// stay quiet even when exercising the degrade-and-warn paths.
func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakePool is a minimal, unsynchronized-enough-for-tests in-memory Pool,
// used by the unit tests in this package so they don't have to reach
// across to mempool (which itself imports this package).
type fakePool struct {
	mu   sync.Mutex
	data map[string][]byte

	failGet  bool
	getCalls int
}

func newFakePool() *fakePool {
	return &fakePool{data: make(map[string][]byte)}
}

func (p *fakePool) Get(_ context.Context, keys []string) (map[string][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls++
	if p.failGet {
		return nil, errFakePool
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := p.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (p *fakePool) SetIfAbsent(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.data[key]; ok {
		return false, nil
	}
	p.data[key] = value
	return true, nil
}

func (p *fakePool) Delete(_ context.Context, keys []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		delete(p.data, k)
	}
	return nil
}

func (p *fakePool) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[key] = value
	return nil
}

func (p *fakePool) Expire(_ context.Context, _ string, _ time.Duration) error {
	return nil
}

func (p *fakePool) Clear(_ context.Context, prefix string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prefix == "" {
		p.data = make(map[string][]byte)
		return nil
	}
	for k := range p.data {
		if strings.HasPrefix(k, prefix) {
			delete(p.data, k)
		}
	}
	return nil
}

var errFakePool = &fakePoolError{"fakepool: simulated backend failure"}

type fakePoolError struct{ msg string }

func (e *fakePoolError) Error() string { return e.msg }
