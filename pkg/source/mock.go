package source

import (
	"context"
	"sync"

	"github.com/gridsight/gridsight/pkg/types"
)

// Mock is a scriptable Source for tests and local development.
type Mock struct {
	mu      sync.Mutex
	reading types.Reading
	err     error
	samples int
}

// NewMock creates a Mock that returns the given reading until changed.
func NewMock(r types.Reading) *Mock {
	return &Mock{reading: r}
}

// SetReading changes the reading returned by Sample.
func (m *Mock) SetReading(r types.Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reading = r
	m.err = nil
}

// SetError makes Sample fail until SetReading is called.
func (m *Mock) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Samples returns how many times Sample has been called.
func (m *Mock) Samples() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples
}

// Sample implements Source.
func (m *Mock) Sample(ctx context.Context) (types.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples++
	if m.err != nil {
		return types.Reading{}, m.err
	}
	return m.reading, nil
}
