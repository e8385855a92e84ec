package cmio

import (
	"context"

	"github.com/cloudmailing/cm/mlog"
)

var pkglog = mlog.New("cmio", nil)

// Pool bounds the number of concurrent executions of blocking work, such as
// message customization, report application and recipient selection.
type Pool struct {
	sem chan struct{}
}

// NewPool returns a pool running at most n functions at a time. n < 1 is
// treated as 1.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{make(chan struct{}, n)}
}

// Do waits for a free slot and calls fn. If ctx is done before a slot is free,
// ctx.Err() is returned without calling fn.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()
	return fn()
}

// Size returns the maximum concurrency.
func (p *Pool) Size() int {
	return cap(p.sem)
}
