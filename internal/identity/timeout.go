package identity

import (
	"context"
	"fmt"
	"time"
)

type timeoutResolver struct {
	inner   Resolver
	timeout time.Duration
}

// WithTimeout bounds every Resolve call. A resolver that does not honor
// its context is abandoned once the deadline passes.
func WithTimeout(inner Resolver, timeout time.Duration) Resolver {
	if timeout <= 0 {
		return inner
	}
	return &timeoutResolver{inner: inner, timeout: timeout}
}

type resolveResult struct {
	vm  *VerificationMethod
	err error
}

func (t *timeoutResolver) Resolve(ctx context.Context, did string, fragment string) (*VerificationMethod, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	result := make(chan resolveResult, 1)
	go func() {
		vm, err := t.inner.Resolve(ctx, did, fragment)
		result <- resolveResult{vm, err}
	}()
	select {
	case r := <-result:
		return r.vm, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %v: %w", ErrResolverTimeout, t.timeout, ctx.Err())
	}
}
