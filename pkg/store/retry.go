package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
)

// Retrier wraps a kernel's read operations with fixed-delay, bounded
// retries for transient failures. Writes pass straight through: the
// commit pipeline owns write-failure semantics and never retries.
type Retrier struct {
	Kernel

	attempts int
	delay    time.Duration
}

// WithRetry wraps kernel. An attempt budget below one is treated as one.
func WithRetry(kernel Kernel, attempts int, delay time.Duration) *Retrier {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrier{Kernel: kernel, attempts: attempts, delay: delay}
}

func (r *Retrier) GetByID(ctx context.Context, session *contracts.Session, id string) (*contracts.Contract, error) {
	var result *contracts.Contract
	err := r.retry(ctx, func() error {
		var innerErr error
		result, innerErr = r.Kernel.GetByID(ctx, session, id)
		return innerErr
	})
	return result, err
}

func (r *Retrier) GetBySlug(ctx context.Context, session *contracts.Session, ref string) (*contracts.Contract, error) {
	var result *contracts.Contract
	err := r.retry(ctx, func() error {
		var innerErr error
		result, innerErr = r.Kernel.GetBySlug(ctx, session, ref)
		return innerErr
	})
	return result, err
}

func (r *Retrier) Query(ctx context.Context, session *contracts.Session, schema map[string]interface{}, options QueryOptions) ([]*contracts.Contract, error) {
	var results []*contracts.Contract
	err := r.retry(ctx, func() error {
		var innerErr error
		results, innerErr = r.Kernel.Query(ctx, session, schema, options)
		return innerErr
	})
	return results, err
}

func (r *Retrier) retry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		lastErr = op()
		if lastErr == nil || !isTransient(lastErr) {
			return lastErr
		}
		if attempt == r.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delay):
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", contracts.ErrRetriesExhausted, r.attempts, lastErr)
}

func isTransient(err error) bool {
	return errors.Is(err, ErrQueryTimeout) || errors.Is(err, context.DeadlineExceeded)
}
