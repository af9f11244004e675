// Package store defines the contract the worker core needs from the
// underlying data kernel, plus an embedded SQLite implementation and a
// bounded retry wrapper for transient read failures.
package store

import (
	"context"
	"errors"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
)

// ErrQueryTimeout marks a transient, retryable read failure. The retry
// wrapper keys off it; the commit pipeline itself never retries.
var ErrQueryTimeout = errors.New("query timeout")

// QueryOptions bound a graph query.
type QueryOptions struct {
	// Limit caps the number of results. Zero means no cap.
	Limit int
}

// PatchOperation is a single RFC 6902 operation.
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

// Kernel is the narrow surface of the data store the worker consumes.
//
// Reads return (nil, nil) when the contract does not exist or the
// session's marker scope hides it: invisibility and absence are
// indistinguishable by design. Insert fails with
// contracts.ErrAlreadyExists on a slug+version collision. Patch returns
// (nil, nil) when there is nothing to do.
type Kernel interface {
	GetByID(ctx context.Context, session *contracts.Session, id string) (*contracts.Contract, error)
	GetBySlug(ctx context.Context, session *contracts.Session, ref string) (*contracts.Contract, error)
	Insert(ctx context.Context, session *contracts.Session, contract *contracts.Contract) (*contracts.Contract, error)
	Replace(ctx context.Context, session *contracts.Session, contract *contracts.Contract) (*contracts.Contract, error)
	Patch(ctx context.Context, session *contracts.Session, ref string, patch []PatchOperation) (*contracts.Contract, error)
	Query(ctx context.Context, session *contracts.Session, schema map[string]interface{}, options QueryOptions) ([]*contracts.Contract, error)
}
