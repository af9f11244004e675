package triggers

import (
	"context"
	"fmt"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/schema"
	"github.com/product-os/jellyfish-worker-sub001/pkg/store"
)

// Matcher decides whether a rule's filter is satisfied by a candidate
// contract. Filters without relationship constraints are pure local
// predicates; filters with a $$links sub-schema may need a follow-up
// graph query, because a relationship formed after the fact must be able
// to retroactively satisfy a rule that predicates on it.
type Matcher struct {
	kernel store.Kernel
	// session is the privileged session used for follow-up graph
	// queries; trigger matching is not permission-filtered by the
	// invoking user.
	session *contracts.Session
}

// NewMatcher builds a matcher around the kernel and privileged session.
func NewMatcher(kernel store.Kernel, session *contracts.Session) *Matcher {
	return &Matcher{kernel: kernel, session: session}
}

// Match returns the matched contract (possibly a different one than the
// candidate, when a relationship filter resolves through a link), or nil
// when the rule does not match. A rule never matches a nil contract.
func (m *Matcher) Match(ctx context.Context, filter map[string]interface{}, contract *contracts.Contract) (*contracts.Contract, error) {
	if contract == nil {
		return nil, nil
	}

	compiled, err := schema.Compile(filter)
	if err != nil {
		return nil, fmt.Errorf("%w: bad filter: %v", contracts.ErrInvalidTrigger, err)
	}
	object, err := contract.Map()
	if err != nil {
		return nil, err
	}
	locallyValid := compiled.Validate(object) == nil

	isLink := contract.BaseType() == contracts.TypeLink
	if !locallyValid && !isLink {
		// Relationship-free contracts either satisfy the filter on their
		// own or never will.
		return nil, nil
	}

	linkSchemas, hasLinks := schema.Links(filter)
	if !hasLinks {
		if locallyValid {
			return contract, nil
		}
		return nil, nil
	}

	// Local validation cannot decide a relationship-bearing filter: the
	// filter may only be satisfiable through the graph, and a link
	// contract carries neither endpoint's attributes.
	candidateID := contract.ID
	if isLink {
		edge, err := contracts.EdgeFromContract(contract)
		if err != nil {
			return nil, nil
		}
		candidateID = ""
		for verb := range linkSchemas {
			if id, ok := edge.EndpointForVerb(verb); ok {
				candidateID = id
				break
			}
		}
		if candidateID == "" {
			// Neither the forward nor the inverse name matches any verb
			// in the filter: this edge cannot satisfy it.
			return nil, nil
		}
	}

	pinned := schema.PinID(filter, candidateID)
	results, err := m.kernel.Query(ctx, m.session, pinned, store.QueryOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}
