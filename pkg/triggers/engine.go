package triggers

import (
	"context"
	"reflect"
	"time"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/schema"
	"github.com/product-os/jellyfish-worker-sub001/pkg/store"
)

// Request is the concrete action-request descriptor a matching rule
// compiles down to. Card is the compiled target: a contract id, an array
// of ids, or whatever the rule's target template produced.
type Request struct {
	Action      string
	Arguments   map[string]interface{}
	Originator  string
	CurrentDate time.Time
	Card        interface{}
}

// RequestOptions carry the mutation context into rule evaluation.
type RequestOptions struct {
	CurrentDate time.Time
	// Mode is the operation that produced the candidate contract:
	// insert when there was no prior version, update otherwise.
	Mode string
}

// Engine combines the matcher and compiler into the rule-evaluation
// entry point the commit pipeline drives.
type Engine struct {
	matcher  *Matcher
	compiler *Compiler
}

// NewEngine builds an engine over the kernel, using session for
// privileged follow-up queries.
func NewEngine(kernel store.Kernel, session *contracts.Session) (*Engine, error) {
	compiler, err := NewCompiler()
	if err != nil {
		return nil, err
	}
	return &Engine{
		matcher:  NewMatcher(kernel, session),
		compiler: compiler,
	}, nil
}

// Compiler exposes the template compiler for callers that evaluate
// standalone templates (the interval tick path).
func (e *Engine) Compiler() *Compiler {
	return e.compiler
}

// Matcher exposes the filter matcher.
func (e *Engine) Matcher() *Matcher {
	return e.matcher
}

// GetRequest evaluates one rule against a contract transition and
// returns the request it compiles to, or nil when the rule does not
// apply. The gates, in order:
//
//  1. Mode: a rule declaring a mode only fires on that mode.
//  2. Filter match against the new contract.
//  3. Change relevance (updates only): if no property path the filter
//     actually references differs between old and new, the rule does not
//     refire. Filters may be broad; without this check every unrelated
//     field edit on a long-lived matching contract would refire every
//     rule watching it.
//  4. Template compilation of arguments and target; an unsatisfiable
//     template means the rule does not apply.
func (e *Engine) GetRequest(ctx context.Context, rule *contracts.TriggeredAction, oldContract, newContract *contracts.Contract, options RequestOptions) (*Request, error) {
	if rule.Mode != "" && rule.Mode != options.Mode {
		return nil, nil
	}
	if rule.Filter == nil {
		return nil, nil
	}

	matched, err := e.matcher.Match(ctx, rule.Filter, newContract)
	if err != nil {
		return nil, err
	}
	if matched == nil {
		return nil, nil
	}

	if oldContract != nil {
		changed, err := pathsChanged(schema.UsedPropertyPaths(rule.Filter), oldContract, newContract)
		if err != nil {
			return nil, err
		}
		if !changed {
			return nil, nil
		}
	}

	arguments, ok := e.compiler.CompileObject(rule.Arguments, matched, options.CurrentDate)
	if !ok {
		return nil, nil
	}
	target, ok := e.compiler.CompileValue(rule.Target, matched, options.CurrentDate)
	if !ok {
		return nil, nil
	}

	return &Request{
		Action:      rule.Action,
		Arguments:   arguments,
		Originator:  rule.ID,
		CurrentDate: options.CurrentDate,
		Card:        target,
	}, nil
}

// pathsChanged reports whether any of the given property paths differs
// between the old and new contract.
func pathsChanged(paths []string, oldContract, newContract *contracts.Contract) (bool, error) {
	oldObject, err := oldContract.Map()
	if err != nil {
		return false, err
	}
	newObject, err := newContract.Map()
	if err != nil {
		return false, err
	}
	for _, path := range paths {
		oldValue, oldOK := contracts.GetPath(oldObject, path)
		newValue, newOK := contracts.GetPath(newObject, path)
		if oldOK != newOK || !reflect.DeepEqual(oldValue, newValue) {
			return true, nil
		}
	}
	return false, nil
}
