// Package triggers implements the trigger-matching engine: deciding,
// given an old and new version of a contract, which registered
// triggered-action rules fire, with what arguments, and in what mode.
package triggers

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
)

// evalKeyword marks a template expression inside a rule's arguments or
// target: {"$eval": "source.data.slug"}.
const evalKeyword = "$eval"

// Compiler expands templated rule arguments and targets against a
// matched source contract and a time context. Expressions are CEL, with
// three bindings: `source` (the matched contract), `timestamp` (current
// time, RFC 3339) and `epoch` (milliseconds since the Unix epoch). CEL's
// string `matches` builtin covers regular-expression helpers.
type Compiler struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewCompiler builds the template evaluation environment.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("source", cel.DynType),
		cel.Variable("timestamp", cel.StringType),
		cel.Variable("epoch", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("template environment failed: %w", err)
	}
	return &Compiler{env: env, programs: make(map[string]cel.Program)}, nil
}

// CompileObject evaluates every $eval expression inside template. The
// second return value is false when any expression is not satisfiable
// for this source (a referenced path does not resolve): that is a
// first-class "rule does not apply" outcome, not an error.
func (c *Compiler) CompileObject(template map[string]interface{}, source *contracts.Contract, currentDate time.Time) (map[string]interface{}, bool) {
	sourceObject := map[string]interface{}{}
	if source != nil {
		object, err := source.Map()
		if err != nil {
			return nil, false
		}
		sourceObject = object
	}
	bindings := map[string]interface{}{
		"source":    sourceObject,
		"timestamp": currentDate.UTC().Format(time.RFC3339Nano),
		"epoch":     currentDate.UnixMilli(),
	}
	compiled, ok := c.compileValue(template, bindings)
	if !ok {
		return nil, false
	}
	result, ok := compiled.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return result, true
}

// CompileValue evaluates a single template value (used for rule
// targets, which may be a bare id, an array, or a template expression).
func (c *Compiler) CompileValue(template interface{}, source *contracts.Contract, currentDate time.Time) (interface{}, bool) {
	sourceObject := map[string]interface{}{}
	if source != nil {
		object, err := source.Map()
		if err != nil {
			return nil, false
		}
		sourceObject = object
	}
	bindings := map[string]interface{}{
		"source":    sourceObject,
		"timestamp": currentDate.UTC().Format(time.RFC3339Nano),
		"epoch":     currentDate.UnixMilli(),
	}
	return c.compileValue(template, bindings)
}

func (c *Compiler) compileValue(value interface{}, bindings map[string]interface{}) (interface{}, bool) {
	switch typed := value.(type) {
	case map[string]interface{}:
		if expression, ok := typed[evalKeyword].(string); ok && len(typed) == 1 {
			return c.evaluate(expression, bindings)
		}
		result := make(map[string]interface{}, len(typed))
		for key, nested := range typed {
			compiled, ok := c.compileValue(nested, bindings)
			if !ok {
				return nil, false
			}
			result[key] = compiled
		}
		return result, true
	case []interface{}:
		result := make([]interface{}, len(typed))
		for i, nested := range typed {
			compiled, ok := c.compileValue(nested, bindings)
			if !ok {
				return nil, false
			}
			result[i] = compiled
		}
		return result, true
	default:
		return value, true
	}
}

func (c *Compiler) evaluate(expression string, bindings map[string]interface{}) (interface{}, bool) {
	program, err := c.program(expression)
	if err != nil {
		return nil, false
	}
	value, _, err := program.Eval(bindings)
	if err != nil {
		// Unresolvable paths mean the rule is not satisfiable for this
		// source, not a failure.
		return nil, false
	}
	native, err := value.ConvertToNative(reflect.TypeOf((*structpb.Value)(nil)))
	if err != nil {
		return value.Value(), true
	}
	return native.(*structpb.Value).AsInterface(), true
}

func (c *Compiler) program(expression string) (cel.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if program, ok := c.programs[expression]; ok {
		return program, nil
	}
	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	program, err := c.env.Program(ast)
	if err != nil {
		return nil, err
	}
	c.programs[expression] = program
	return program, nil
}
