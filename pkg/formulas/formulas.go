// Package formulas is the computed-field collaborator: it evaluates
// $$formula expressions embedded in type schemas and derives
// triggered-action rules from aggregation formulas, so computed fields
// react to events without the worker knowing formula semantics.
package formulas

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/store"
)

// FormulaKeyword marks a computed-field expression inside a type schema.
const FormulaKeyword = "$$formula"

// AggregateAction is the action formula-derived rules invoke to fold an
// event value into a set-valued computed field.
const AggregateAction = "action-set-add@1.0.0"

// Subsystem is the surface the commit pipeline consumes.
type Subsystem interface {
	// EvaluateObject computes every evaluable formula field on the
	// object before it is written.
	EvaluateObject(typeSchema map[string]interface{}, object map[string]interface{}) (map[string]interface{}, error)
	// EvaluatePatch extends a patch with the formula recomputations it
	// implies.
	EvaluatePatch(typeSchema map[string]interface{}, object map[string]interface{}, patch []store.PatchOperation) ([]store.PatchOperation, error)
	// TypeTriggers derives the triggered-action rules a type's
	// aggregation formulas call for.
	TypeTriggers(typeContract *contracts.Contract) ([]*contracts.TriggeredAction, error)
}

// aggregatePattern recognizes AGGREGATE($events, "<path>") formulas,
// which fold a value out of every timeline event into a set.
var aggregatePattern = regexp.MustCompile(`^\s*AGGREGATE\(\s*\$events\s*,\s*['"]([^'"]+)['"]\s*\)\s*$`)

// Default evaluates plain formulas as CEL expressions over a `contract`
// binding and synthesizes triggers for AGGREGATE formulas.
type Default struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

// New builds the default formula subsystem.
func New() (*Default, error) {
	env, err := cel.NewEnv(cel.Variable("contract", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("formula environment failed: %w", err)
	}
	return &Default{env: env, programs: make(map[string]cel.Program)}, nil
}

// Formula is a computed-field expression found at a property path of a
// type schema. Path segments address the instance, not the schema:
// ["data", "mentions"] rather than ["properties", "data", ...].
type Formula struct {
	Path       []string
	Expression string
}

// Find walks a type schema and returns every formula in it.
func Find(typeSchema map[string]interface{}) []Formula {
	return findFormulas(typeSchema, nil)
}

func findFormulas(schemaObject map[string]interface{}, path []string) []Formula {
	var found []Formula
	if expression, ok := schemaObject[FormulaKeyword].(string); ok {
		found = append(found, Formula{Path: append([]string{}, path...), Expression: expression})
	}
	properties, ok := schemaObject["properties"].(map[string]interface{})
	if !ok {
		return found
	}
	for name, value := range properties {
		sub, ok := value.(map[string]interface{})
		if !ok {
			continue
		}
		found = append(found, findFormulas(sub, append(path, name))...)
	}
	return found
}

func (d *Default) EvaluateObject(typeSchema map[string]interface{}, object map[string]interface{}) (map[string]interface{}, error) {
	for _, formula := range Find(typeSchema) {
		if aggregatePattern.MatchString(formula.Expression) {
			// Aggregations are event-driven; the derived trigger owns them.
			continue
		}
		value, ok := d.evaluate(formula.Expression, object)
		if !ok {
			continue
		}
		setPath(object, formula.Path, value)
	}
	return object, nil
}

func (d *Default) EvaluatePatch(typeSchema map[string]interface{}, object map[string]interface{}, patch []store.PatchOperation) ([]store.PatchOperation, error) {
	formulas := Find(typeSchema)
	if len(formulas) == 0 {
		return patch, nil
	}

	patched := deepCopy(object)
	for _, operation := range patch {
		applyOperation(patched, operation)
	}
	evaluated, err := d.EvaluateObject(typeSchema, deepCopy(patched))
	if err != nil {
		return nil, err
	}

	result := patch
	for _, formula := range formulas {
		before, _ := getPath(patched, formula.Path)
		after, afterOK := getPath(evaluated, formula.Path)
		if !afterOK || reflect.DeepEqual(before, after) {
			continue
		}
		result = append(result, store.PatchOperation{
			Op:    "replace",
			Path:  "/" + strings.Join(formula.Path, "/"),
			Value: after,
		})
	}
	return result, nil
}

func (d *Default) TypeTriggers(typeContract *contracts.Contract) ([]*contracts.TriggeredAction, error) {
	typeSchema, ok := typeContract.Data["schema"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	typeRef := typeContract.Slug + "@" + typeContract.Version

	var rules []*contracts.TriggeredAction
	for _, formula := range Find(typeSchema) {
		match := aggregatePattern.FindStringSubmatch(formula.Expression)
		if match == nil {
			continue
		}
		eventPath := match[1]
		property := strings.Join(formula.Path, ".")
		slug := fmt.Sprintf("triggered-action-%s-%s", typeContract.Slug, strings.ReplaceAll(property, ".", "-"))

		rules = append(rules, &contracts.TriggeredAction{
			// The persisted contract supplies the id at registration.
			ID:       slug,
			Slug:     slug,
			TypeRef:  typeRef,
			Action:   AggregateAction,
			Schedule: contracts.ScheduleAsync,
			Filter: map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"data"},
				"$$links": map[string]interface{}{
					"is attached to": map[string]interface{}{
						"type":     "object",
						"required": []interface{}{"type"},
						"properties": map[string]interface{}{
							"type": map[string]interface{}{
								"const": typeRef,
							},
						},
					},
				},
			},
			Target: map[string]interface{}{
				"$eval": `source.links["is attached to"][0].id`,
			},
			Arguments: map[string]interface{}{
				"property": property,
				"value": map[string]interface{}{
					"$eval": "source." + eventPath,
				},
			},
		})
	}
	return rules, nil
}

func (d *Default) evaluate(expression string, object map[string]interface{}) (interface{}, bool) {
	program, err := d.program(expression)
	if err != nil {
		return nil, false
	}
	value, _, err := program.Eval(map[string]interface{}{"contract": object})
	if err != nil {
		return nil, false
	}
	native, err := value.ConvertToNative(reflect.TypeOf((*structpb.Value)(nil)))
	if err != nil {
		return value.Value(), true
	}
	return native.(*structpb.Value).AsInterface(), true
}

func (d *Default) program(expression string) (cel.Program, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if program, ok := d.programs[expression]; ok {
		return program, nil
	}
	ast, issues := d.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	program, err := d.env.Program(ast)
	if err != nil {
		return nil, err
	}
	d.programs[expression] = program
	return program, nil
}

func setPath(object map[string]interface{}, path []string, value interface{}) {
	if len(path) == 0 {
		return
	}
	current := object
	for _, segment := range path[:len(path)-1] {
		next, ok := current[segment].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[segment] = next
		}
		current = next
	}
	current[path[len(path)-1]] = value
}

func getPath(object map[string]interface{}, path []string) (interface{}, bool) {
	var current interface{} = object
	for _, segment := range path {
		asMap, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = asMap[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// applyOperation applies a single add/replace operation in place; other
// verbs are left to the store's full patch machinery and do not affect
// formula recomputation here.
func applyOperation(object map[string]interface{}, operation store.PatchOperation) {
	if operation.Op != "add" && operation.Op != "replace" {
		return
	}
	segments := strings.Split(strings.TrimPrefix(operation.Path, "/"), "/")
	setPath(object, segments, operation.Value)
}

func deepCopy(object map[string]interface{}) map[string]interface{} {
	copied := make(map[string]interface{}, len(object))
	for key, value := range object {
		if nested, ok := value.(map[string]interface{}); ok {
			copied[key] = deepCopy(nested)
			continue
		}
		copied[key] = value
	}
	return copied
}
