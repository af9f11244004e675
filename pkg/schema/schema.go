// Package schema wraps JSON-Schema compilation and validation for the
// worker: trigger filters, action argument schemas and store queries all
// pass through here. It also understands the $$links extension keyword
// that embeds relationship constraints inside an otherwise ordinary
// schema.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// LinksKeyword marks a relationship sub-schema inside a filter. It is
// not a JSON-Schema keyword; the compiler ignores it and the store's
// graph traversal interprets it.
const LinksKeyword = "$$links"

// Compile turns a generic schema object into a validator. The $$links
// keyword, if present, is left in place; compilation treats it as an
// unknown keyword and ignores it.
func Compile(object map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("schema serialization failed: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	const url = "https://worker.schemas.local/filter.schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema compile failed: %w", err)
	}
	return compiled, nil
}

// Valid reports whether instance satisfies the schema object. A schema
// that fails to compile never validates anything.
func Valid(object map[string]interface{}, instance interface{}) bool {
	compiled, err := Compile(object)
	if err != nil {
		return false
	}
	return compiled.Validate(instance) == nil
}

// Links returns the relationship sub-schema of a filter: a map from
// relationship verb to the schema the linked contract must satisfy. The
// second return value reports whether the filter has one at all.
func Links(object map[string]interface{}) (map[string]map[string]interface{}, bool) {
	raw, ok := object[LinksKeyword].(map[string]interface{})
	if !ok {
		return nil, false
	}
	result := make(map[string]map[string]interface{}, len(raw))
	for verb, sub := range raw {
		subSchema, ok := sub.(map[string]interface{})
		if !ok {
			return nil, false
		}
		result[verb] = subSchema
	}
	return result, true
}

// UsedPropertyPaths returns every dotted property path a schema
// references through its `properties` keywords, recursively. Properties
// with nested properties contribute one path per leaf; properties
// without contribute their bare name. $$links sub-schemas are skipped
// entirely: relationship constraints do not correspond to literal paths
// on the contract.
func UsedPropertyPaths(object map[string]interface{}) []string {
	paths := collectPaths(object)
	sort.Strings(paths)
	return paths
}

func collectPaths(object map[string]interface{}) []string {
	var paths []string
	for key, value := range object {
		if key == LinksKeyword {
			continue
		}
		sub, ok := value.(map[string]interface{})
		if !ok {
			continue
		}
		if key == "properties" {
			for property, propertyValue := range sub {
				propertySchema, ok := propertyValue.(map[string]interface{})
				if !ok {
					paths = append(paths, property)
					continue
				}
				nested := collectPaths(propertySchema)
				if len(nested) == 0 {
					paths = append(paths, property)
					continue
				}
				for _, nestedPath := range nested {
					paths = append(paths, property+"."+nestedPath)
				}
			}
			continue
		}
		paths = append(paths, collectPaths(sub)...)
	}
	return paths
}

// PinID returns a deep copy of the filter constrained to a single
// contract id, with the `links` projection required to be present. The
// result is what the matcher hands to the store when local validation
// cannot decide a relationship-bearing filter.
func PinID(filter map[string]interface{}, id string) map[string]interface{} {
	merged := deepCopy(filter)
	properties, ok := merged["properties"].(map[string]interface{})
	if !ok {
		properties = map[string]interface{}{}
		merged["properties"] = properties
	}
	properties["id"] = map[string]interface{}{
		"type":  "string",
		"const": id,
	}
	merged["required"] = appendUnique(stringSlice(merged["required"]), "id", "links")
	return merged
}

func deepCopy(object map[string]interface{}) map[string]interface{} {
	raw, _ := json.Marshal(object)
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	if out == nil {
		out = map[string]interface{}{}
	}
	return out
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		if typed, ok := v.([]string); ok {
			return typed
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func appendUnique(existing []string, values ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	for _, v := range values {
		if _, ok := seen[v]; !ok {
			existing = append(existing, v)
			seen[v] = struct{}{}
		}
	}
	return existing
}
