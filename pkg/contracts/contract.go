// Package contracts defines the versioned, typed records the worker
// operates on. Every persisted object in the system is a Contract: type
// definitions, triggered-action rules, links, events, notifications and
// sessions are all contracts distinguished by their `type` reference.
package contracts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Well-known type slugs the worker core depends on.
const (
	TypeType            = "type"
	TypeLink            = "link"
	TypeTriggeredAction = "triggered-action"
	TypeSubscription    = "subscription"
	TypeNotification    = "notification"
	TypeCreateEvent     = "create"
	TypeUpdateEvent     = "update"
	TypeExecuteEvent    = "execute"
)

// LinkVerbAttached is the relationship verb between a contract and its
// timeline events.
const LinkVerbAttached = "has attached element"

// Contract is a versioned, typed record. The `id` is stable across the
// contract's lifetime; `slug@version` is a secondary unique key.
type Contract struct {
	ID        string                 `json:"id"`
	Slug      string                 `json:"slug"`
	Version   string                 `json:"version"`
	Type      string                 `json:"type"` // slug@version reference to a type contract
	Active    bool                   `json:"active"`
	Name      *string                `json:"name,omitempty"`
	Tags      []string               `json:"tags"`
	Markers   []string               `json:"markers"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt string                 `json:"created_at,omitempty"`
	UpdatedAt string                 `json:"updated_at,omitempty"`
	LinkedAt  map[string]string      `json:"linked_at,omitempty"`

	// Links is the lazily-populated relationship projection. It is not
	// stored on the contract itself; graph queries materialize it.
	Links map[string][]*Contract `json:"links,omitempty"`
}

// BaseType returns the contract's type slug without the version suffix.
func (c *Contract) BaseType() string {
	return BaseSlug(c.Type)
}

// VersionedSlug returns the contract's secondary unique key.
func (c *Contract) VersionedSlug() string {
	return c.Slug + "@" + c.Version
}

// Map converts the contract to a generic JSON object, suitable for
// schema validation and template binding.
func (c *Contract) Map() (map[string]interface{}, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("contract serialization failed: %w", err)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("contract deserialization failed: %w", err)
	}
	return result, nil
}

// FromMap builds a contract back from a generic JSON object.
func FromMap(object map[string]interface{}) (*Contract, error) {
	raw, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}
	var c Contract
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Clone returns a deep copy of the contract.
func (c *Contract) Clone() *Contract {
	raw, _ := json.Marshal(c)
	var out Contract
	_ = json.Unmarshal(raw, &out)
	return &out
}

// TypeRef is a parsed slug@version reference.
type TypeRef struct {
	Slug    string
	Version *semver.Version
	Latest  bool
}

// ParseRef parses a "slug@version" reference. The version part may be
// "latest" or absent, in which case the reference is unpinned.
func ParseRef(ref string) (*TypeRef, error) {
	slug, versionPart, found := strings.Cut(ref, "@")
	if slug == "" {
		return nil, fmt.Errorf("invalid reference %q", ref)
	}
	if !found || versionPart == "latest" {
		return &TypeRef{Slug: slug, Latest: true}, nil
	}
	version, err := semver.NewVersion(versionPart)
	if err != nil {
		return nil, fmt.Errorf("invalid version in reference %q: %w", ref, err)
	}
	return &TypeRef{Slug: slug, Version: version}, nil
}

// String renders the reference back to slug@version form.
func (r *TypeRef) String() string {
	if r.Latest {
		return r.Slug + "@latest"
	}
	return r.Slug + "@" + r.Version.String()
}

// BaseSlug strips the version suffix from a slug@version reference.
func BaseSlug(ref string) string {
	slug, _, _ := strings.Cut(ref, "@")
	return slug
}

// GetPath walks a dotted property path through the contract's JSON
// representation. The second return value reports whether every segment
// resolved.
func GetPath(object map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var current interface{} = object
	for _, segment := range segments {
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
