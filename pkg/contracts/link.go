package contracts

import (
	"fmt"
)

// LinkEdge is the small tagged structure a link contract reduces to: a
// directed, named edge between two contracts, with an optional declared
// inverse name for traversal in the other direction.
type LinkEdge struct {
	Name        string
	InverseName string
	FromID      string
	ToID        string
}

// EdgeFromContract extracts the edge out of a link contract. Link
// contracts store their endpoints under data.from and data.to, each an
// object with an id, and the inverse verb under data.inverseName.
func EdgeFromContract(c *Contract) (*LinkEdge, error) {
	if c == nil || c.BaseType() != TypeLink {
		return nil, fmt.Errorf("not a link contract")
	}
	edge := &LinkEdge{}
	if c.Name != nil {
		edge.Name = *c.Name
	}
	if inverse, ok := c.Data["inverseName"].(string); ok {
		edge.InverseName = inverse
	}
	edge.FromID = endpointID(c.Data["from"])
	edge.ToID = endpointID(c.Data["to"])
	if edge.FromID == "" || edge.ToID == "" {
		return nil, fmt.Errorf("link %s is missing an endpoint", c.Slug)
	}
	return edge, nil
}

// EndpointForVerb resolves which endpoint of the edge a relationship
// verb refers to. The two resolvable cases:
//
//   - verb equals the forward name: the "from" contract is the one that
//     has the relationship, so its id is returned;
//   - verb equals the declared inverse name: the "to" contract is.
//
// If neither name matches, resolution fails and the second return value
// is false. Callers must treat that as "edge cannot satisfy this verb",
// never as a default to either side.
func (e *LinkEdge) EndpointForVerb(verb string) (string, bool) {
	switch verb {
	case e.Name:
		return e.FromID, true
	case e.InverseName:
		return e.ToID, true
	}
	return "", false
}

// LinkSlug builds the deterministic slug of an edge, making link
// creation idempotent: inserting an identical edge twice resolves to the
// same slug+version and is rejected by the store's uniqueness constraint.
func LinkSlug(name, fromID, toID string) string {
	return fmt.Sprintf("link-%s-%s-%s", fromID, slugify(name), toID)
}

func slugify(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, r)
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

func endpointID(v interface{}) string {
	asMap, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := asMap["id"].(string)
	return id
}
