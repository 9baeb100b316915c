package phylo

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedTreeNode indicates the stored tree violates the minimal node
// contract (every node carries a name). This is corrupted data, not a user
// error; no partial recovery is attempted.
var ErrMalformedTreeNode = errors.New("malformed tree node: missing name")

// TreeNode is one node of a phylogenetic tree. Attributes other than the
// name and the child list (node_attrs, branch lengths, etc) are opaque and
// pass through untouched.
type TreeNode struct {
	Name     string
	Children []*TreeNode
	Attrs    map[string]interface{}
}

func (n *TreeNode) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	nameRaw, ok := raw["name"]
	if !ok {
		return ErrMalformedTreeNode
	}
	if err := json.Unmarshal(nameRaw, &n.Name); err != nil {
		return fmt.Errorf("%w: name is not a string", ErrMalformedTreeNode)
	}
	delete(raw, "name")

	// A node without a children key is a leaf.
	if childrenRaw, ok := raw["children"]; ok {
		if err := json.Unmarshal(childrenRaw, &n.Children); err != nil {
			return err
		}
		if n.Children == nil {
			n.Children = []*TreeNode{}
		}
		delete(raw, "children")
	}

	if len(raw) > 0 {
		n.Attrs = make(map[string]interface{}, len(raw))
		for key, value := range raw {
			var attr interface{}
			if err := json.Unmarshal(value, &attr); err != nil {
				return err
			}
			n.Attrs[key] = attr
		}
	}

	return nil
}

func (n *TreeNode) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(n.Attrs)+2)
	for key, value := range n.Attrs {
		out[key] = value
	}
	out["name"] = n.Name
	if n.Children != nil {
		out["children"] = n.Children
	}
	return json.Marshal(out)
}

// TreeDocument is a stored tree JSON blob: the recursive node structure
// under "tree", the display metadata under "meta", and any remaining
// top-level keys preserved verbatim.
type TreeDocument struct {
	Tree  *TreeNode
	Meta  map[string]interface{}
	Extra map[string]json.RawMessage
}

func ParseTreeDocument(data []byte) (*TreeDocument, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("error parsing tree document: %w", err)
	}

	treeRaw, ok := raw["tree"]
	if !ok {
		return nil, fmt.Errorf("tree document is missing 'tree' key")
	}

	doc := &TreeDocument{}
	if err := json.Unmarshal(treeRaw, &doc.Tree); err != nil {
		return nil, err
	}
	delete(raw, "tree")

	if metaRaw, ok := raw["meta"]; ok {
		if err := json.Unmarshal(metaRaw, &doc.Meta); err != nil {
			return nil, fmt.Errorf("error parsing tree document meta: %w", err)
		}
		delete(raw, "meta")
	}

	doc.Extra = raw
	return doc, nil
}

func (d *TreeDocument) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(d.Extra)+2)
	for key, value := range d.Extra {
		out[key] = value
	}
	if d.Meta != nil {
		out["meta"] = d.Meta
	}
	out["tree"] = d.Tree
	return json.Marshal(out)
}
