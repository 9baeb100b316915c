package phylo

import "strings"

// PublicRepositoryPrefix is prepended to public identifiers by the upstream
// sequence repository. Tree node names may carry it while the stored sample
// identifiers do not, so lookups try both forms.
const PublicRepositoryPrefix = "hCoV-19/"

func lookupIdentifier(mapping map[string]string, name string) (string, bool) {
	if private, ok := mapping[name]; ok {
		return private, ok
	}
	private, ok := mapping[strings.TrimPrefix(name, PublicRepositoryPrefix)]
	return private, ok
}

// RenameNodes returns a copy of the tree with every node name found in
// mapping replaced by its private identifier. Nodes without a mapping entry
// (internal nodes, other groups' samples, public references) are copied
// unchanged. When saveKey is non empty the original public name of each
// renamed node is preserved under that attribute key.
func RenameNodes(root *TreeNode, mapping map[string]string, saveKey string) (*TreeNode, error) {
	if root == nil {
		return nil, nil
	}
	if root.Name == "" {
		return nil, ErrMalformedTreeNode
	}

	out := &TreeNode{Name: root.Name}
	if root.Attrs != nil {
		out.Attrs = make(map[string]interface{}, len(root.Attrs))
		for key, value := range root.Attrs {
			out.Attrs[key] = value
		}
	}

	if private, ok := lookupIdentifier(mapping, root.Name); ok {
		out.Name = private
		if saveKey != "" {
			if out.Attrs == nil {
				out.Attrs = make(map[string]interface{}, 1)
			}
			out.Attrs[saveKey] = root.Name
		}
	}

	if root.Children != nil {
		out.Children = make([]*TreeNode, 0, len(root.Children))
		for _, child := range root.Children {
			renamed, err := RenameNodes(child, mapping, saveKey)
			if err != nil {
				return nil, err
			}
			out.Children = append(out.Children, renamed)
		}
	}

	return out, nil
}
