package phylo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTreeDocument(t *testing.T) {
	data := []byte(`{
		"tree": {
			"name": "root",
			"node_attrs": {"div": 0},
			"children": [
				{"name": "leaf-1", "branch_length": 2.5},
				{"name": "internal", "children": [{"name": "leaf-2"}]}
			]
		},
		"meta": {"title": "build", "colorings": []},
		"version": "v2"
	}`)

	doc, err := ParseTreeDocument(data)
	require.NoError(t, err)

	assert.Equal(t, "root", doc.Tree.Name)
	assert.Equal(t, map[string]interface{}{"div": float64(0)}, doc.Tree.Attrs["node_attrs"])
	require.Len(t, doc.Tree.Children, 2)

	assert.Equal(t, "leaf-1", doc.Tree.Children[0].Name)
	assert.Equal(t, 2.5, doc.Tree.Children[0].Attrs["branch_length"])
	assert.Nil(t, doc.Tree.Children[0].Children)

	assert.Equal(t, "leaf-2", doc.Tree.Children[1].Children[0].Name)

	assert.Equal(t, "build", doc.Meta["title"])
	require.Contains(t, doc.Extra, "version")
}

func TestParseTreeDocumentRoundTrip(t *testing.T) {
	data := []byte(`{
		"meta": {"title": "build"},
		"tree": {
			"name": "root",
			"children": [{"name": "leaf", "mutations": ["A1T"]}]
		},
		"extra_block": {"nested": [1, 2, 3]}
	}`)

	doc, err := ParseTreeDocument(data)
	require.NoError(t, err)

	out, err := json.Marshal(doc)
	require.NoError(t, err)

	assert.JSONEq(t, string(data), string(out))
}

func TestParseTreeDocumentRequiresTree(t *testing.T) {
	_, err := ParseTreeDocument([]byte(`{"meta": {"title": "build"}}`))
	require.Error(t, err)
}

func TestParseTreeDocumentRejectsUnnamedNodes(t *testing.T) {
	_, err := ParseTreeDocument([]byte(`{"tree": {"children": [{"name": "leaf"}]}}`))
	require.ErrorIs(t, err, ErrMalformedTreeNode)

	_, err = ParseTreeDocument([]byte(`{"tree": {"name": "root", "children": [{"div": 1}]}}`))
	require.ErrorIs(t, err, ErrMalformedTreeNode)

	_, err = ParseTreeDocument([]byte(`{"tree": {"name": 17}}`))
	require.ErrorIs(t, err, ErrMalformedTreeNode)
}

func TestTreeNodeNullChildren(t *testing.T) {
	var node TreeNode
	require.NoError(t, json.Unmarshal([]byte(`{"name": "n", "children": null}`), &node))

	// An explicit null child list is kept as an empty list, distinct from a
	// leaf with no children key at all.
	require.NotNil(t, node.Children)
	assert.Empty(t, node.Children)

	out, err := json.Marshal(&node)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name": "n", "children": []}`, string(out))

	var treeLeaf TreeNode
	require.NoError(t, json.Unmarshal([]byte(`{"name": "n"}`), &treeLeaf))
	assert.Nil(t, treeLeaf.Children)

	out, err = json.Marshal(&treeLeaf)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name": "n"}`, string(out))
}
