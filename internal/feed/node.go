package feed

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind tags the variant held by a Node.
type Kind string

const (
	KindObject Kind = "object"
	KindArray  Kind = "array"
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "boolean"
	KindNull   Kind = "null"
)

// Node is a parsed feed item value. Scalars keep their text form in Text;
// objects and arrays keep their members in document order.
type Node struct {
	Kind     Kind
	Key      string
	Text     string
	Children []*Node
}

// ParseNode builds a Node tree from a JSON document. Invalid JSON yields a
// null node.
func ParseNode(raw []byte) *Node {
	if !gjson.ValidBytes(raw) {
		return &Node{Kind: KindNull}
	}
	return fromResult("", gjson.ParseBytes(raw))
}

func fromResult(key string, result gjson.Result) *Node {
	node := &Node{Key: key}
	switch {
	case result.IsObject():
		node.Kind = KindObject
		result.ForEach(func(k, v gjson.Result) bool {
			node.Children = append(node.Children, fromResult(k.String(), v))
			return true
		})
	case result.IsArray():
		node.Kind = KindArray
		for i, v := range result.Array() {
			node.Children = append(node.Children, fromResult(strconv.Itoa(i), v))
		}
	case result.Type == gjson.String:
		node.Kind = KindString
		node.Text = result.Str
	case result.Type == gjson.Number:
		node.Kind = KindNumber
		node.Text = result.Raw
	case result.Type == gjson.True, result.Type == gjson.False:
		node.Kind = KindBool
		node.Text = strconv.FormatBool(result.Bool())
	default:
		node.Kind = KindNull
	}
	return node
}

// Child returns the member named segment of an object, or the element at
// that index of an array.
func (n *Node) Child(segment string) (*Node, bool) {
	if n == nil {
		return nil, false
	}
	switch n.Kind {
	case KindObject:
		for _, child := range n.Children {
			if child.Key == segment {
				return child, true
			}
		}
	case KindArray:
		idx, err := strconv.Atoi(segment)
		if err != nil || idx < 0 || idx >= len(n.Children) {
			return nil, false
		}
		return n.Children[idx], true
	}
	return nil, false
}

// Lookup walks a slash separated path such as "/extensions/media/0".
// Empty segments are ignored.
func (n *Node) Lookup(path string) (*Node, bool) {
	cursor := n
	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			continue
		}
		next, ok := cursor.Child(segment)
		if !ok {
			return nil, false
		}
		cursor = next
	}
	return cursor, cursor != nil
}

// Extract collects the string and number values found at paths, in path
// order, joined by blank lines. Paths that are missing or land on a
// non-scalar contribute nothing.
func Extract(root *Node, paths []string) string {
	values := make([]string, 0, len(paths))
	for _, path := range paths {
		node, ok := root.Lookup(path)
		if !ok {
			continue
		}
		if node.Kind == KindString || node.Kind == KindNumber {
			values = append(values, node.Text)
		}
	}
	return strings.Join(values, "\n\n")
}

const (
	TreeDepthLimit = 6
	depthLimitNote = "(depth limit)"
)

// TreeNode is the preview shape returned to admins choosing content paths.
type TreeNode struct {
	Path     string      `json:"path"`
	Key      string      `json:"key"`
	Type     Kind        `json:"type"`
	Preview  string      `json:"preview,omitempty"`
	Children []*TreeNode `json:"children,omitempty"`
}

// Tree renders n for display, cutting off below TreeDepthLimit.
func Tree(n *Node, key string) *TreeNode {
	return buildTree(n, key, "", 0)
}

func buildTree(n *Node, key, path string, depth int) *TreeNode {
	out := &TreeNode{Path: path, Key: key, Type: n.Kind}
	if depth > TreeDepthLimit {
		out.Preview = depthLimitNote
		return out
	}
	switch n.Kind {
	case KindObject, KindArray:
		out.Children = make([]*TreeNode, 0, len(n.Children))
		for _, child := range n.Children {
			out.Children = append(out.Children, buildTree(child, child.Key, path+"/"+child.Key, depth+1))
		}
	case KindNull:
		out.Preview = "null"
	default:
		out.Preview = n.Text
	}
	return out
}
