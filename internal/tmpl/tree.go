// Package tmpl evaluates the embedded expressions found in MQTT discovery
// payload trees against a per-sample context.
package tmpl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// NodeKind discriminates payload tree nodes.
type NodeKind int

const (
	NodeNull NodeKind = iota
	NodeString
	NodeNumber
	NodeBool
	NodeArray
	NodeObject
)

// Node is one node of a free-form discovery payload tree. Object keys keep
// the order the operator wrote them in, so the published JSON is stable.
type Node struct {
	Kind   NodeKind
	Str    string
	Num    json.Number
	Bool   bool
	Items  []*Node
	Fields *orderedmap.OrderedMap[string, *Node]
}

// StringNode builds a string leaf.
func StringNode(s string) *Node {
	return &Node{Kind: NodeString, Str: s}
}

// UnmarshalYAML builds the tree from free-form YAML, preserving mapping key
// order.
func (n *Node) UnmarshalYAML(node *yaml.Node) error {
	// resolve aliases (the operator `templates` section relies on anchors)
	for node.Kind == yaml.AliasNode {
		node = node.Alias
	}

	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!null":
			n.Kind = NodeNull
		case "!!bool":
			b, err := strconv.ParseBool(node.Value)
			if err != nil {
				return fmt.Errorf("bad bool %q: %w", node.Value, err)
			}
			n.Kind = NodeBool
			n.Bool = b
		case "!!int", "!!float":
			n.Kind = NodeNumber
			n.Num = json.Number(node.Value)
		default:
			n.Kind = NodeString
			n.Str = node.Value
		}

	case yaml.SequenceNode:
		n.Kind = NodeArray
		n.Items = make([]*Node, 0, len(node.Content))
		for _, item := range node.Content {
			child := &Node{}
			if err := child.UnmarshalYAML(item); err != nil {
				return err
			}
			n.Items = append(n.Items, child)
		}

	case yaml.MappingNode:
		n.Kind = NodeObject
		n.Fields = orderedmap.New[string, *Node]()
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			child := &Node{}
			if err := child.UnmarshalYAML(node.Content[i+1]); err != nil {
				return err
			}
			n.Fields.Set(key, child)
		}

	default:
		return fmt.Errorf("unsupported payload node kind %d", node.Kind)
	}
	return nil
}

// MarshalJSON renders the tree as compact JSON with object keys in
// insertion order.
func (n *Node) MarshalJSON() ([]byte, error) {
	switch n.Kind {
	case NodeNull:
		return []byte("null"), nil
	case NodeString:
		return json.Marshal(n.Str)
	case NodeNumber:
		return []byte(n.Num), nil
	case NodeBool:
		return json.Marshal(n.Bool)
	case NodeArray:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range n.Items {
			if i > 0 {
				buf.WriteByte(',')
			}
			data, err := json.Marshal(item)
			if err != nil {
				return nil, err
			}
			buf.Write(data)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case NodeObject:
		var buf bytes.Buffer
		buf.WriteByte('{')
		first := true
		for pair := n.Fields.Oldest(); pair != nil; pair = pair.Next() {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			key, err := json.Marshal(pair.Key)
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			data, err := json.Marshal(pair.Value)
			if err != nil {
				return nil, err
			}
			buf.Write(data)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported payload node kind %d", n.Kind)
	}
}

// Clone deep-copies the tree so evaluation never mutates configuration.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Kind: n.Kind, Str: n.Str, Num: n.Num, Bool: n.Bool}
	if n.Items != nil {
		out.Items = make([]*Node, len(n.Items))
		for i, item := range n.Items {
			out.Items[i] = item.Clone()
		}
	}
	if n.Fields != nil {
		out.Fields = orderedmap.New[string, *Node]()
		for pair := n.Fields.Oldest(); pair != nil; pair = pair.Next() {
			out.Fields.Set(pair.Key, pair.Value.Clone())
		}
	}
	return out
}

// Get returns the child node under key for object nodes.
func (n *Node) Get(key string) (*Node, bool) {
	if n == nil || n.Kind != NodeObject {
		return nil, false
	}
	return n.Fields.Get(key)
}
