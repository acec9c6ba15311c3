package policy

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// The predicate language.
//
// Conditions are persisted as a nested tag-tree: an operator node is a JSON
// object with exactly one key (the operator) whose value is the argument
// list; anything else is a literal leaf. A "var" node reads a dotted path
// from the context document.
//
//	{"and": [
//	  {"==": [{"var": "tool"}, "send_email"]},
//	  {">":  [{"var": "args.max_results"}, 100]}
//	]}
//
// Supported operators: ==, !=, <, <=, >, >=, and, or, not (alias !), in, var.
// "in" over two strings is substring membership ("delete" in "delete_account"
// is true); over a list it is element membership. An unrecognized operator
// evaluates to false — the language fails closed.

// knownOps is the set of recognized operator tags.
var knownOps = map[string]bool{
	"==": true, "!=": true,
	"<": true, "<=": true, ">": true, ">=": true,
	"and": true, "or": true, "not": true, "!": true,
	"in": true, "var": true,
}

// Node is one vertex of a predicate tree: either an operator with arguments
// or a literal leaf.
type Node struct {
	// Op is the operator tag; empty for literal leaves.
	Op string
	// Args are the operator arguments.
	Args []Node
	// Literal is the leaf value when Op is empty.
	Literal any
}

// OpNode builds an operator node.
func OpNode(op string, args ...Node) *Node {
	return &Node{Op: op, Args: args}
}

// Lit builds a literal leaf.
func Lit(v any) Node { return Node{Literal: v} }

// Var builds a var-reference node reading a dotted path.
func Var(path string) Node { return Node{Op: "var", Args: []Node{Lit(path)}} }

// UnmarshalJSON decodes the persisted tag-tree shape. A single-key object is
// an operator node; everything else (scalars, arrays, multi-key objects) is
// a literal leaf.
func (n *Node) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err == nil && len(probe) == 1 {
		for op, rawArgs := range probe {
			n.Op = op
			// Arguments may be a list or a single bare value.
			var list []json.RawMessage
			if err := json.Unmarshal(rawArgs, &list); err == nil {
				n.Args = make([]Node, len(list))
				for i, raw := range list {
					if err := json.Unmarshal(raw, &n.Args[i]); err != nil {
						return err
					}
				}
				return nil
			}
			var single Node
			if err := json.Unmarshal(rawArgs, &single); err != nil {
				return err
			}
			n.Args = []Node{single}
			return nil
		}
	}
	n.Op = ""
	n.Args = nil
	return json.Unmarshal(data, &n.Literal)
}

// MarshalJSON re-encodes the tag-tree shape.
func (n Node) MarshalJSON() ([]byte, error) {
	if n.Op == "" {
		return json.Marshal(n.Literal)
	}
	args := make([]json.RawMessage, len(n.Args))
	for i, a := range n.Args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		args[i] = raw
	}
	return json.Marshal(map[string][]json.RawMessage{n.Op: args})
}

// Validate walks the tree and reports the first unknown operator. Used by
// the admin API to reject malformed rules at write time; the evaluator
// itself never fails — unknown operators simply evaluate to false.
func (n *Node) Validate() error {
	if n == nil || n.Op == "" {
		return nil
	}
	if !knownOps[n.Op] {
		return fmt.Errorf("unknown operator %q", n.Op)
	}
	for i := range n.Args {
		if err := n.Args[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// EvaluateBool evaluates the tree against the context document and coerces
// the result to a boolean. A nil node matches everything.
func (n *Node) EvaluateBool(doc map[string]any) bool {
	if n == nil {
		return true
	}
	return truthy(n.eval(doc))
}

// eval returns the node's value. Evaluation is pure: no I/O, no error paths;
// anything malformed collapses to nil or false.
func (n *Node) eval(doc map[string]any) any {
	if n.Op == "" {
		return n.Literal
	}

	switch n.Op {
	case "var":
		if len(n.Args) == 0 {
			return nil
		}
		path, ok := n.Args[0].eval(doc).(string)
		if !ok {
			return nil
		}
		return lookupPath(doc, path)

	case "==":
		if len(n.Args) != 2 {
			return false
		}
		return looseEqual(n.Args[0].eval(doc), n.Args[1].eval(doc))

	case "!=":
		if len(n.Args) != 2 {
			return false
		}
		return !looseEqual(n.Args[0].eval(doc), n.Args[1].eval(doc))

	case "<", "<=", ">", ">=":
		if len(n.Args) != 2 {
			return false
		}
		return compare(n.Op, n.Args[0].eval(doc), n.Args[1].eval(doc))

	case "and":
		for i := range n.Args {
			if !truthy(n.Args[i].eval(doc)) {
				return false
			}
		}
		return true

	case "or":
		for i := range n.Args {
			if truthy(n.Args[i].eval(doc)) {
				return true
			}
		}
		return false

	case "not", "!":
		if len(n.Args) != 1 {
			return false
		}
		return !truthy(n.Args[0].eval(doc))

	case "in":
		if len(n.Args) != 2 {
			return false
		}
		return membership(n.Args[0].eval(doc), n.Args[1].eval(doc))

	default:
		// Fail closed on anything unrecognized.
		return false
	}
}

// lookupPath reads a dotted path from nested maps. Missing segments yield nil.
func lookupPath(doc map[string]any, path string) any {
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// membership implements "in": substring over strings, element over lists.
func membership(needle, haystack any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []any:
		for _, v := range h {
			if looseEqual(needle, v) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// looseEqual compares values with numeric coercion: JSON numbers always
// decode as float64, but rule literals built in Go may be ints.
func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// compare implements the ordered operators over numbers and strings.
func compare(op string, a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch op {
			case "<":
				return af < bf
			case "<=":
				return af <= bf
			case ">":
				return af > bf
			case ">=":
				return af >= bf
			}
		}
		return false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return false
	}
	switch op {
	case "<":
		return as < bs
	case "<=":
		return as <= bs
	case ">":
		return as > bs
	case ">=":
		return as >= bs
	}
	return false
}

// asFloat coerces the numeric types that reach the evaluator.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// truthy coerces a value to boolean: nil is false, numbers by non-zero,
// strings and collections by non-emptiness.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		if f, ok := asFloat(v); ok {
			return f != 0
		}
		return true
	}
}
