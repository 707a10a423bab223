// Package trie implements the MQTT-style wildcard topic index described by the
// broker's subscription model: a hierarchical node tree keyed on dotted topic
// segments, supporting '+' (single-segment) and '#' (trailing, terminal-only)
// wildcards, parameterized over a leaf-collection discipline (Set or SortedSet).
package trie

import (
	"iter"
	"strings"

	"github.com/nexusmsg/broker/brokererr"
	"github.com/nexusmsg/broker/topic"
)

// Node is one position in the trie: an exact-child map, an optional '+' child,
// an optional '#' leaf collection (matches any continuation from here,
// including zero further segments), and a leaf collection for subscribers whose
// topic ends exactly at this depth.
type Node struct {
	children map[string]*Node
	plus     *Node
	hash     Collection
	leaves   Collection
}

func newNode() *Node {
	return &Node{}
}

func (n *Node) isEmpty() bool {
	return len(n.children) == 0 && n.plus == nil && n.hash == nil && n.leaves == nil
}

// Trie is a wildcard-aware topic index whose leaf collections are produced by
// the supplied Factory.
type Trie struct {
	root    *Node
	factory Factory
}

// New constructs an empty Trie using factory to create leaf collections.
func New(factory Factory) *Trie {
	return &Trie{root: newNode(), factory: factory}
}

// Set inserts leaf under subscriptionTopic, which may contain '+' at any
// segment and '#' only as the final segment. It returns a codec-class error if
// subscriptionTopic is not a valid subscription-form topic.
func (t *Trie) Set(subscriptionTopic string, leaf Entry) *brokererr.Error {
	if !topic.IsValidSubscription(subscriptionTopic) {
		return brokererr.New(brokererr.MalformedMessage, "invalid subscription topic: "+subscriptionTopic)
	}
	segments := strings.Split(topic.Canonical(subscriptionTopic), ".")

	node := t.root
	for i, seg := range segments {
		if seg == "#" {
			if node.hash == nil {
				node.hash = t.factory()
			}
			node.hash.Add(leaf)
			return nil
		}
		if seg == "+" {
			if node.plus == nil {
				node.plus = newNode()
			}
			node = node.plus
		} else {
			if node.children == nil {
				node.children = make(map[string]*Node)
			}
			child, ok := node.children[seg]
			if !ok {
				child = newNode()
				node.children[seg] = child
			}
			node = child
		}
		if i == len(segments)-1 {
			if node.leaves == nil {
				node.leaves = t.factory()
			}
			node.leaves.Add(leaf)
		}
	}
	return nil
}

type pathStep struct {
	parent *Node
	key    string
	isPlus bool
}

// Delete removes the entry keyed by key from the exact insertion path named by
// subscriptionTopic — wildcards in subscriptionTopic are matched literally here
// (a node reached via '+' or '#' during Set), not expanded against live topics.
// Empty nodes are pruned back toward the root, stopping at the first ancestor
// that remains non-empty.
func (t *Trie) Delete(subscriptionTopic string, key string) bool {
	segments := strings.Split(topic.Canonical(subscriptionTopic), ".")

	node := t.root
	var path []pathStep
	for i, seg := range segments {
		if seg == "#" {
			if node.hash == nil || !node.hash.Delete(key) {
				return false
			}
			if node.hash.Size() == 0 {
				node.hash = nil
			}
			t.unwind(path, node)
			return true
		}

		if seg == "+" {
			if node.plus == nil {
				return false
			}
			path = append(path, pathStep{parent: node, isPlus: true})
			node = node.plus
		} else {
			if node.children == nil {
				return false
			}
			child, ok := node.children[seg]
			if !ok {
				return false
			}
			path = append(path, pathStep{parent: node, key: seg})
			node = child
		}

		if i == len(segments)-1 {
			if node.leaves == nil || !node.leaves.Delete(key) {
				return false
			}
			if node.leaves.Size() == 0 {
				node.leaves = nil
			}
			t.unwind(path, node)
			return true
		}
	}
	return false
}

func (t *Trie) unwind(path []pathStep, leafNode *Node) {
	cur := leafNode
	for i := len(path) - 1; i >= 0; i-- {
		if !cur.isEmpty() {
			return
		}
		step := path[i]
		if step.isPlus {
			step.parent.plus = nil
		} else {
			delete(step.parent.children, step.key)
			if len(step.parent.children) == 0 {
				step.parent.children = nil
			}
		}
		cur = step.parent
	}
}

// Match returns a lazy, restartable sequence of leaves matching
// publishableTopic: exact descendants first, then '+'-descendants, then (at
// terminal depth) the node's own leaves, finally its '#' collection — with
// duplicate leaves (by Key) suppressed within a single call. Consumers that
// only need a prefix of the sequence (e.g. a top-priority cohort) can stop
// ranging early without the trie materializing the rest.
func (t *Trie) Match(publishableTopic string) iter.Seq[Entry] {
	segments := strings.Split(topic.Canonical(publishableTopic), ".")

	return func(yield func(Entry) bool) {
		visited := make(map[string]struct{})
		emit := func(e Entry) bool {
			if _, seen := visited[e.Key()]; seen {
				return true
			}
			visited[e.Key()] = struct{}{}
			return yield(e)
		}

		var walk func(node *Node, depth int) bool
		walk = func(node *Node, depth int) bool {
			if node == nil {
				return true
			}
			if depth < len(segments) {
				seg := segments[depth]
				if node.children != nil {
					if child, ok := node.children[seg]; ok {
						if !walk(child, depth+1) {
							return false
						}
					}
				}
				if node.plus != nil {
					if !walk(node.plus, depth+1) {
						return false
					}
				}
			} else if node.leaves != nil {
				for _, e := range node.leaves.Iterate() {
					if !emit(e) {
						return false
					}
				}
			}
			if node.hash != nil {
				for _, e := range node.hash.Iterate() {
					if !emit(e) {
						return false
					}
				}
			}
			return true
		}

		walk(t.root, 0)
	}
}

// NodeCount returns the total number of allocated Node values reachable from
// the root, including the root itself. It exists to support invariant checks
// (spec invariant 7: node count after churn equals the count after replaying
// only the net surviving subscriptions).
func (t *Trie) NodeCount() int {
	var count func(n *Node) int
	count = func(n *Node) int {
		if n == nil {
			return 0
		}
		total := 1
		for _, child := range n.children {
			total += count(child)
		}
		total += count(n.plus)
		return total
	}
	return count(t.root)
}
