package kubeobjects

import (
	"strconv"
	"strings"
)

// JoinPath appends key to a dot-separated field path. Keys are not escaped, so label keys such as
// "topology.cluster.x-k8s.io/owned" appear verbatim.
func JoinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// IndexPath appends a sequence index to a field path, e.g. "spec.containers[0]".
func IndexPath(prefix string, index int) string {
	return prefix + "[" + strconv.Itoa(index) + "]"
}

// SplitPath splits a dot-separated address into its parts, in the same format as arguments to
// `kubectl explain`.
func SplitPath(expr string) []string {
	if expr == "" {
		return nil
	}
	return strings.Split(expr, ".")
}

// RemoveAttribute returns a deep copy of doc without the value addressed by path. Only mappings
// are traversed. If any element of the path does not exist, the returned bool is false and doc is
// returned as is.
func RemoveAttribute(doc Node, path []string) (Node, bool) {
	if len(path) == 0 {
		return doc, false
	}
	if _, found := lookup(doc, path); !found {
		return doc, false
	}
	return removeAttribute(Copy(doc), path), true
}

func lookup(n Node, path []string) (Node, bool) {
	for _, key := range path {
		m, ok := n.(Mapping)
		if !ok {
			return nil, false
		}
		if n, ok = m.Get(key); !ok {
			return nil, false
		}
	}
	return n, true
}

// removeAttribute expects the path to exist.
func removeAttribute(n Node, path []string) Node {
	m := n.(Mapping)
	if len(path) == 1 {
		return m.Without(path[0])
	}
	child, _ := m.Get(path[0])
	return m.With(path[0], removeAttribute(child, path[1:]))
}
