/*
 * © 2024 Snyk Limited
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package kubeobjects holds the document tree that manifests are parsed into, together with the
// YAML codec and helpers to address and remove values within a tree.
package kubeobjects

import (
	"strconv"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Node is a single value within a manifest. It is one of Mapping, Sequence, Scalar or Null.
// Nodes are never modified after construction; functions that change a tree return a new one.
type Node interface {
	isNode()
}

// Field is a key/value pair of a Mapping.
type Field struct {
	Key   string
	Value Node
}

// Mapping is an ordered map. Key order is the order found in the source document.
type Mapping struct {
	Fields []Field
}

// Sequence is a list of nodes.
type Sequence struct {
	Items []Node
}

// Scalar is a leaf value. Tag is the resolved YAML tag (e.g. "!!str", "!!int") and Style the
// quoting style it was written with, so that values survive a round trip unchanged.
type Scalar struct {
	Tag   string
	Value string
	Style yaml.Style
}

// Null is an explicit or implicit null value.
type Null struct{}

func (Mapping) isNode()  {}
func (Sequence) isNode() {}
func (Scalar) isNode()   {}
func (Null) isNode()     {}

// NewMapping returns an empty mapping with room for n fields.
func NewMapping(n int) Mapping {
	return Mapping{Fields: make([]Field, 0, n)}
}

// String returns a plain string scalar.
func String(value string) Scalar {
	return Scalar{Tag: "!!str", Value: value}
}

// Len returns the number of fields.
func (m Mapping) Len() int {
	return len(m.Fields)
}

// Get returns the value stored under key.
func (m Mapping) Get(key string) (Node, bool) {
	for _, f := range m.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Keys returns the keys of the mapping in document order.
func (m Mapping) Keys() []string {
	keys := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		keys = append(keys, f.Key)
	}
	return keys
}

// With returns a copy of the mapping where key is set to value. An existing key keeps its
// position, a new key is appended.
func (m Mapping) With(key string, value Node) Mapping {
	out := NewMapping(len(m.Fields) + 1)
	replaced := false
	for _, f := range m.Fields {
		if f.Key == key {
			f.Value = value
			replaced = true
		}
		out.Fields = append(out.Fields, f)
	}
	if !replaced {
		out.Fields = append(out.Fields, Field{Key: key, Value: value})
	}
	return out
}

// Without returns a copy of the mapping that does not contain key.
func (m Mapping) Without(key string) Mapping {
	out := NewMapping(len(m.Fields))
	for _, f := range m.Fields {
		if f.Key != key {
			out.Fields = append(out.Fields, f)
		}
	}
	return out
}

// StringField returns the string value found by following path from n. The second return value
// is false if any element of the path is missing or the value isn't a scalar.
func StringField(n Node, path ...string) (string, bool) {
	for _, key := range path {
		m, ok := n.(Mapping)
		if !ok {
			return "", false
		}
		if n, ok = m.Get(key); !ok {
			return "", false
		}
	}
	s, ok := n.(Scalar)
	if !ok {
		return "", false
	}
	return s.Value, true
}

// Copy returns a deep copy of n that shares no slices with it.
func Copy(n Node) Node {
	switch v := n.(type) {
	case Mapping:
		out := NewMapping(len(v.Fields))
		for _, f := range v.Fields {
			out.Fields = append(out.Fields, Field{Key: f.Key, Value: Copy(f.Value)})
		}
		return out
	case Sequence:
		items := make([]Node, 0, len(v.Items))
		for _, item := range v.Items {
			items = append(items, Copy(item))
		}
		return Sequence{Items: items}
	default:
		return n
	}
}

// ToInterface converts n into the JSON-compatible types used by unstructured objects:
// map[string]interface{}, []interface{}, string, int64, float64, bool and nil.
func ToInterface(n Node) interface{} {
	switch v := n.(type) {
	case Mapping:
		m := make(map[string]interface{}, len(v.Fields))
		for _, f := range v.Fields {
			m[f.Key] = ToInterface(f.Value)
		}
		return m
	case Sequence:
		items := make([]interface{}, 0, len(v.Items))
		for _, item := range v.Items {
			items = append(items, ToInterface(item))
		}
		return items
	case Scalar:
		return scalarValue(v)
	default:
		return nil
	}
}

func scalarValue(s Scalar) interface{} {
	switch s.Tag {
	case "!!null":
		return nil
	case "!!bool":
		if b, err := strconv.ParseBool(s.Value); err == nil {
			return b
		}
	case "!!int":
		if i, err := strconv.ParseInt(s.Value, 0, 64); err == nil {
			return i
		}
	case "!!float":
		if f, err := strconv.ParseFloat(s.Value, 64); err == nil {
			return f
		}
	}
	return s.Value
}

// ToUnstructured wraps a mapping document into an unstructured object. Non-mapping documents
// yield an empty object.
func ToUnstructured(n Node) *unstructured.Unstructured {
	obj, ok := ToInterface(n).(map[string]interface{})
	if !ok {
		obj = map[string]interface{}{}
	}
	return &unstructured.Unstructured{Object: obj}
}
