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
package kubeobjects

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// DocumentSeparator joins serialized documents.
const DocumentSeparator = "---\n"

// ParseDocuments parses a (multi-document) YAML stream. Empty documents are returned as Null.
// Aliases are expanded and merge keys resolved, so the returned trees never share nodes.
func ParseDocuments(text string) ([]Node, error) {
	dec := yaml.NewDecoder(strings.NewReader(text))

	var docs []Node
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return docs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("could not parse document %d: %w", len(docs)+1, err)
		}

		n, err := fromYAML(&doc)
		if err != nil {
			return nil, fmt.Errorf("could not read document %d: %w", len(docs)+1, err)
		}
		docs = append(docs, n)
	}
}

// maxAliasNodes bounds the number of nodes that alias expansion may produce per document.
const maxAliasNodes = 10000

const mergeTag = "!!merge"

// decoder converts a yaml.v3 node tree into a Node tree. Aliases are expanded and merge keys are
// resolved; an alias that refers to one of its own ancestors is an error.
type decoder struct {
	expanding  map[*yaml.Node]bool
	aliasDepth int
	aliasNodes int
}

func fromYAML(n *yaml.Node) (Node, error) {
	d := &decoder{expanding: map[*yaml.Node]bool{}}
	return d.node(n)
}

func (d *decoder) node(n *yaml.Node) (Node, error) {
	if d.aliasDepth > 0 {
		d.aliasNodes++
		if d.aliasNodes > maxAliasNodes {
			return nil, fmt.Errorf("line %d: aliases expand to more than %d nodes", n.Line, maxAliasNodes)
		}
	}

	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return Null{}, nil
		}
		return d.node(n.Content[0])

	case yaml.AliasNode:
		return d.alias(n)

	case yaml.MappingNode:
		return d.mapping(n)

	case yaml.SequenceNode:
		items := make([]Node, 0, len(n.Content))
		for _, c := range n.Content {
			item, err := d.node(c)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return Sequence{Items: items}, nil

	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return Null{}, nil
		}
		return Scalar{Tag: n.Tag, Value: n.Value, Style: n.Style}, nil

	default:
		return nil, fmt.Errorf("line %d: unsupported YAML node kind %v", n.Line, n.Kind)
	}
}

func (d *decoder) alias(n *yaml.Node) (Node, error) {
	if n.Alias == nil {
		return nil, fmt.Errorf("line %d: unknown anchor %q", n.Line, n.Value)
	}
	if d.expanding[n.Alias] {
		return nil, fmt.Errorf("line %d: anchor %q refers to itself", n.Line, n.Value)
	}
	d.expanding[n.Alias] = true
	d.aliasDepth++
	defer func() {
		delete(d.expanding, n.Alias)
		d.aliasDepth--
	}()
	return d.node(n.Alias)
}

// mapping converts a mapping node. Keys pulled in through a merge key ("<<") never override keys
// of the mapping itself, and earlier merge sources take precedence over later ones.
func (d *decoder) mapping(n *yaml.Node) (Node, error) {
	if len(n.Content)%2 != 0 {
		return nil, fmt.Errorf("line %d: mapping has a key without value", n.Line)
	}

	explicit := map[string]bool{}
	for i := 0; i < len(n.Content); i += 2 {
		if key := resolveAlias(n.Content[i]); key.Tag != mergeTag {
			explicit[key.Value] = true
		}
	}

	m := NewMapping(len(n.Content) / 2)
	merged := map[string]bool{}
	for i := 0; i < len(n.Content); i += 2 {
		key := resolveAlias(n.Content[i])
		if key.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: only scalar mapping keys are supported", key.Line)
		}

		value, err := d.node(n.Content[i+1])
		if err != nil {
			return nil, err
		}

		if key.Tag != mergeTag {
			m.Fields = append(m.Fields, Field{Key: key.Value, Value: value})
			continue
		}

		sources, err := mergeSources(value)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", key.Line, err)
		}
		for _, src := range sources {
			for _, f := range src.Fields {
				if explicit[f.Key] || merged[f.Key] {
					continue
				}
				merged[f.Key] = true
				m.Fields = append(m.Fields, f)
			}
		}
	}
	return m, nil
}

func mergeSources(value Node) ([]Mapping, error) {
	switch v := value.(type) {
	case Mapping:
		return []Mapping{v}, nil
	case Sequence:
		sources := make([]Mapping, 0, len(v.Items))
		for _, item := range v.Items {
			m, ok := item.(Mapping)
			if !ok {
				return nil, fmt.Errorf("merge sequence may only contain mappings")
			}
			sources = append(sources, m)
		}
		return sources, nil
	default:
		return nil, fmt.Errorf("merge value must be a mapping or a sequence of mappings")
	}
}

func resolveAlias(n *yaml.Node) *yaml.Node {
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		return n.Alias
	}
	return n
}

func toYAML(n Node) *yaml.Node {
	switch v := n.(type) {
	case Mapping:
		out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Content: make([]*yaml.Node, 0, 2*len(v.Fields))}
		for _, f := range v.Fields {
			out.Content = append(out.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: f.Key},
				toYAML(f.Value),
			)
		}
		return out
	case Sequence:
		out := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Content: make([]*yaml.Node, 0, len(v.Items))}
		for _, item := range v.Items {
			out.Content = append(out.Content, toYAML(item))
		}
		return out
	case Scalar:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: v.Tag, Value: v.Value, Style: v.Style}
	default:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	}
}

// Encode serializes a single document with a 2-space indent and without line wrapping.
func Encode(n Node) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(toYAML(n)); err != nil {
		return nil, fmt.Errorf("could not encode document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("could not encode document: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeDocuments serializes docs. A single document is written on its own, multiple documents
// are joined by DocumentSeparator.
func EncodeDocuments(docs []Node) (string, error) {
	parts := make([]string, 0, len(docs))
	for i, doc := range docs {
		b, err := Encode(doc)
		if err != nil {
			return "", fmt.Errorf("document %d: %w", i+1, err)
		}
		parts = append(parts, string(b))
	}
	return strings.Join(parts, DocumentSeparator), nil
}
