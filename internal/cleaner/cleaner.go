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

// Package cleaner strips server-managed fields from manifest trees and records what it removed.
package cleaner

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/snyk/manifest-washer/internal/kubeobjects"
	"github.com/snyk/manifest-washer/internal/rules"
)

// Reasons recorded in the removal ledger.
const (
	ReasonStatus           = "runtime status (auto-generated)"
	ReasonSystemMetadata   = "system-generated metadata"
	ReasonVendorAnnotation = "vendor annotation"
	ReasonSystemAnnotation = "system annotation"
	ReasonVendorLabel      = "vendor label"
	ReasonVendorReference  = "vendor reference (auto-populated)"
	ReasonDryRun           = "dry-run verified removable"
)

// neverProbed spec fields are always authored by the user.
var neverProbed = sets.New("topology", "clusterNetwork")

// Removal is a single entry of the removal ledger.
type Removal struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

type Cleaner struct {
	ruleSet Rules
}

func New(r Rules) *Cleaner {
	if r.MetadataKeys == nil {
		r.MetadataKeys = sets.New[string]()
	}
	if r.ProbeParallelism < 1 {
		r.ProbeParallelism = 1
	}
	return &Cleaner{ruleSet: r}
}

// Clean returns a cleaned copy of doc together with the ledger of removed fields. Paths in the
// ledger are prefixed with pathPrefix. doc itself is not modified.
//
// An error is only returned when the rules include a prober, doc has spec fields to ask about and
// it cannot be addressed on the cluster.
func (c *Cleaner) Clean(ctx context.Context, doc kubeobjects.Node, pathPrefix string) (kubeobjects.Node, []Removal, error) {
	removals := []Removal{}
	cleaned := c.walk(doc, pathPrefix, &removals)

	if c.ruleSet.Prober == nil {
		return cleaned, removals, nil
	}

	probed, probeRemovals, err := c.probeSpec(ctx, cleaned, pathPrefix)
	if err != nil {
		return nil, nil, err
	}
	return probed, append(removals, probeRemovals...), nil
}

func (c *Cleaner) walk(n kubeobjects.Node, path string, out *[]Removal) kubeobjects.Node {
	switch v := n.(type) {
	case kubeobjects.Sequence:
		items := make([]kubeobjects.Node, 0, len(v.Items))
		for i, item := range v.Items {
			items = append(items, c.walk(item, kubeobjects.IndexPath(path, i), out))
		}
		return kubeobjects.Sequence{Items: items}
	case kubeobjects.Mapping:
		return c.walkMapping(v, path, out)
	default:
		return n
	}
}

func (c *Cleaner) walkMapping(m kubeobjects.Mapping, path string, out *[]Removal) kubeobjects.Mapping {
	cleaned := kubeobjects.NewMapping(m.Len())
	for _, f := range m.Fields {
		fieldPath := kubeobjects.JoinPath(path, f.Key)

		switch f.Key {
		case "status":
			*out = append(*out, Removal{Path: fieldPath, Reason: ReasonStatus})
			continue
		case "metadata":
			if md, ok := f.Value.(kubeobjects.Mapping); ok {
				md = c.cleanMetadata(md, fieldPath, out)
				if md.Len() > 0 {
					cleaned.Fields = append(cleaned.Fields, kubeobjects.Field{Key: f.Key, Value: md})
				}
				continue
			}
		case "spec":
			if spec, ok := f.Value.(kubeobjects.Mapping); ok {
				cleaned.Fields = append(cleaned.Fields, kubeobjects.Field{Key: f.Key, Value: c.cleanSpec(spec, fieldPath, out)})
				continue
			}
		}

		cleaned.Fields = append(cleaned.Fields, kubeobjects.Field{Key: f.Key, Value: c.walk(f.Value, fieldPath, out)})
	}
	return cleaned
}

func (c *Cleaner) cleanMetadata(md kubeobjects.Mapping, path string, out *[]Removal) kubeobjects.Mapping {
	cleaned := kubeobjects.NewMapping(md.Len())
	for _, f := range md.Fields {
		fieldPath := kubeobjects.JoinPath(path, f.Key)

		if c.ruleSet.MetadataKeys.Has(f.Key) {
			*out = append(*out, Removal{Path: fieldPath, Reason: ReasonSystemMetadata})
			continue
		}

		var value kubeobjects.Node
		switch m, isMapping := f.Value.(kubeobjects.Mapping); {
		case isMapping && f.Key == "annotations":
			value = stripKeys(m, fieldPath, c.annotationReason, out)
		case isMapping && f.Key == "labels":
			value = stripKeys(m, fieldPath, labelReason, out)
		default:
			value = c.walk(f.Value, fieldPath, out)
		}

		// annotations and labels that end up empty are dropped like metadata itself
		if m, ok := value.(kubeobjects.Mapping); ok && m.Len() == 0 && (f.Key == "annotations" || f.Key == "labels") {
			continue
		}
		cleaned.Fields = append(cleaned.Fields, kubeobjects.Field{Key: f.Key, Value: value})
	}
	return cleaned
}

func (c *Cleaner) cleanSpec(spec kubeobjects.Mapping, path string, out *[]Removal) kubeobjects.Mapping {
	cleaned := kubeobjects.NewMapping(spec.Len())
	for _, f := range spec.Fields {
		fieldPath := kubeobjects.JoinPath(path, f.Key)
		if rules.IsVendorSpecRef(f.Key) {
			*out = append(*out, Removal{Path: fieldPath, Reason: ReasonVendorReference})
			continue
		}
		cleaned.Fields = append(cleaned.Fields, kubeobjects.Field{Key: f.Key, Value: c.walk(f.Value, fieldPath, out)})
	}
	return cleaned
}

func (c *Cleaner) annotationReason(key string) (string, bool) {
	if rules.IsVendorAnnotation(key) {
		return ReasonVendorAnnotation, true
	}
	if c.ruleSet.StripSystemAnnotations && rules.IsSystemAnnotation(key) {
		return ReasonSystemAnnotation, true
	}
	return "", false
}

func labelReason(key string) (string, bool) {
	if rules.IsVendorLabel(key) {
		return ReasonVendorLabel, true
	}
	return "", false
}

// stripKeys drops the entries of m that reason matches. Values are kept as they are.
func stripKeys(m kubeobjects.Mapping, path string, reason func(string) (string, bool), out *[]Removal) kubeobjects.Mapping {
	kept := kubeobjects.NewMapping(m.Len())
	for _, f := range m.Fields {
		if r, ok := reason(f.Key); ok {
			*out = append(*out, Removal{Path: kubeobjects.JoinPath(path, f.Key), Reason: r})
			continue
		}
		kept.Fields = append(kept.Fields, f)
	}
	return kept
}

// probeSpec asks the prober about each top-level spec field of doc. Every probe sees the same
// document, so probes are independent of each other and may run concurrently.
func (c *Cleaner) probeSpec(ctx context.Context, doc kubeobjects.Node, path string) (kubeobjects.Node, []Removal, error) {
	root, ok := doc.(kubeobjects.Mapping)
	if !ok {
		return nil, nil, fmt.Errorf("document is not a mapping")
	}
	specNode, _ := root.Get("spec")
	spec, ok := specNode.(kubeobjects.Mapping)
	if !ok {
		return doc, nil, nil
	}

	candidates := make([]string, 0, spec.Len())
	for _, key := range spec.Keys() {
		if !neverProbed.Has(key) {
			candidates = append(candidates, key)
		}
	}
	if len(candidates) == 0 {
		return doc, nil, nil
	}

	kind, _ := kubeobjects.StringField(root, "kind")
	name, _ := kubeobjects.StringField(root, "metadata", "name")
	if kind == "" || name == "" {
		return nil, nil, fmt.Errorf("document needs kind and metadata.name to be checked against the cluster")
	}
	logger := log.FromContext(ctx).WithValues("kind", kind, "name", name)

	removable := make([]bool, len(candidates))
	var g errgroup.Group
	g.SetLimit(c.ruleSet.ProbeParallelism)
	for i, key := range candidates {
		g.Go(func() error {
			removable[i] = c.ruleSet.Prober.CanRemove(ctx, root, []string{"spec", key})
			return nil
		})
	}
	_ = g.Wait()

	specPath := kubeobjects.JoinPath(path, "spec")
	removals := []Removal{}
	for i, key := range candidates {
		if !removable[i] {
			continue
		}
		spec = spec.Without(key)
		removals = append(removals, Removal{Path: kubeobjects.JoinPath(specPath, key), Reason: ReasonDryRun})
	}

	logger.V(1).Info("probed spec fields", "candidates", len(candidates), "removed", len(removals))
	return root.With("spec", spec), removals, nil
}

// Dedupe returns removals without repeated paths. The first record of a path is kept.
func Dedupe(removals []Removal) []Removal {
	seen := sets.New[string]()
	out := make([]Removal, 0, len(removals))
	for _, r := range removals {
		if seen.Has(r.Path) {
			continue
		}
		seen.Insert(r.Path)
		out = append(out, r)
	}
	return out
}
