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
package cleaner

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/snyk/manifest-washer/internal/kubeobjects"
	"github.com/snyk/manifest-washer/internal/rules"
)

// Mode selects where the metadata rules of a clean pass come from.
type Mode string

const (
	// ModeStatic uses the built-in catalog.
	ModeStatic Mode = "static"
	// ModeDynamic derives the metadata rules from the OpenAPI schema of a Kubernetes version.
	ModeDynamic Mode = "dynamic"
	// ModeSmart asks a live cluster which spec fields can go.
	ModeSmart Mode = "smart"
)

var modes = []Mode{ModeStatic, ModeDynamic, ModeSmart}

// ParseMode returns the mode named s. The empty string selects ModeStatic.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeStatic, nil
	}
	for _, m := range modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q, expected one of %v", s, modes)
}

// Prober decides whether the value at fieldPath can be left out of doc without the API server
// rejecting it. Implementations must answer false whenever they cannot tell.
type Prober interface {
	CanRemove(ctx context.Context, doc kubeobjects.Node, fieldPath []string) bool
}

// Rules configures a Cleaner.
type Rules struct {
	Mode Mode

	// MetadataKeys are removed from every metadata mapping.
	MetadataKeys sets.Set[string]

	// StripSystemAnnotations additionally removes annotations below the kubectl and core
	// controller prefixes.
	StripSystemAnnotations bool

	// Prober, if set, is asked about every top-level spec field after the rule based pass.
	Prober Prober

	// ProbeParallelism bounds the number of concurrent probes per document.
	ProbeParallelism int
}

// StaticRules returns the rules of the static mode.
func StaticRules() Rules {
	return Rules{
		Mode:         ModeStatic,
		MetadataKeys: rules.StaticMetadataKeys(),
	}
}

// DynamicRules returns the rules of the dynamic mode for the read-only metadata fields found in a
// schema. If readOnly is empty the static catalog is used instead and the returned bool is true.
func DynamicRules(readOnly sets.Set[string]) (Rules, bool) {
	if readOnly.Len() == 0 {
		r := StaticRules()
		r.Mode = ModeDynamic
		return r, true
	}
	return Rules{
		Mode:         ModeDynamic,
		MetadataKeys: readOnly.Clone().Insert("finalizers"),
	}, false
}

// SmartRules returns the rules of the smart mode. Metadata is cleaned of the fields every API
// server populates, spec fields are left to prober.
func SmartRules(prober Prober, parallelism int) Rules {
	if parallelism < 1 {
		parallelism = 1
	}
	return Rules{
		Mode:                   ModeSmart,
		MetadataKeys:           rules.CoreMetadataKeys().Insert("finalizers"),
		StripSystemAnnotations: true,
		Prober:                 prober,
		ProbeParallelism:       parallelism,
	}
}
