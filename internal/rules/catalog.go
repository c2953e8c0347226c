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

// Package rules is the static catalog of fields that the API server or platform add-ons write into
// a resource and that therefore have no place in a re-appliable manifest.
package rules

import (
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// LastAppliedConfigAnnotation is written by `kubectl apply`.
const LastAppliedConfigAnnotation = "kubectl.kubernetes.io/last-applied-configuration"

// coreMetadataFields are populated by the API server for every object.
var coreMetadataFields = []string{
	"uid",
	"resourceVersion",
	"creationTimestamp",
	"generation",
	"managedFields",
	"selfLink",
}

// metadataFields are removed from metadata in static mode.
var metadataFields = append([]string{
	"ownerReferences",
	"finalizers",
}, coreMetadataFields...)

var vendorAnnotationPrefixes = []string{
	"run.tanzu.vmware.com/",
	"tkg.tanzu.vmware.com/",
}

// systemAnnotationPrefixes are stripped on top of the vendor annotations when the cluster is
// consulted, as the API server and kubectl own everything below them.
var systemAnnotationPrefixes = []string{
	"kubectl.kubernetes.io/",
	"deployment.kubernetes.io/",
}

var vendorLabelPrefixes = []string{
	"topology.cluster.x-k8s.io/",
	"run.tanzu.vmware.com/",
	"addon.addons.kubernetes.vmware.com/",
}

// Cluster API controllers fill in these references from the cluster topology.
var vendorSpecRefs = sets.New(
	"controlPlaneRef",
	"infrastructureRef",
	"controlPlaneEndpoint",
)

// StaticMetadataKeys returns the metadata keys that are always removed in static mode.
func StaticMetadataKeys() sets.Set[string] {
	return sets.New(metadataFields...)
}

// CoreMetadataKeys returns the metadata keys that every API server populates.
func CoreMetadataKeys() sets.Set[string] {
	return sets.New(coreMetadataFields...)
}

// IsVendorAnnotation reports whether an annotation was injected by kubectl or a platform add-on.
func IsVendorAnnotation(key string) bool {
	return key == LastAppliedConfigAnnotation || hasAnyPrefix(key, vendorAnnotationPrefixes)
}

// IsSystemAnnotation reports whether an annotation lives below a prefix owned by kubectl or the
// core controllers.
func IsSystemAnnotation(key string) bool {
	return hasAnyPrefix(key, systemAnnotationPrefixes)
}

// IsVendorLabel reports whether a label was injected by Cluster API or a platform add-on.
func IsVendorLabel(key string) bool {
	return hasAnyPrefix(key, vendorLabelPrefixes)
}

// IsVendorSpecRef reports whether a spec key is a reference filled in by Cluster API.
func IsVendorSpecRef(key string) bool {
	return vendorSpecRefs.Has(key)
}

func hasAnyPrefix(key string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
