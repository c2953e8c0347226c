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
package openapi

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Document is a decoded OpenAPI v2 (swagger) or v3 document.
type Document map[string]interface{}

// ObjectMetaDefinition is the name of the ObjectMeta schema in the Kubernetes OpenAPI documents.
const ObjectMetaDefinition = "io.k8s.apimachinery.pkg.apis.meta.v1.ObjectMeta"

// serverManagedFields are treated as read-only even if the schema doesn't flag them, which is the
// case for the documents that Kubernetes publishes.
var serverManagedFields = sets.New(
	"uid",
	"resourceVersion",
	"generation",
	"creationTimestamp",
	"managedFields",
	"selfLink",
	"ownerReferences",
)

// definitionPaths lists where ObjectMeta lives in v2 and v3 documents respectively.
var definitionPaths = [][]string{
	{"definitions", ObjectMetaDefinition, "properties"},
	{"components", "schemas", ObjectMetaDefinition, "properties"},
}

// ReadOnlyMetadataFields returns the ObjectMeta properties that are either flagged readOnly in doc
// or known to be managed by the server. If doc has no ObjectMeta definition, the returned set is
// empty.
func ReadOnlyMetadataFields(doc Document) sets.Set[string] {
	fields := sets.New[string]()

	properties, ok := objectMetaProperties(doc)
	if !ok {
		return fields
	}

	for name, p := range properties {
		if serverManagedFields.Has(name) {
			fields.Insert(name)
			continue
		}
		property, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		if readOnly, _ := property["readOnly"].(bool); readOnly {
			fields.Insert(name)
		}
	}
	return fields
}

func objectMetaProperties(doc Document) (map[string]interface{}, bool) {
	for _, path := range definitionPaths {
		val, found, err := unstructured.NestedFieldNoCopy(doc, path...)
		if err != nil || !found {
			continue
		}
		if properties, ok := val.(map[string]interface{}); ok {
			return properties, true
		}
	}
	return nil, false
}
