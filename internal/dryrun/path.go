package dryrun

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// ResourcePath returns the dry-run path of the named resource, relative to the cluster URL. An
// empty apiVersion is read as the core "v1". The resource name is derived from kind by lowercasing
// it and appending an "s"; irregular plurals such as "Ingress" are not handled.
func ResourcePath(apiVersion, kind, namespace, name string) (string, error) {
	if apiVersion == "" {
		apiVersion = "v1"
	}
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return "", fmt.Errorf("could not parse apiVersion: %w", err)
	}
	if kind == "" {
		return "", fmt.Errorf("kind is required")
	}
	if name == "" {
		return "", fmt.Errorf("metadata.name is required")
	}

	var b strings.Builder
	if gv.Group == "" {
		b.WriteString("/api/" + gv.Version)
	} else {
		b.WriteString("/apis/" + gv.Group + "/" + gv.Version)
	}
	if namespace != "" {
		b.WriteString("/namespaces/" + namespace)
	}
	b.WriteString("/" + strings.ToLower(kind) + "s/" + name + "?dryRun=All")
	return b.String(), nil
}
