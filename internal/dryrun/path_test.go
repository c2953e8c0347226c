package dryrun

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResourcePath(t *testing.T) {
	for _, tc := range []struct {
		apiVersion, kind, namespace, name string
		expected                          string
	}{
		{"v1", "Pod", "default", "x", "/api/v1/namespaces/default/pods/x?dryRun=All"},
		{"v1", "Namespace", "", "kube-system", "/api/v1/namespaces/kube-system?dryRun=All"},
		{"", "ConfigMap", "default", "settings", "/api/v1/namespaces/default/configmaps/settings?dryRun=All"},
		{"apps/v1", "Deployment", "shop", "web", "/apis/apps/v1/namespaces/shop/deployments/web?dryRun=All"},
		{
			"cluster.x-k8s.io/v1beta1", "Cluster", "", "workload",
			"/apis/cluster.x-k8s.io/v1beta1/clusters/workload?dryRun=All",
		},
		// irregular plurals are not special-cased.
		{
			"networking.k8s.io/v1", "Ingress", "default", "web",
			"/apis/networking.k8s.io/v1/namespaces/default/ingresss/web?dryRun=All",
		},
		{
			"networking.k8s.io/v1", "NetworkPolicy", "default", "deny",
			"/apis/networking.k8s.io/v1/namespaces/default/networkpolicys/deny?dryRun=All",
		},
	} {
		t.Run(tc.expected, func(t *testing.T) {
			path, err := ResourcePath(tc.apiVersion, tc.kind, tc.namespace, tc.name)
			require.NoError(t, err)
			require.Equal(t, tc.expected, path)
		})
	}
}

func TestResourcePathErrors(t *testing.T) {
	for name, args := range map[string][4]string{
		"no kind":              {"v1", "", "default", "x"},
		"no name":              {"v1", "Pod", "default", ""},
		"malformed apiVersion": {"a/b/c", "Pod", "default", "x"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ResourcePath(args[0], args[1], args[2], args[3])
			require.Error(t, err)
		})
	}
}
