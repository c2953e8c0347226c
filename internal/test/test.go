/*
 * © 2023 Snyk Limited
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

// Package test starts throwaway API servers for the tests that need a real cluster to answer
// dry-run requests.
package test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/envtest"
)

// StartCluster starts a kube-apiserver and etcd through envtest and waits until the API answers.
// The test is skipped when running with -short or when the envtest binaries are not installed.
func StartCluster(t *testing.T) (*rest.Config, client.Client) {
	t.Helper()
	if testing.Short() {
		t.Skip("not running tests that spawn an API server")
	}
	if os.Getenv("KUBEBUILDER_ASSETS") == "" {
		t.Skip("KUBEBUILDER_ASSETS is not set, envtest binaries are not available")
	}

	cfg := SetupEnv(t)
	c, err := client.New(cfg, client.Options{Scheme: scheme.Scheme})
	if err != nil {
		t.Fatalf("could not create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := WaitForAPI(ctx, c); err != nil {
		t.Fatalf("error waiting for API: %v", err)
	}
	return cfg, c
}

// SetupEnv sets up a test environment, meaning a kube-apiserver and an etcd store in order to run
// tests. This depends on "envtest" to be setup locally (e.g. for the binaries to be present), and
// will register a cleanup hook to stop everything at the end of the test.
func SetupEnv(t *testing.T) *rest.Config {
	testEnv := &envtest.Environment{}
	env, err := testEnv.Start()
	if err != nil {
		t.Fatalf("could not setup test environment: %v", err)
	}

	t.Cleanup(func() {
		testEnv.ControlPlaneStopTimeout = 10 * time.Second
		if err := testEnv.Stop(); err != nil {
			t.Errorf("error stopping test env: %v\n", err)
		}
	})

	return env
}

// GenerateKubeconfig writes a kubeconfig for restCfg into a temporary directory that is removed
// once the test ends. The returned filename includes the path of the file.
func GenerateKubeconfig(t *testing.T, restCfg *rest.Config) (filename string) {
	clientConfig := clientcmdapi.Config{
		Kind:       "Config",
		APIVersion: "v1",
		Clusters: map[string]*clientcmdapi.Cluster{
			"default": {
				Server:                   restCfg.Host,
				CertificateAuthorityData: restCfg.CAData,
			},
		},
		Contexts: map[string]*clientcmdapi.Context{
			"default": {
				Cluster:  "default",
				AuthInfo: "default",
			},
		},
		CurrentContext: "default",
		AuthInfos: map[string]*clientcmdapi.AuthInfo{
			"default": {
				Token:                 restCfg.BearerToken,
				ClientKeyData:         restCfg.KeyData,
				ClientCertificateData: restCfg.CertData,
			},
		},
	}

	file, err := os.CreateTemp(t.TempDir(), "kubeconfig-*")
	if err != nil {
		t.Fatalf("could not create temporary kubeconfig file for testing: %v", err)
	}

	if err := clientcmd.WriteToFile(clientConfig, file.Name()); err != nil {
		t.Fatalf("could not write kubeconfig: %v", err)
	}
	return file.Name()
}

// WaitForAPI blocks until the default namespace can be read or ctx expires.
func WaitForAPI(ctx context.Context, c client.Client) error {
	for {
		err := c.Get(ctx, types.NamespacedName{Name: "default"}, &corev1.Namespace{})
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return fmt.Errorf("timeout waiting for API to be ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Deployment returns a minimal, valid deployment named name.
func Deployment(namespace, name string) *appsv1.Deployment {
	replicas := int32(2)
	labels := map[string]string{"app": name}
	return &appsv1.Deployment{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "apps/v1",
			Kind:       "Deployment",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  name,
						Image: "nginx:1.27",
					}},
				},
			},
		},
	}
}
