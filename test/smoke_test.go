package test

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	k8sconfig "sigs.k8s.io/controller-runtime/pkg/client/config"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/yaml"

	"github.com/snyk/manifest-washer/internal/cleaner"
	"github.com/snyk/manifest-washer/internal/config"
	"github.com/snyk/manifest-washer/internal/dryrun"
	controllertest "github.com/snyk/manifest-washer/internal/test"
	"github.com/snyk/manifest-washer/internal/washer"
)

// TestSmoke exports a running deployment from a real cluster, washes it in smart mode against the
// same cluster and makes sure that the result is accepted by the API server again.
// The smoke test has a couple of prerequisites:
// - the kubectl context needs to point to a running cluster that can schedule pods.
// - the user of that context needs to be able to create namespaces.
func TestSmoke(t *testing.T) {
	if os.Getenv("TEST_SMOKE") == "" {
		t.Skip("not running smoke tests as env var TEST_SMOKE isn't set.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ctx = log.IntoContext(ctx, testr.New(t))

	restCfg, err := k8sconfig.GetConfig()
	if err != nil {
		t.Fatalf("could not get REST config: %v", err)
	}
	c, err := client.New(restCfg, client.Options{Scheme: scheme.Scheme})
	if err != nil {
		t.Fatalf("could not create kube client: %v", err)
	}

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: newNamespaceName()}}
	if err := c.Create(ctx, ns); err != nil {
		t.Fatalf("could not create namespace: %v", err)
	}
	defer func() {
		if err := c.Delete(context.Background(), ns); err != nil {
			t.Errorf("could not delete namespace %v: %v", ns.Name, err)
		}
	}()

	if err := c.Create(ctx, controllertest.Deployment(ns.Name, "smoke")); err != nil {
		t.Fatalf("could not create deployment: %v", err)
	}
	live, err := waitForDeployment(ctx, c, types.NamespacedName{Namespace: ns.Name, Name: "smoke"})
	if err != nil {
		t.Fatalf("error waiting for deployment to be up: %v", err)
	}

	if err := runTests(ctx, c, live); err != nil {
		t.Fatalf("test error: %v", err)
	}
}

func runTests(ctx context.Context, c client.Client, live *appsv1.Deployment) error {
	restCfg, err := k8sconfig.GetConfig()
	if err != nil {
		return fmt.Errorf("could not get REST config: %w", err)
	}
	target, err := dryrun.TargetFromRESTConfig(restCfg)
	if err != nil {
		return fmt.Errorf("could not derive cluster target: %w", err)
	}

	// typed objects returned by the client don't carry their GVK.
	live.APIVersion, live.Kind = "apps/v1", "Deployment"
	exported, err := yaml.Marshal(live)
	if err != nil {
		return fmt.Errorf("could not marshal deployment: %w", err)
	}

	cfg := config.Default()
	cfg.DryRun.Parallelism = 4
	result, err := washer.New(cfg, prometheus.NewPedanticRegistry()).SmartClean(ctx, string(exported), target)
	if err != nil {
		return fmt.Errorf("could not wash deployment: %w", err)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("washing reported errors: %v", result.Errors)
	}

	for _, field := range []string{"uid:", "resourceVersion:", "managedFields:", "status:", "deployment.kubernetes.io/revision"} {
		if strings.Contains(result.CleanedManifest, field) {
			return fmt.Errorf("cleaned manifest still contains %q:\n%s", field, result.CleanedManifest)
		}
	}
	if !containsRemoval(result.RemovedFields, "spec.replicas", cleaner.ReasonDryRun) {
		return fmt.Errorf("expected spec.replicas to be removed after a dry-run, got %v", result.RemovedFields)
	}

	// the cleaned manifest needs to be re-appliable; creating it under a new name proves that the
	// API server accepts everything that was kept.
	washed := &appsv1.Deployment{}
	if err := yaml.Unmarshal([]byte(result.CleanedManifest), washed); err != nil {
		return fmt.Errorf("could not unmarshal cleaned manifest: %w", err)
	}
	washed.Name = live.Name + "-washed"
	if err := c.Create(ctx, washed, client.DryRunAll); err != nil {
		return fmt.Errorf("cleaned manifest was rejected by the API server: %w", err)
	}
	return nil
}

func containsRemoval(removals []cleaner.Removal, path, reason string) bool {
	for _, r := range removals {
		if r.Path == path && r.Reason == reason {
			return true
		}
	}
	return false
}

func waitForDeployment(ctx context.Context, c client.Client, nn types.NamespacedName) (*appsv1.Deployment, error) {
	deploy := &appsv1.Deployment{}
	err := eventually(func() error {
		if err := c.Get(ctx, nn, deploy); err != nil {
			return fmt.Errorf("error getting deployment: %w", err)
		}
		if deploy.Status.AvailableReplicas < 1 {
			return fmt.Errorf("no replicas available")
		}
		return nil
	}, 2*time.Minute, time.Second)
	return deploy, err
}

func eventually(fn func() error, timeout time.Duration, tick time.Duration) error {
	after := time.After(timeout)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var err error
	if err = fn(); err == nil {
		return nil
	}
	for {
		select {
		case <-after:
			return fmt.Errorf("timed out waiting for condition. last error: %w", err)
		case <-ticker.C:
			err = fn()
			if err == nil {
				return nil
			}
		}
	}
}

// returns a new random namespace name with a "smoke-test-" prefix.
func newNamespaceName() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return fmt.Sprintf("smoke-test-%x", b)
}
