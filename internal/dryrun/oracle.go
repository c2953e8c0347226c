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

// Package dryrun finds out whether a field can be left out of a manifest by sending the manifest
// without it to the API server as a dry-run update.
package dryrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/snyk/manifest-washer/internal/kubeobjects"
)

type Options struct {
	// Timeout bounds a single dry-run request. Zero means no timeout.
	Timeout time.Duration

	// InsecureSkipTLSVerify disables verification of the cluster's serving certificate for
	// targets without CA data.
	InsecureSkipTLSVerify bool
}

// Oracle answers removability questions for a single cluster. It is safe for concurrent use.
type Oracle struct {
	clusterURL string
	client     *http.Client
	metrics    *Metrics
}

// New returns an Oracle for target. The target is validated before anything else, so an error
// means that no request has been sent.
func New(target Target, opts Options, m *Metrics) (*Oracle, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	cfg := &rest.Config{
		Host:    target.ClusterURL,
		Timeout: opts.Timeout,
		TLSClientConfig: rest.TLSClientConfig{
			Insecure: opts.InsecureSkipTLSVerify && len(target.CAData) == 0,
			CAData:   target.CAData,
		},
	}
	target.Credential.apply(cfg)

	client, err := rest.HTTPClientFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not create cluster client: %w", err)
	}

	if m == nil {
		m = NewMetrics(nil)
	}
	return &Oracle{
		clusterURL: strings.TrimSuffix(target.ClusterURL, "/"),
		client:     client,
		metrics:    m,
	}, nil
}

const contentTypeYAML = "application/yaml"

// maxStatusBytes limits how much of a rejection is read. Status bodies are a few hundred bytes.
const maxStatusBytes = 1 << 20

// CanRemove reports whether doc is still accepted by the cluster without the value at fieldPath.
// A field that doesn't exist is trivially removable. When the cluster cannot be asked, for example
// because it is unreachable or the request times out, the field is kept and the failure is logged.
func (o *Oracle) CanRemove(ctx context.Context, doc kubeobjects.Node, fieldPath []string) bool {
	logger := log.FromContext(ctx).WithValues("field", strings.Join(fieldPath, "."))

	stripped, found := kubeobjects.RemoveAttribute(doc, fieldPath)
	if !found {
		o.metrics.observe(resultAbsent)
		return true
	}

	obj := kubeobjects.ToUnstructured(stripped)
	path, err := ResourcePath(obj.GetAPIVersion(), obj.GetKind(), obj.GetNamespace(), obj.GetName())
	if err != nil {
		o.metrics.observe(resultError)
		logger.Error(err, "could not determine resource path, keeping field")
		return false
	}

	body, err := kubeobjects.Encode(stripped)
	if err != nil {
		o.metrics.observe(resultError)
		logger.Error(err, "could not encode document, keeping field")
		return false
	}

	start := time.Now()
	removable, err := o.probe(ctx, logger, path, body)
	o.metrics.duration.Observe(time.Since(start).Seconds())
	if err != nil {
		o.metrics.observe(resultError)
		logger.Error(err, "dry-run request failed, keeping field", "path", path)
		return false
	}

	if removable {
		o.metrics.observe(resultRemovable)
	} else {
		o.metrics.observe(resultRequired)
	}
	logger.V(1).Info("probed field", "removable", removable)
	return removable
}

func (o *Oracle) probe(ctx context.Context, logger logr.Logger, path string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, o.clusterURL+path, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("could not construct request: %w", err)
	}
	req.Header.Add("Content-Type", contentTypeYAML)
	req.Header.Add("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("could not send dry-run request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBytes))
	if err != nil {
		return false, fmt.Errorf("got status code %v and could not read body: %w", resp.StatusCode, err)
	}

	status := metav1.Status{}
	if err := json.Unmarshal(respBody, &status); err == nil {
		logger.V(1).Info("dry-run rejected", "code", resp.StatusCode, "reason", status.Reason, "message", status.Message)
	}

	// rejections that are unrelated to a missing field don't block its removal.
	return !mentionsMissingField(respBody), nil
}

// mentionsMissingField matches case-insensitively on purpose: the API server reports missing
// fields as "Required value", which a case-sensitive match on "required" would miss.
func mentionsMissingField(body []byte) bool {
	b := bytes.ToLower(body)
	return bytes.Contains(b, []byte("required")) || bytes.Contains(b, []byte("missing"))
}
