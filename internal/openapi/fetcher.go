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
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/yaml"

	"github.com/snyk/manifest-washer/internal/config"
	"github.com/snyk/manifest-washer/internal/metrics"
	"github.com/snyk/manifest-washer/internal/retry"
)

// Fetcher downloads OpenAPI documents, retrying transient failures.
type Fetcher struct {
	client     *http.Client
	newBackOff func() backoff.BackOff
	fetches    *prometheus.CounterVec
}

func NewFetcher(cfg config.Schema, reg prometheus.Registerer) *Fetcher {
	maxElapsed := cfg.MaxElapsedTime.Duration
	return &Fetcher{
		client: &http.Client{
			// the default transport automatically honors HTTP_PROXY settings.
			Transport: http.DefaultTransport,
			Timeout:   cfg.HTTPClientTimeout.Duration,
		},
		newBackOff: func() backoff.BackOff { return retry.Exponential(maxElapsed) },
		fetches: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "schema_fetches_total",
			Help:      "Number of OpenAPI schema fetches by result.",
		}, []string{"result"})),
	}
}

// Fetch downloads and decodes the document at url. Server errors and transport failures are
// retried until the backoff gives up; client errors such as a 404 for an unknown version are not.
func (f *Fetcher) Fetch(ctx context.Context, url string) (Document, error) {
	logger := log.FromContext(ctx).WithValues("url", url)

	var body []byte
	err := retry.Retry(ctx, logger, f.newBackOff(), func() error {
		var err error
		body, err = f.get(ctx, url)
		return err
	})
	if err != nil {
		f.fetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("could not fetch schema from %s: %w", url, err)
	}

	doc := Document{}
	if err := yaml.Unmarshal(body, &doc); err != nil {
		f.fetches.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("could not decode schema from %s: %w", url, err)
	}

	f.fetches.WithLabelValues("success").Inc()
	logger.V(1).Info("fetched schema", "bytes", len(body))
	return doc, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("could not construct request: %w", err))
	}
	req.Header.Add("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not get schema: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read body: %w", err)
	}

	if resp.StatusCode >= 300 || resp.StatusCode < 200 {
		err := fmt.Errorf("got non-2xx status code %v", resp.StatusCode)
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return body, nil
}
