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

// Package washer cleans whole manifests: it splits them into documents, picks the rules for the
// requested mode, cleans every document and puts the results back together.
package washer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/snyk/manifest-washer/internal/cleaner"
	"github.com/snyk/manifest-washer/internal/config"
	"github.com/snyk/manifest-washer/internal/dryrun"
	"github.com/snyk/manifest-washer/internal/kubeobjects"
	"github.com/snyk/manifest-washer/internal/openapi"
)

// InputError is returned for requests that cannot be processed at all, e.g. because the manifest
// is not valid YAML or the cluster credentials are incomplete.
type InputError struct {
	Err error
}

func (e *InputError) Error() string {
	return e.Err.Error()
}

func (e *InputError) Unwrap() error {
	return e.Err
}

func inputErrorf(format string, args ...interface{}) error {
	return &InputError{Err: fmt.Errorf(format, args...)}
}

// IsInputError reports whether err or any error it wraps is an InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

type Options struct {
	Mode cleaner.Mode

	// KubernetesVersion selects the schema in dynamic mode. Empty means the configured default.
	KubernetesVersion string

	// SchemaURL overrides the schema location derived from KubernetesVersion.
	SchemaURL string

	// Cluster is required in smart mode.
	Cluster *dryrun.Target
}

type Result struct {
	CleanedManifest string            `json:"cleanedManifest"`
	RemovedFields   []cleaner.Removal `json:"removedFields"`
	// Errors holds one message per document that could not be cleaned and was passed through.
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// RemovedPaths returns the paths of all removed fields.
func (r *Result) RemovedPaths() []string {
	paths := make([]string, 0, len(r.RemovedFields))
	for _, removal := range r.RemovedFields {
		paths = append(paths, removal.Path)
	}
	return paths
}

type schemaSource interface {
	Fetch(ctx context.Context, url string) (openapi.Document, error)
}

type Washer struct {
	cfg       *config.Config
	schemas   schemaSource
	newProber func(dryrun.Target) (cleaner.Prober, error)
}

// New returns a Washer that registers its metrics with reg, which may be nil.
func New(cfg *config.Config, reg prometheus.Registerer) *Washer {
	probeMetrics := dryrun.NewMetrics(reg)
	probeOpts := dryrun.Options{
		Timeout:               cfg.DryRun.ProbeTimeout.Duration,
		InsecureSkipTLSVerify: cfg.DryRun.InsecureSkipTLSVerify,
	}

	return &Washer{
		cfg:     cfg,
		schemas: openapi.NewFetcher(cfg.Schema, reg),
		newProber: func(target dryrun.Target) (cleaner.Prober, error) {
			o, err := dryrun.New(target, probeOpts, probeMetrics)
			if err != nil {
				return nil, err
			}
			return o, nil
		},
	}
}

// SmartClean cleans manifest against the given cluster.
func (w *Washer) SmartClean(ctx context.Context, manifest string, target dryrun.Target) (*Result, error) {
	return w.WashAll(ctx, manifest, Options{Mode: cleaner.ModeSmart, Cluster: &target})
}

// WashAll cleans every document of rawText. Documents that fail to clean are passed through
// unchanged and reported in Result.Errors; only errors that affect the request as a whole are
// returned.
func (w *Washer) WashAll(ctx context.Context, rawText string, opts Options) (*Result, error) {
	if w.cfg.RequestTimeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.RequestTimeout.Duration)
		defer cancel()
	}
	logger := log.FromContext(ctx).WithValues("mode", opts.Mode)
	ctx = log.IntoContext(ctx, logger)

	if strings.TrimSpace(rawText) == "" {
		return nil, inputErrorf("manifest is required")
	}
	docs, err := kubeobjects.ParseDocuments(rawText)
	if err != nil {
		return nil, &InputError{Err: err}
	}

	ruleSet, warnings, err := w.rulesFor(ctx, opts)
	if err != nil {
		return nil, err
	}
	if opts.Mode != cleaner.ModeSmart {
		docs = expandLists(docs)
	}

	result := &Result{
		Errors:   []string{},
		Warnings: warnings,
	}
	c := cleaner.New(ruleSet)
	cleaned := make([]kubeobjects.Node, 0, len(docs))
	var removals []cleaner.Removal
	for i, doc := range docs {
		if _, ok := doc.(kubeobjects.Null); ok {
			continue
		}

		out, docRemovals, err := c.Clean(ctx, doc, "")
		if err != nil {
			logger.Error(err, "could not clean document, passing it through", "document", i+1)
			result.Errors = append(result.Errors, fmt.Sprintf("document %d: %v", i+1, err))
			cleaned = append(cleaned, doc)
			continue
		}
		cleaned = append(cleaned, out)
		removals = append(removals, docRemovals...)
	}
	result.RemovedFields = cleaner.Dedupe(removals)

	result.CleanedManifest, err = kubeobjects.EncodeDocuments(cleaned)
	if err != nil {
		return nil, fmt.Errorf("could not serialize cleaned manifest: %w", err)
	}

	logger.Info("washed manifest",
		"documents", len(cleaned),
		"removed", len(result.RemovedFields),
		"errors", len(result.Errors),
	)
	return result, nil
}

func (w *Washer) rulesFor(ctx context.Context, opts Options) (cleaner.Rules, []string, error) {
	warnings := []string{}

	switch opts.Mode {
	case cleaner.ModeStatic, "":
		return cleaner.StaticRules(), warnings, nil

	case cleaner.ModeDynamic:
		url := opts.SchemaURL
		if url == "" {
			url = w.cfg.Schema.URLFor(opts.KubernetesVersion)
		}
		doc, err := w.schemas.Fetch(ctx, url)
		if err != nil {
			log.FromContext(ctx).Error(err, "could not fetch schema, falling back to static rules")
			ruleSet, _ := cleaner.DynamicRules(nil)
			return ruleSet, append(warnings, fmt.Sprintf("could not fetch schema, using static rules: %v", err)), nil
		}
		ruleSet, fallback := cleaner.DynamicRules(openapi.ReadOnlyMetadataFields(doc))
		if fallback {
			warnings = append(warnings, fmt.Sprintf("schema at %s has no %s definition, using static rules",
				url, openapi.ObjectMetaDefinition))
		}
		return ruleSet, warnings, nil

	case cleaner.ModeSmart:
		if opts.Cluster == nil {
			return cleaner.Rules{}, nil, inputErrorf("a cluster is required for smart mode")
		}
		prober, err := w.newProber(*opts.Cluster)
		if err != nil {
			return cleaner.Rules{}, nil, &InputError{Err: fmt.Errorf("invalid cluster settings: %w", err)}
		}
		return cleaner.SmartRules(prober, w.cfg.DryRun.Parallelism), warnings, nil

	default:
		return cleaner.Rules{}, nil, inputErrorf("unknown mode %q", opts.Mode)
	}
}

// expandLists replaces every document of kind List by its items.
func expandLists(docs []kubeobjects.Node) []kubeobjects.Node {
	expanded := make([]kubeobjects.Node, 0, len(docs))
	for _, doc := range docs {
		kind, _ := kubeobjects.StringField(doc, "kind")
		if kind != "List" {
			expanded = append(expanded, doc)
			continue
		}
		items, _ := doc.(kubeobjects.Mapping).Get("items")
		seq, ok := items.(kubeobjects.Sequence)
		if !ok {
			expanded = append(expanded, doc)
			continue
		}
		expanded = append(expanded, seq.Items...)
	}
	return expanded
}
