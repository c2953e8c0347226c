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
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/yaml"
)

// ClusterTokenEnv names the environment variable that holds the bearer token used for dry-run
// probes started from the command line.
const ClusterTokenEnv = "MANIFEST_WASHER_CLUSTER_TOKEN"

type Config struct {
	// ListenAddress is the address the HTTP API binds to when serving.
	ListenAddress string `json:"listenAddress"`

	// RequestTimeout bounds a single wash request, including all dry-run probes and schema
	// fetches it triggers.
	RequestTimeout metav1.Duration `json:"requestTimeout"`

	// Schema contains everything related to fetching OpenAPI documents for the dynamic mode.
	Schema Schema `json:"schema"`

	// DryRun contains the settings of the smart mode's dry-run probes.
	DryRun DryRun `json:"dryRun"`

	// ClusterToken is the bearer token used for smart mode on the command line. Is not read from
	// the config file, can only be set through the environment variable.
	ClusterToken string `json:"-"`
}

type Schema struct {
	// URLTemplate is a printf template with a single %s verb that is replaced by the Kubernetes
	// version (a git ref of kubernetes/kubernetes, e.g. "v1.30.0" or "master").
	URLTemplate string `json:"urlTemplate"`

	// DefaultVersion is used when a request does not name a Kubernetes version.
	DefaultVersion string `json:"defaultVersion"`

	// HTTPClientTimeout sets the timeout of a single fetch attempt.
	HTTPClientTimeout metav1.Duration `json:"httpClientTimeout"`

	// MaxElapsedTime bounds the time spent retrying a failed fetch.
	MaxElapsedTime metav1.Duration `json:"maxElapsedTime"`
}

type DryRun struct {
	// ProbeTimeout bounds a single dry-run request. A probe that times out keeps its field.
	ProbeTimeout metav1.Duration `json:"probeTimeout"`

	// Parallelism is the number of probes issued concurrently for a document. 1 probes one field
	// after the other.
	Parallelism int `json:"parallelism"`

	// InsecureSkipTLSVerify disables verification of the cluster's serving certificate. Clusters
	// with self-signed certificates are the common case, so it defaults to true.
	InsecureSkipTLSVerify bool `json:"insecureSkipTLSVerify"`
}

// default values for config settings
const (
	DefaultListenAddress  = ":8080"
	DefaultRequestTimeout = 2 * time.Minute

	DefaultSchemaURLTemplate = "https://raw.githubusercontent.com/kubernetes/kubernetes/%s/api/openapi-spec/swagger.json"
	DefaultSchemaVersion     = "master"
	SchemaDefaultTimeout     = 10 * time.Second
	SchemaDefaultMaxElapsed  = 30 * time.Second

	DryRunDefaultProbeTimeout = 10 * time.Second
)

// Default returns the configuration used when no config file is given.
func Default() *Config {
	return &Config{
		ListenAddress:  DefaultListenAddress,
		RequestTimeout: metav1.Duration{Duration: DefaultRequestTimeout},
		Schema: Schema{
			URLTemplate:       DefaultSchemaURLTemplate,
			DefaultVersion:    DefaultSchemaVersion,
			HTTPClientTimeout: metav1.Duration{Duration: SchemaDefaultTimeout},
			MaxElapsedTime:    metav1.Duration{Duration: SchemaDefaultMaxElapsed},
		},
		DryRun: DryRun{
			ProbeTimeout:          metav1.Duration{Duration: DryRunDefaultProbeTimeout},
			Parallelism:           1,
			InsecureSkipTLSVerify: true,
		},
		ClusterToken: os.Getenv(ClusterTokenEnv),
	}
}

// Read reads the config file and returns a struct that contains all options. Options missing from
// the file keep their default value.
func Read(configFile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file set")
	}

	b, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}

	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("could not unmarshal config file: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if err := c.Schema.validate(); err != nil {
		return fmt.Errorf("could not validate schema settings: %w", err)
	}
	if err := c.DryRun.validate(); err != nil {
		return fmt.Errorf("could not validate dry-run settings: %w", err)
	}
	return nil
}

func (s Schema) validate() error {
	if strings.Count(s.URLTemplate, "%s") != 1 {
		return fmt.Errorf("schema URL template %q must contain exactly one %%s", s.URLTemplate)
	}

	url, err := url.Parse(s.URLFor(s.DefaultVersion))
	if err != nil {
		return fmt.Errorf("could not parse schema URL %v: %w", s.URLTemplate, err)
	}
	if url.Scheme == "" {
		return fmt.Errorf("schema URL has no scheme set")
	}

	if s.DefaultVersion == "" {
		return fmt.Errorf("no default Kubernetes version set")
	}
	if s.HTTPClientTimeout.Duration <= 0 {
		return fmt.Errorf("schema HTTP client timeout must be positive")
	}
	return nil
}

func (d DryRun) validate() error {
	if d.ProbeTimeout.Duration <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	if d.Parallelism < 1 {
		return fmt.Errorf("parallelism must be at least 1, got %d", d.Parallelism)
	}
	return nil
}

// URLFor returns the schema URL for the given Kubernetes version, falling back to the default
// version if it is empty.
func (s Schema) URLFor(version string) string {
	if version == "" {
		version = s.DefaultVersion
	}
	return fmt.Sprintf(s.URLTemplate, version)
}
