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
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/snyk/manifest-washer/build"
	"github.com/snyk/manifest-washer/internal/cleaner"
	"github.com/snyk/manifest-washer/internal/config"
	"github.com/snyk/manifest-washer/internal/dryrun"
	"github.com/snyk/manifest-washer/internal/server"
	"github.com/snyk/manifest-washer/internal/washer"
	"github.com/snyk/manifest-washer/licenses"
)

var setupLog = ctrl.Log.WithName("setup")

type cliOptions struct {
	configFile string
	serve      bool

	input             string
	mode              string
	kubernetesVersion string
	schemaURL         string
	showRemoved       bool

	clusterURL           string
	certificateAuthority string
	clientCert           string
	clientKey            string
	kubeconfig           string
}

func (o *cliOptions) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.configFile, "config", "", "location of the config file, defaults are used if empty")
	fs.BoolVar(&o.serve, "serve", false, "serve the HTTP API instead of washing a single manifest")

	fs.StringVar(&o.input, "in", "-", "manifest to wash, - reads from stdin")
	fs.StringVar(&o.mode, "mode", string(cleaner.ModeStatic), "cleaning mode: static, dynamic or smart")
	fs.StringVar(&o.kubernetesVersion, "kubernetes-version", "", "Kubernetes version whose schema is used in dynamic mode")
	fs.StringVar(&o.schemaURL, "schema-url", "", "location of the OpenAPI schema in dynamic mode, overrides -kubernetes-version")
	fs.BoolVar(&o.showRemoved, "show-removed", false, "print the removed fields to stderr")

	fs.StringVar(&o.clusterURL, "cluster-url", "", "API server used in smart mode. The bearer token is read from "+
		config.ClusterTokenEnv+" unless a client certificate is given. If empty, the kubeconfig is used")
	fs.StringVar(&o.certificateAuthority, "certificate-authority", "", "CA bundle to verify the API server with")
	fs.StringVar(&o.clientCert, "client-certificate", "", "client certificate file for smart mode")
	fs.StringVar(&o.clientKey, "client-key", "", "client key file for smart mode")
	fs.StringVar(&o.kubeconfig, "kubeconfig", "", "kubeconfig used in smart mode when -cluster-url is empty")
}

func main() {
	var (
		printVersion = flag.Bool("version", false, "print the version of the manifest-washer and exit")
		showLicenses = flag.Bool("licenses", false, "show license information")
		opts         = &cliOptions{}
		logOpts      = zap.Options{
			Development: true,
		}
	)

	opts.bindFlags(flag.CommandLine)
	logOpts.BindFlags(flag.CommandLine)
	flag.Parse()
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&logOpts)))

	if *printVersion {
		fmt.Println(build.Version())
		os.Exit(0)
	}
	if *showLicenses {
		os.Exit(licenses.Print(os.Stdout))
	}

	cfg, err := readConfig(opts.configFile)
	if err != nil {
		setupLog.Error(err, "unable to read config file")
		os.Exit(1)
	}

	ctx := ctrl.SetupSignalHandler()
	if opts.serve {
		if err := serve(ctx, cfg); err != nil {
			setupLog.Error(err, "problem running API server")
			os.Exit(1)
		}
		return
	}

	if err := washOnce(log.IntoContext(ctx, ctrl.Log.WithName("wash")), cfg, opts, os.Stdin, os.Stdout, os.Stderr); err != nil {
		setupLog.Error(err, "could not wash manifest")
		os.Exit(1)
	}
}

func readConfig(file string) (*config.Config, error) {
	if file == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Read(file)
}

func serve(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	setupLog.Info("starting manifest-washer", "version", build.Version())
	return server.New(washer.New(cfg, reg), ctrl.Log.WithName("api"), reg).Run(ctx, cfg.ListenAddress)
}

// errDocuments is returned when some documents could not be cleaned. The manifest is still
// written in that case.
var errDocuments = errors.New("some documents could not be cleaned")

func washOnce(ctx context.Context, cfg *config.Config, o *cliOptions, stdin io.Reader, stdout, stderr io.Writer) error {
	mode, err := cleaner.ParseMode(o.mode)
	if err != nil {
		return err
	}

	manifest, err := readInput(o.input, stdin)
	if err != nil {
		return err
	}

	opts := washer.Options{
		Mode:              mode,
		KubernetesVersion: o.kubernetesVersion,
		SchemaURL:         o.schemaURL,
	}
	if mode == cleaner.ModeSmart {
		target, err := clusterTarget(o, cfg)
		if err != nil {
			return fmt.Errorf("could not determine cluster: %w", err)
		}
		opts.Cluster = &target
	}

	result, err := washer.New(cfg, nil).WashAll(ctx, manifest, opts)
	if err != nil {
		return err
	}

	if _, err := io.WriteString(stdout, result.CleanedManifest); err != nil {
		return fmt.Errorf("could not write manifest: %w", err)
	}
	for _, w := range result.Warnings {
		fmt.Fprintln(stderr, "warning:", w)
	}
	if o.showRemoved {
		for _, r := range result.RemovedFields {
			fmt.Fprintf(stderr, "removed %s (%s)\n", r.Path, r.Reason)
		}
	}
	for _, e := range result.Errors {
		fmt.Fprintln(stderr, "error:", e)
	}
	if len(result.Errors) > 0 {
		return errDocuments
	}
	return nil
}

func readInput(input string, stdin io.Reader) (string, error) {
	var (
		b   []byte
		err error
	)
	if input == "-" || input == "" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(input)
	}
	if err != nil {
		return "", fmt.Errorf("could not read manifest: %w", err)
	}
	return string(b), nil
}

func clusterTarget(o *cliOptions, cfg *config.Config) (dryrun.Target, error) {
	if o.clusterURL == "" {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		rules.ExplicitPath = o.kubeconfig
		restCfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return dryrun.Target{}, fmt.Errorf("could not load kubeconfig: %w", err)
		}
		return dryrun.TargetFromRESTConfig(restCfg)
	}

	target := dryrun.Target{
		ClusterURL: o.clusterURL,
		Credential: dryrun.Token{BearerToken: cfg.ClusterToken},
	}
	if o.clientCert != "" || o.clientKey != "" {
		cert, err := readOptionalFile(o.clientCert)
		if err != nil {
			return dryrun.Target{}, err
		}
		key, err := readOptionalFile(o.clientKey)
		if err != nil {
			return dryrun.Target{}, err
		}
		target.Credential = dryrun.Certificate{CertPEM: cert, KeyPEM: key}
	}
	if o.certificateAuthority != "" {
		ca, err := os.ReadFile(o.certificateAuthority)
		if err != nil {
			return dryrun.Target{}, fmt.Errorf("could not read CA bundle: %w", err)
		}
		target.CAData = ca
	}
	return target, nil
}

func readOptionalFile(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	b, err := os.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("could not read %s: %w", name, err)
	}
	return string(b), nil
}
