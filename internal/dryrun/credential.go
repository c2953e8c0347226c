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
package dryrun

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"k8s.io/client-go/rest"
)

// Authentication types accepted by CredentialFor.
const (
	AuthToken       = "token"
	AuthCertificate = "certificate"
)

// AuthTypes lists the supported authentication types.
var AuthTypes = []string{AuthToken, AuthCertificate}

// Credential authenticates dry-run requests. It is either a Token or a Certificate.
type Credential interface {
	validate() error
	apply(cfg *rest.Config)
}

// Token authenticates with a bearer token.
type Token struct {
	BearerToken string
}

// Certificate authenticates with a PEM encoded client certificate and key.
type Certificate struct {
	CertPEM string
	KeyPEM  string
}

func (t Token) validate() error {
	if t.BearerToken == "" {
		return fmt.Errorf("a bearer token is required for token authentication")
	}
	return nil
}

func (t Token) apply(cfg *rest.Config) {
	cfg.BearerToken = t.BearerToken
}

func (c Certificate) validate() error {
	if c.CertPEM == "" || c.KeyPEM == "" {
		return fmt.Errorf("client certificate and client key are required for certificate authentication")
	}
	return nil
}

func (c Certificate) apply(cfg *rest.Config) {
	cfg.TLSClientConfig.CertData = []byte(c.CertPEM)
	cfg.TLSClientConfig.KeyData = []byte(c.KeyPEM)
}

// CredentialFor builds the credential for authType. Anything but AuthCertificate selects token
// authentication.
func CredentialFor(authType, token, certPEM, keyPEM string) Credential {
	if authType == AuthCertificate {
		return Certificate{CertPEM: certPEM, KeyPEM: keyPEM}
	}
	return Token{BearerToken: token}
}

// Target is the cluster that dry-run requests are sent to.
type Target struct {
	ClusterURL string
	Credential Credential

	// CAData is the PEM encoded CA bundle that signed the serving certificate of the cluster. If
	// set, the serving certificate is always verified.
	CAData []byte
}

// Validate checks that t can be used without contacting the cluster. The error names the
// credential that is missing.
func (t Target) Validate() error {
	if t.ClusterURL == "" {
		return fmt.Errorf("a cluster URL is required")
	}
	u, err := url.Parse(t.ClusterURL)
	if err != nil {
		return fmt.Errorf("could not parse cluster URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("cluster URL %q must start with https:// or http://", t.ClusterURL)
	}
	if t.Credential == nil {
		return fmt.Errorf("cluster credentials are required")
	}
	return t.Credential.validate()
}

// TargetFromRESTConfig returns the target described by a client configuration, as loaded from a
// kubeconfig. Token authentication takes precedence over a client certificate.
func TargetFromRESTConfig(cfg *rest.Config) (Target, error) {
	cfg = rest.CopyConfig(cfg)
	if err := rest.LoadTLSFiles(cfg); err != nil {
		return Target{}, fmt.Errorf("could not load TLS files: %w", err)
	}

	var cred Credential
	switch {
	case cfg.BearerToken != "":
		cred = Token{BearerToken: cfg.BearerToken}
	case cfg.BearerTokenFile != "":
		token, err := os.ReadFile(cfg.BearerTokenFile)
		if err != nil {
			return Target{}, fmt.Errorf("could not read token file: %w", err)
		}
		cred = Token{BearerToken: strings.TrimSpace(string(token))}
	case len(cfg.CertData) > 0:
		cred = Certificate{CertPEM: string(cfg.CertData), KeyPEM: string(cfg.KeyData)}
	default:
		return Target{}, fmt.Errorf("the client configuration has neither a token nor a client certificate")
	}

	host := cfg.Host
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return Target{ClusterURL: host, Credential: cred, CAData: cfg.CAData}, nil
}
