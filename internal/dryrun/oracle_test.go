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
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/snyk/manifest-washer/internal/kubeobjects"
)

const testToken = "my-super-secret-token"

const deployment = `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
  namespace: shop
spec:
  replicas: 2
  selector:
    matchLabels:
      app: web
`

const requiredSelector = `{"kind":"Status","apiVersion":"v1","status":"Failure",` +
	`"message":"Deployment.apps \"web\" is invalid: spec.selector: Required value","reason":"Invalid","code":422}`

func TestCanRemove(t *testing.T) {
	for _, tc := range []struct {
		name     string
		field    string
		status   int
		body     string
		expected bool
		result   string
	}{
		{name: "accepted", field: "replicas", status: http.StatusOK, expected: true, result: resultRemovable},
		{name: "created", field: "replicas", status: http.StatusCreated, expected: true, result: resultRemovable},
		{
			name: "required", field: "selector", status: http.StatusUnprocessableEntity,
			body: requiredSelector, expected: false, result: resultRequired,
		},
		{
			name: "missing", field: "selector", status: http.StatusBadRequest,
			body: "field is missing", expected: false, result: resultRequired,
		},
		{
			name: "capitalized missing", field: "selector", status: http.StatusBadRequest,
			body: "Missing field selector", expected: false, result: resultRequired,
		},
		{
			name: "required beyond read limit", field: "replicas", status: http.StatusBadRequest,
			body: strings.Repeat("x", maxStatusBytes) + "required", expected: true, result: resultRemovable,
		},
		{
			name: "unrelated rejection", field: "replicas", status: http.StatusConflict,
			body: "the object has been modified", expected: true, result: resultRemovable,
		},
		{
			name: "unrelated server error", field: "replicas", status: http.StatusInternalServerError,
			body: "etcdserver: leader changed", expected: true, result: resultRemovable,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tu := &testCluster{
				t:      t,
				path:   "/apis/apps/v1/namespaces/shop/deployments/web",
				auth:   "Bearer " + testToken,
				absent: tc.field,
				status: tc.status,
				body:   tc.body,
			}
			ts := httptest.NewServer(http.HandlerFunc(tu.Handle))
			defer ts.Close()

			m := NewMetrics(prometheus.NewPedanticRegistry())
			o, err := New(Target{ClusterURL: ts.URL, Credential: Token{BearerToken: testToken}}, Options{Timeout: time.Second}, m)
			require.NoError(t, err)

			ctx := log.IntoContext(context.Background(), testr.New(t))
			require.Equal(t, tc.expected, o.CanRemove(ctx, parse(t, deployment), []string{"spec", tc.field}))
			require.EqualValues(t, 1, tu.requests.Load())
			require.Equal(t, float64(1), testutil.ToFloat64(m.probes.WithLabelValues(tc.result)))
		})
	}
}

func TestCanRemoveAbsentField(t *testing.T) {
	tu := &testCluster{t: t}
	ts := httptest.NewServer(http.HandlerFunc(tu.Handle))
	defer ts.Close()

	m := NewMetrics(prometheus.NewPedanticRegistry())
	o, err := New(Target{ClusterURL: ts.URL, Credential: Token{BearerToken: testToken}}, Options{}, m)
	require.NoError(t, err)

	doc := parse(t, deployment)
	require.True(t, o.CanRemove(context.Background(), doc, []string{"spec", "paused"}))
	require.True(t, o.CanRemove(context.Background(), doc, []string{"spec", "replicas", "deeper"}))
	require.True(t, o.CanRemove(context.Background(), doc, []string{"data", "key"}))
	require.Zero(t, tu.requests.Load())
	require.Equal(t, float64(3), testutil.ToFloat64(m.probes.WithLabelValues(resultAbsent)))
}

func TestCanRemoveFailsClosed(t *testing.T) {
	ctx := log.IntoContext(context.Background(), testr.New(t))
	doc := parse(t, deployment)

	t.Run("unreachable cluster", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		url := ts.URL
		ts.Close()

		m := NewMetrics(prometheus.NewPedanticRegistry())
		o, err := New(Target{ClusterURL: url, Credential: Token{BearerToken: testToken}}, Options{Timeout: time.Second}, m)
		require.NoError(t, err)
		require.False(t, o.CanRemove(ctx, doc, []string{"spec", "replicas"}))
		require.Equal(t, float64(1), testutil.ToFloat64(m.probes.WithLabelValues(resultError)))
	})

	t.Run("timeout", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}))
		defer ts.Close()

		o, err := New(Target{ClusterURL: ts.URL, Credential: Token{BearerToken: testToken}},
			Options{Timeout: 50 * time.Millisecond}, nil)
		require.NoError(t, err)
		require.False(t, o.CanRemove(ctx, doc, []string{"spec", "replicas"}))
	})

	t.Run("cancelled context", func(t *testing.T) {
		tu := &testCluster{t: t}
		ts := httptest.NewServer(http.HandlerFunc(tu.Handle))
		defer ts.Close()

		o, err := New(Target{ClusterURL: ts.URL, Credential: Token{BearerToken: testToken}}, Options{}, nil)
		require.NoError(t, err)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		require.False(t, o.CanRemove(cancelled, doc, []string{"spec", "replicas"}))
	})

	t.Run("document without name", func(t *testing.T) {
		o, err := New(Target{ClusterURL: "https://127.0.0.1:1", Credential: Token{BearerToken: testToken}}, Options{}, nil)
		require.NoError(t, err)
		require.False(t, o.CanRemove(ctx, parse(t, `
kind: Pod
spec:
  nodeName: a`), []string{"spec", "nodeName"}))
	})

	t.Run("untrusted certificate", func(t *testing.T) {
		tu := &testCluster{t: t}
		ts := httptest.NewTLSServer(http.HandlerFunc(tu.Handle))
		defer ts.Close()

		o, err := New(Target{ClusterURL: ts.URL, Credential: Token{BearerToken: testToken}},
			Options{Timeout: time.Second, InsecureSkipTLSVerify: false}, nil)
		require.NoError(t, err)
		require.False(t, o.CanRemove(ctx, doc, []string{"spec", "replicas"}))
		require.Zero(t, tu.requests.Load())
	})
}

func TestCanRemoveWithClientCertificate(t *testing.T) {
	certPEM, keyPEM := newClientCertificate(t, "washer-test")

	tu := &testCluster{
		t:          t,
		path:       "/apis/apps/v1/namespaces/shop/deployments/web",
		absent:     "replicas",
		status:     http.StatusOK,
		clientCert: "washer-test",
	}
	ts := httptest.NewUnstartedServer(http.HandlerFunc(tu.Handle))
	ts.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	ts.StartTLS()
	defer ts.Close()

	o, err := New(Target{
		ClusterURL: ts.URL,
		Credential: Certificate{CertPEM: certPEM, KeyPEM: keyPEM},
	}, Options{Timeout: time.Second, InsecureSkipTLSVerify: true}, nil)
	require.NoError(t, err)

	ctx := log.IntoContext(context.Background(), testr.New(t))
	require.True(t, o.CanRemove(ctx, parse(t, deployment), []string{"spec", "replicas"}))
	require.EqualValues(t, 1, tu.requests.Load())
}

func TestNewRejectsInvalidTargets(t *testing.T) {
	for name, tc := range map[string]struct {
		target  Target
		message string
	}{
		"no url": {
			target:  Target{Credential: Token{BearerToken: testToken}},
			message: "a cluster URL is required",
		},
		"no scheme": {
			target:  Target{ClusterURL: "cluster.local:6443", Credential: Token{BearerToken: testToken}},
			message: "must start with https:// or http://",
		},
		"no credential": {
			target:  Target{ClusterURL: "https://cluster.local:6443"},
			message: "cluster credentials are required",
		},
		"empty token": {
			target:  Target{ClusterURL: "https://cluster.local:6443", Credential: Token{}},
			message: "a bearer token is required for token authentication",
		},
		"certificate without key": {
			target:  Target{ClusterURL: "https://cluster.local:6443", Credential: Certificate{CertPEM: "cert"}},
			message: "client certificate and client key are required for certificate authentication",
		},
		"key without certificate": {
			target:  Target{ClusterURL: "https://cluster.local:6443", Credential: Certificate{KeyPEM: "key"}},
			message: "client certificate and client key are required for certificate authentication",
		},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(tc.target, Options{}, nil)
			require.ErrorContains(t, err, tc.message)
		})
	}
}

func TestCredentialFor(t *testing.T) {
	require.Equal(t, Token{BearerToken: "t"}, CredentialFor(AuthToken, "t", "c", "k"))
	require.Equal(t, Token{BearerToken: "t"}, CredentialFor("", "t", "", ""))
	require.Equal(t, Certificate{CertPEM: "c", KeyPEM: "k"}, CredentialFor(AuthCertificate, "t", "c", "k"))
}

type testCluster struct {
	t          *testing.T
	path       string
	auth       string
	clientCert string
	absent     string
	status     int
	body       string

	requests atomic.Int32
}

func (tc *testCluster) Handle(w http.ResponseWriter, r *http.Request) {
	tc.requests.Add(1)

	if tc.auth != "" && r.Header.Get("Authorization") != tc.auth {
		http.Error(w, fmt.Sprintf("invalid authorization header provided: %v", r.Header.Get("Authorization")), http.StatusForbidden)
		return
	}
	if tc.clientCert != "" {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 || r.TLS.PeerCertificates[0].Subject.CommonName != tc.clientCert {
			http.Error(w, "no client certificate", http.StatusUnauthorized)
			return
		}
	}
	require.Equal(tc.t, http.MethodPut, r.Method)
	require.Equal(tc.t, tc.path, r.URL.Path)
	require.Equal(tc.t, "All", r.URL.Query().Get("dryRun"))
	require.Equal(tc.t, contentTypeYAML, r.Header.Get("Content-Type"))

	body, err := io.ReadAll(r.Body)
	require.NoError(tc.t, err)
	doc := parse(tc.t, string(body))
	_, found := kubeobjects.StringField(doc, "metadata", "name")
	require.True(tc.t, found)
	spec, _ := doc.(kubeobjects.Mapping).Get("spec")
	_, found = spec.(kubeobjects.Mapping).Get(tc.absent)
	require.False(tc.t, found, "probed field must not be sent")

	w.WriteHeader(tc.status)
	_, _ = w.Write([]byte(tc.body))
}

func newClientCertificate(t *testing.T, commonName string) (certPEM, keyPEM string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
}

func parse(t *testing.T, text string) kubeobjects.Node {
	t.Helper()
	docs, err := kubeobjects.ParseDocuments(text)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	return docs[0]
}
