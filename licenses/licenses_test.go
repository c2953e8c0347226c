package licenses

import (
	"bytes"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func TestPrint(t *testing.T) {
	fsys := fstest.MapFS{
		"licenses.go":                              {Data: []byte("package licenses")},
		"gopkg.in/yaml.v3/LICENSE":                 {Data: []byte("MIT and Apache")},
		"github.com/cenkalti/backoff/v4/LICENSE":   {Data: []byte("MIT")},
		"github.com/cenkalti/backoff/v4/README.md": {Data: []byte("readme")},
	}

	var out bytes.Buffer
	require.Equal(t, 0, printFS(&out, fsys))
	require.Contains(t, out.String(), "License for gopkg.in/yaml.v3:\n\nMIT and Apache")
	require.Contains(t, out.String(), "License for github.com/cenkalti/backoff/v4:\n\nMIT")
	require.NotContains(t, out.String(), "package licenses")
}

func TestPrintWithoutLicenses(t *testing.T) {
	var out bytes.Buffer
	require.Equal(t, 0, printFS(&out, fstest.MapFS{"licenses.go": {Data: []byte("package licenses")}}))
	require.Empty(t, out.String())
}
