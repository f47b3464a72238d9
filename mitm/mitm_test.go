package mitm

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuthority(t *testing.T) {
	ca, key, err := NewAuthority("wsstrip", "wsstrip test", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, key)

	assert.True(t, ca.IsCA)
	assert.Equal(t, "wsstrip", ca.Subject.CommonName)
	assert.Equal(t, []string{"wsstrip test"}, ca.Subject.Organization)
}

func TestGetOrCreateCert(t *testing.T) {
	ca, key, err := NewAuthority("wsstrip", "wsstrip test", time.Hour)
	require.NoError(t, err)

	config, err := NewConfig(ca, key, nil)
	require.NoError(t, err)

	cert, err := config.GetOrCreateCert("example.org:443")
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, []string{"example.org"}, cert.Leaf.DNSNames)

	roots := x509.NewCertPool()
	roots.AddCert(ca)
	_, err = cert.Leaf.Verify(x509.VerifyOptions{DNSName: "example.org", Roots: roots})
	assert.NoError(t, err)

	// The second lookup must come from the cache.
	cached, err := config.GetOrCreateCert("example.org")
	require.NoError(t, err)
	assert.Equal(t, cert.Leaf.SerialNumber, cached.Leaf.SerialNumber)
}
