package wsstrip

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoveHopByHopHeaders(t *testing.T) {
	header := http.Header{}
	header.Set("Connection", "close, X-Per-Hop")
	header.Set("Keep-Alive", "timeout=5")
	header.Set("Proxy-Connection", "keep-alive")
	header.Set("Upgrade", "websocket")
	header.Set("X-Per-Hop", "1")
	header.Set("Content-Type", "application/json")

	removeHopByHopHeaders(header)

	assert.Empty(t, header.Get("Connection"))
	assert.Empty(t, header.Get("Keep-Alive"))
	assert.Empty(t, header.Get("Proxy-Connection"))
	assert.Empty(t, header.Get("Upgrade"))
	// Headers named in Connection are per-hop as well.
	assert.Empty(t, header.Get("X-Per-Hop"))

	assert.Equal(t, "application/json", header.Get("Content-Type"))
}
