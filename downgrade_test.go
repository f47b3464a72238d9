package wsstrip

import (
	"bytes"
	"compress/gzip"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wsstrip/wsstrip/negotiate"
	"github.com/wsstrip/wsstrip/proxyutil"
)

const negotiationBody = `{"connectionId":"807809a5","availableTransports":[{"transport":"WebSockets","transferFormats":["Text","Binary"]}]}`

// newTestSession builds a session around a fabricated request-response pair
// the way handleRequest would after a successful round trip.
func newTestSession(t *testing.T, url string, res *http.Response) *Session {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, url, nil)
	ctx := newContext(&proxyutil.NoopConn{}, nil, nil)
	session := newSession(ctx, req)
	session.res = res
	res.Request = req
	return session
}

func newJSONResponse(body string) *http.Response {
	res := proxyutil.NewResponse(http.StatusOK, bytes.NewReader([]byte(body)), nil)
	res.Header.Set("Content-Type", "application/json")
	res.ContentLength = int64(len(body))
	return res
}

func TestDowngradeResponse_rewrites(t *testing.T) {
	p := NewProxy(Config{})
	res := newJSONResponse(negotiationBody)
	session := newTestSession(t, "https://example.org/chathub/negotiate?negotiateVersion=1", res)

	p.downgradeResponse(session)

	body, err := ioutil.ReadAll(session.res.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"connectionId":"807809a5","availableTransports":[
		{"transport":"ServerSentEvents","transferFormats":["Text"]},
		{"transport":"LongPolling","transferFormats":["Text","Binary"]}
	]}`, string(body))
	assert.Equal(t, int64(len(body)), session.res.ContentLength)

	v, ok := session.GetProp(PropDowngraded)
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestDowngradeResponse_gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(negotiationBody))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	res := proxyutil.NewResponse(http.StatusOK, bytes.NewReader(buf.Bytes()), nil)
	res.Header.Set("Content-Type", "application/json")
	res.Header.Set("Content-Encoding", "gzip")
	res.ContentLength = int64(buf.Len())

	p := NewProxy(Config{})
	session := newTestSession(t, "https://example.org/chathub/negotiate", res)
	p.downgradeResponse(session)

	// The rewritten body is sent uncompressed.
	assert.Empty(t, session.res.Header.Get("Content-Encoding"))

	body, err := ioutil.ReadAll(session.res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"transport":"LongPolling"`)
	assert.NotContains(t, string(body), `"transport":"WebSockets"`)
}

func TestDowngradeResponse_passthrough(t *testing.T) {
	p := NewProxy(Config{})
	res := newJSONResponse(`{"ok":true}`)
	session := newTestSession(t, "https://example.org/api/status", res)

	p.downgradeResponse(session)

	body, err := ioutil.ReadAll(session.res.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))

	_, ok := session.GetProp(PropDowngraded)
	assert.False(t, ok)
}

func TestDowngradeResponse_malformedBodyForwarded(t *testing.T) {
	p := NewProxy(Config{})
	res := newJSONResponse(`not valid json`)
	session := newTestSession(t, "https://example.org/chathub/negotiate", res)

	p.downgradeResponse(session)

	// The broken body still reaches the client byte for byte.
	body, err := ioutil.ReadAll(session.res.Body)
	require.NoError(t, err)
	assert.Equal(t, `not valid json`, string(body))
}

func TestDowngradeResponse_passive(t *testing.T) {
	p := NewProxy(Config{Passive: true})
	res := newJSONResponse(negotiationBody)
	session := newTestSession(t, "https://example.org/chathub/negotiate", res)

	p.downgradeResponse(session)

	body, err := ioutil.ReadAll(session.res.Body)
	require.NoError(t, err)
	assert.Equal(t, negotiationBody, string(body))

	_, ok := session.GetProp(PropDowngraded)
	assert.False(t, ok)
}

func TestDowngradeResponse_toggleSnapshot(t *testing.T) {
	toggles := negotiate.NewToggleStore()
	require.NoError(t, toggles.Set(negotiate.KeyWebSocketsText, true))

	p := NewProxy(Config{Toggles: toggles})
	res := newJSONResponse(negotiationBody)
	session := newTestSession(t, "https://example.org/chathub/negotiate", res)

	p.downgradeResponse(session)

	body, err := ioutil.ReadAll(session.res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `{"transport":"WebSockets","transferFormats":["Text"]}`)
}

func TestHighlightResponse(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0xff, 0xfe}
	res := proxyutil.NewResponse(http.StatusOK, bytes.NewReader(payload), nil)
	res.ContentLength = int64(len(payload))

	p := NewProxy(Config{})
	session := newTestSession(t, "https://example.org/stream", res)
	p.highlightResponse(session)

	v, ok := session.GetProp(PropHighlight)
	require.True(t, ok)
	assert.Equal(t, HighlightCyan, v)

	// The peeked bytes are replayed, the client sees the full body.
	body, err := ioutil.ReadAll(session.res.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, body)
}

func TestHighlightResponse_skipsTypedResponses(t *testing.T) {
	res := newJSONResponse(`{}`)

	p := NewProxy(Config{})
	session := newTestSession(t, "https://example.org/api", res)
	p.highlightResponse(session)

	_, ok := session.GetProp(PropHighlight)
	assert.False(t, ok)
}
