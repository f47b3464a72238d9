package negotiate

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldInspect(t *testing.T) {
	testCases := []struct {
		name        string
		url         string
		contentType string
		expected    bool
	}{{
		name:        "negotiate_json",
		url:         "https://example.org/chathub/negotiate?negotiateVersion=1",
		contentType: "application/json",
		expected:    true,
	}, {
		name:        "negotiate_json_charset",
		url:         "https://example.org/chathub/negotiate",
		contentType: "application/json; charset=utf-8",
		expected:    true,
	}, {
		name:        "wrong_path",
		url:         "https://example.org/chathub",
		contentType: "application/json",
		expected:    false,
	}, {
		name:        "wrong_mime",
		url:         "https://example.org/chathub/negotiate",
		contentType: "text/html",
		expected:    false,
	}, {
		name:        "no_mime",
		url:         "https://example.org/chathub/negotiate",
		contentType: "",
		expected:    false,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ShouldInspect(tc.url, tc.contentType))
		})
	}
}

func TestDecide_stripsWebSockets(t *testing.T) {
	body := []byte(`{"availableTransports":[{"transport":"WebSockets","transferFormats":["Text","Binary"]}]}`)

	o := Decide(body, DefaultToggles())
	require.Equal(t, Rewritten, o.Kind)
	require.NoError(t, o.Err)

	assert.JSONEq(t, `{"availableTransports":[
		{"transport":"ServerSentEvents","transferFormats":["Text"]},
		{"transport":"LongPolling","transferFormats":["Text","Binary"]}
	]}`, string(o.Body))
}

func TestDecide_keepsWebSocketsFormatSubset(t *testing.T) {
	body := []byte(`{"availableTransports":[{"transport":"WebSockets","transferFormats":["Text","Binary"]}]}`)
	toggles := DefaultToggles()
	toggles.WebSocketsText = true

	o := Decide(body, toggles)
	require.Equal(t, Rewritten, o.Kind)

	transports := decodeTransports(t, o.Body)
	require.Len(t, transports, 3)
	assert.Equal(t, Transport{TransportWebSockets, []string{TransferFormatText}}, transports[0])
	assert.Equal(t, Transport{TransportServerSentEvents, []string{TransferFormatText}}, transports[1])
	assert.Equal(t, Transport{TransportLongPolling, []string{TransferFormatText, TransferFormatBinary}}, transports[2])
}

// decodeTransports extracts the rewritten availableTransports list.
func decodeTransports(t *testing.T, body []byte) []Transport {
	t.Helper()

	var doc struct {
		AvailableTransports []Transport `json:"availableTransports"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	return doc.AvailableTransports
}

func TestDecide_noTransportsKey(t *testing.T) {
	o := Decide([]byte(`{"connectionId":"807809a5"}`), DefaultToggles())
	assert.Equal(t, Unchanged, o.Kind)
	assert.Nil(t, o.Body)
	assert.NoError(t, o.Err)
}

func TestDecide_noWebSocketsEntry(t *testing.T) {
	body := []byte(`{"availableTransports":[{"transport":"LongPolling","transferFormats":["Text"]}]}`)

	o := Decide(body, DefaultToggles())
	assert.Equal(t, Unchanged, o.Kind)
	assert.Nil(t, o.Body)
}

func TestDecide_skipsEntriesWithoutTransportName(t *testing.T) {
	// Unknown entry shapes are ignored, they neither match nor fail.
	body := []byte(`{"availableTransports":[{"foo":1},{"transport":"WebSockets","transferFormats":["Text"]}]}`)
	o := Decide(body, DefaultToggles())
	assert.Equal(t, Rewritten, o.Kind)

	body = []byte(`{"availableTransports":[{"foo":1}]}`)
	o = Decide(body, DefaultToggles())
	assert.Equal(t, Unchanged, o.Kind)
}

func TestDecide_malformedBody(t *testing.T) {
	o := Decide([]byte(`not valid json`), DefaultToggles())
	assert.Equal(t, MalformedBody, o.Kind)
	assert.Error(t, o.Err)
	assert.Nil(t, o.Body)
}

func TestDecide_malformedTransportList(t *testing.T) {
	o := Decide([]byte(`{"availableTransports":42}`), DefaultToggles())
	assert.Equal(t, MalformedBody, o.Kind)
	assert.Error(t, o.Err)
}

func TestDecide_allTogglesOff(t *testing.T) {
	body := []byte(`{"connectionId":"807809a5","availableTransports":[{"transport":"WebSockets","transferFormats":["Text"]}]}`)

	o := Decide(body, Toggles{})
	require.Equal(t, Rewritten, o.Kind)
	assert.JSONEq(t, `{"connectionId":"807809a5","availableTransports":[]}`, string(o.Body))
}

func TestDecide_preservesOtherKeys(t *testing.T) {
	body := []byte(`{
		"connectionToken":"05265228-1e2c-46c5-82a1-6a5bcc3f0143",
		"connectionId":"807809a5-31bf-470d-9e23-afaee35d8a0d",
		"negotiateVersion":1,
		"availableTransports":[{"transport":"WebSockets","transferFormats":["Text","Binary"]}]
	}`)

	o := Decide(body, DefaultToggles())
	require.Equal(t, Rewritten, o.Kind)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(o.Body, &doc))
	assert.Equal(t, `"05265228-1e2c-46c5-82a1-6a5bcc3f0143"`, string(doc["connectionToken"]))
	assert.Equal(t, `"807809a5-31bf-470d-9e23-afaee35d8a0d"`, string(doc["connectionId"]))
	assert.Equal(t, `1`, string(doc["negotiateVersion"]))
}

func TestDecide_rewriteIsTerminal(t *testing.T) {
	// With WebSockets stripped, a second pass over the rewritten body finds
	// nothing to do.
	body := []byte(`{"availableTransports":[{"transport":"WebSockets","transferFormats":["Text","Binary"]}]}`)

	o := Decide(body, DefaultToggles())
	require.Equal(t, Rewritten, o.Kind)

	o = Decide(o.Body, DefaultToggles())
	assert.Equal(t, Unchanged, o.Kind)
}

func TestTransports_invariants(t *testing.T) {
	// Every toggle combination must build descriptors with at least one
	// transfer format, in the fixed WebSockets, SSE, LongPolling order.
	order := map[string]int{
		TransportWebSockets:       0,
		TransportServerSentEvents: 1,
		TransportLongPolling:      2,
	}

	for i := 0; i < 32; i++ {
		toggles := Toggles{
			WebSocketsText:       i&1 != 0,
			WebSocketsBinary:     i&2 != 0,
			ServerSentEventsText: i&4 != 0,
			LongPollingText:      i&8 != 0,
			LongPollingBinary:    i&16 != 0,
		}

		t.Run(fmt.Sprintf("combo_%d", i), func(t *testing.T) {
			prev := -1
			for _, tr := range toggles.Transports() {
				assert.NotEmpty(t, tr.TransferFormats)
				pos, known := order[tr.Transport]
				require.True(t, known, tr.Transport)
				assert.Greater(t, pos, prev)
				prev = pos
			}
		})
	}
}
