// Package negotiate implements detection and rewriting of SignalR-style
// transport negotiation responses. A negotiation response advertises the
// transports a server supports; rewriting it to drop the WebSockets entry
// forces the client onto a fallback transport (ServerSentEvents or
// LongPolling) that is easier to intercept and tamper with.
package negotiate

import (
	"encoding/json"
	"mime"
	"strings"

	"github.com/pkg/errors"
)

// PathMarker is the well-known substring that identifies a transport
// negotiation endpoint in a request URL.
const PathMarker = "/negotiate"

// mimeJSON is the media type a negotiation response declares.
const mimeJSON = "application/json"

// transportsKey is the negotiation body key that lists transport capabilities.
const transportsKey = "availableTransports"

// Transport names as they appear on the wire. Matching is case-sensitive.
const (
	TransportWebSockets       = "WebSockets"
	TransportServerSentEvents = "ServerSentEvents"
	TransportLongPolling      = "LongPolling"
)

// Transfer formats as they appear on the wire.
const (
	TransferFormatText   = "Text"
	TransferFormatBinary = "Binary"
)

// Transport is one entry of the negotiation body's availableTransports list.
//
// Some server implementations are inconsistent about the casing of the
// transferFormats key. We always write it in lowercase.
type Transport struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

// Kind describes the result of a rewrite decision.
type Kind int

// Possible rewrite decision results. The error kinds both mean "forward the
// original response unchanged"; they only differ in what gets logged.
const (
	// Unchanged means the response must be forwarded as-is.
	Unchanged Kind = iota

	// Rewritten means the response body must be replaced.
	Rewritten

	// MalformedBody means the body could not be parsed as a negotiation
	// document.
	MalformedBody

	// Unexpected covers any other failure during the rewrite.
	Unexpected
)

// String implements the fmt.Stringer interface for Kind.
func (k Kind) String() string {
	switch k {
	case Unchanged:
		return "unchanged"
	case Rewritten:
		return "rewritten"
	case MalformedBody:
		return "malformed body"
	case Unexpected:
		return "unexpected error"
	}
	return "unknown"
}

// Outcome is the result of Decide. Body is set only when Kind is Rewritten,
// Err is set only for the error kinds.
type Outcome struct {
	Kind Kind
	Body []byte
	Err  error
}

// ShouldInspect reports whether a response is worth parsing at all: the
// request URL must contain the negotiation path marker and the response must
// declare a JSON content type. This is a cheap pre-filter that keeps Decide
// away from unrelated traffic.
func ShouldInspect(requestURL, contentType string) bool {
	if !strings.Contains(requestURL, PathMarker) {
		return false
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == mimeJSON
}

// Decide inspects a negotiation response body and decides whether it must be
// rewritten to strip the WebSockets advertisement.
//
// When the body parses as a JSON document whose availableTransports list
// contains a WebSockets entry, the whole list is discarded and rebuilt from
// the toggles (see Toggles.Transports); every other key of the document is
// preserved. Otherwise the outcome is Unchanged. Decide is a pure function
// of its arguments and is safe for concurrent use.
func Decide(body []byte, t Toggles) (o Outcome) {
	// A broken response must never take the proxy down, the worst allowed
	// outcome is forwarding it untouched.
	defer func() {
		if v := recover(); v != nil {
			o = Outcome{Kind: Unexpected, Err: errors.Errorf("rewriting negotiation body: %v", v)}
		}
	}()

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return Outcome{Kind: MalformedBody, Err: errors.Wrap(err, "parsing negotiation body")}
	}

	raw, ok := doc[transportsKey]
	if !ok {
		return Outcome{Kind: Unchanged}
	}

	var transports []Transport
	if err := json.Unmarshal(raw, &transports); err != nil {
		return Outcome{Kind: MalformedBody, Err: errors.Wrap(err, "parsing transport list")}
	}

	if !hasWebSockets(transports) {
		// Nothing advertised to strip, the client cannot upgrade anyway.
		return Outcome{Kind: Unchanged}
	}

	rebuilt, err := json.Marshal(t.Transports())
	if err != nil {
		return Outcome{Kind: Unexpected, Err: errors.Wrap(err, "encoding transport list")}
	}
	doc[transportsKey] = rebuilt

	newBody, err := json.Marshal(doc)
	if err != nil {
		return Outcome{Kind: Unexpected, Err: errors.Wrap(err, "encoding negotiation body")}
	}

	return Outcome{Kind: Rewritten, Body: newBody}
}

// hasWebSockets reports whether the transport list advertises WebSockets.
// Entries without a transport name are skipped.
func hasWebSockets(transports []Transport) bool {
	for _, t := range transports {
		if t.Transport == TransportWebSockets {
			return true
		}
	}
	return false
}
