package wsstrip

import (
	"bytes"
	"io"
	"io/ioutil"

	"github.com/AdguardTeam/golibs/log"

	"github.com/wsstrip/wsstrip/negotiate"
	"github.com/wsstrip/wsstrip/proxyutil"
)

// Session property keys set by the response inspection.
const (
	// PropHighlight marks a response worth a closer look in the traffic log.
	PropHighlight = "highlight"

	// PropDowngraded marks a session whose negotiation response was
	// rewritten.
	PropDowngraded = "downgraded"
)

// HighlightCyan is the value stored under PropHighlight for responses with
// an unknown content type.
const HighlightCyan = "cyan"

// previewLen limits how much of an unknown body gets logged.
const previewLen = 64

// processResponse runs the response-path inspection on a session whose
// response just arrived from the remote server: annotate first, then the
// negotiation downgrade. It never fails, whatever arrives is forwarded,
// rewritten or not.
func (p *Proxy) processResponse(session *Session) {
	p.highlightResponse(session)
	p.downgradeResponse(session)
}

// highlightResponse tags responses that declare no content type but still
// carry a body. Those often turn out to be hand-rolled binary endpoints
// worth inspecting separately.
func (p *Proxy) highlightResponse(session *Session) {
	res := session.res
	if res.Header.Get("Content-Type") != "" || res.ContentLength == 0 {
		return
	}

	preview := make([]byte, previewLen)
	n, _ := io.ReadFull(res.Body, preview)
	if n == 0 {
		return
	}

	// Put the consumed bytes back so the client still receives them.
	res.Body = proxyutil.PrependBody(res.Body, preview[:n])

	session.SetProp(PropHighlight, HighlightCyan)
	if text, err := proxyutil.DecodeLatin1(bytes.NewReader(preview[:n])); err == nil {
		log.Debug("id=%s: highlighting response with unknown content type: %q", session.ID(), text)
	}
}

// downgradeResponse rewrites a transport negotiation response so that the
// client falls back to the transports selected by the configured toggles.
// Any failure is logged and resolves to forwarding the original bytes
// verbatim, the rewrite path never drops or corrupts a response.
func (p *Proxy) downgradeResponse(session *Session) {
	res := session.res
	if !negotiate.ShouldInspect(session.req.URL.String(), res.Header.Get("Content-Type")) {
		return
	}

	raw, err := ioutil.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		log.Error("id=%s: failed to read negotiation body: %v", session.ID(), err)
		proxyutil.ReplaceBody(res, raw)
		return
	}

	// The upstream request only allows gzip (see prepareRequest).
	body := raw
	gzipped := res.Header.Get("Content-Encoding") == "gzip"
	if gzipped {
		body, err = proxyutil.Gunzip(raw)
		if err != nil {
			log.Error("id=%s: failed to decompress negotiation body: %v", session.ID(), err)
			proxyutil.ReplaceBody(res, raw)
			return
		}
	}

	outcome := negotiate.Decide(body, p.Toggles.Snapshot())
	switch outcome.Kind {
	case negotiate.Rewritten:
		if p.Passive {
			log.Printf("id=%s: passive mode, leaving negotiation response for %s intact", session.ID(), session.req.URL)
			proxyutil.ReplaceBody(res, raw)
			return
		}

		log.Printf("id=%s: downgrading negotiation response for %s", session.ID(), session.req.URL)
		res.Header.Del("Content-Encoding")
		proxyutil.ReplaceBody(res, outcome.Body)
		session.SetProp(PropDowngraded, true)
	case negotiate.MalformedBody, negotiate.Unexpected:
		log.Error("id=%s: negotiation rewrite skipped (%s): %v", session.ID(), outcome.Kind, outcome.Err)
		proxyutil.ReplaceBody(res, raw)
	default:
		proxyutil.ReplaceBody(res, raw)
	}
}
