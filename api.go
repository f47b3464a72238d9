package wsstrip

import (
	"bytes"
	"encoding/json"
	"encoding/pem"
	"io/ioutil"
	"net/http"

	"github.com/pkg/errors"

	"github.com/wsstrip/wsstrip/proxyutil"
)

// handleAPIRequest serves the proxy's own control endpoints. Requests reach
// it by using the configured APIHost as the request host.
func (p *Proxy) handleAPIRequest(session *Session) error {
	switch session.req.URL.Path {
	case "/cert.crt":
		if p.MITMConfig != nil {
			return p.handleCertRequest(session)
		}
	case "/toggles":
		return p.handleTogglesRequest(session)
	}

	// nolint:bodyclose
	// body is actually closed
	session.res = proxyutil.NewErrorResponse(session.req, errors.Errorf("wrong API method"))
	defer session.res.Body.Close()
	session.res.Close = true
	return p.writeResponse(session)
}

// handleCertRequest serves the root CA certificate so that it can be
// installed into the client's trust store.
func (p *Proxy) handleCertRequest(session *Session) error {
	b := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: p.MITMConfig.GetCA().Raw,
	})

	// nolint:bodyclose
	// body is actually closed
	session.res = proxyutil.NewResponse(http.StatusOK, bytes.NewReader(b), session.req)
	defer session.res.Body.Close()
	session.res.Close = true
	session.res.Header.Set("Content-Type", "application/x-x509-ca-cert")
	session.res.ContentLength = int64(len(b))
	return p.writeResponse(session)
}

// handleTogglesRequest exposes the transport toggles: GET returns the
// current selection keyed by toggle name, POST updates the named toggles
// from a JSON object of the same shape and returns the result.
func (p *Proxy) handleTogglesRequest(session *Session) error {
	if session.req.Method == http.MethodPost {
		body, err := ioutil.ReadAll(session.req.Body)
		if err == nil {
			var update map[string]bool
			err = json.Unmarshal(body, &update)
			if err == nil {
				for name, enabled := range update {
					if err = p.Toggles.Set(name, enabled); err != nil {
						break
					}
				}
			}
		}
		if err != nil {
			// nolint:bodyclose
			// body is actually closed
			session.res = proxyutil.NewErrorResponse(session.req, err)
			defer session.res.Body.Close()
			session.res.Close = true
			return p.writeResponse(session)
		}
	}

	b, err := json.Marshal(p.Toggles.Snapshot().Map())
	if err != nil {
		// nolint:bodyclose
		// body is actually closed
		session.res = proxyutil.NewErrorResponse(session.req, err)
		defer session.res.Body.Close()
		session.res.Close = true
		return p.writeResponse(session)
	}

	// nolint:bodyclose
	// body is actually closed
	session.res = proxyutil.NewResponse(http.StatusOK, bytes.NewReader(b), session.req)
	defer session.res.Body.Close()
	session.res.Close = true
	session.res.Header.Set("Content-Type", "application/json")
	session.res.ContentLength = int64(len(b))
	return p.writeResponse(session)
}
