package wsstrip

import (
	"crypto/tls"
	"net"
	"net/http"

	"github.com/wsstrip/wsstrip/mitm"
	"github.com/wsstrip/wsstrip/negotiate"
)

// Config is the configuration of the Proxy.
type Config struct {
	ListenAddr *net.TCPAddr // Address to listen to

	// TLSConfig is a config to use for the HTTP over TLS proxy.
	// If not set, the proxy works as a simple plain HTTP proxy.
	TLSConfig *tls.Config

	// Username and Password, when set, require every client to pass proxy
	// Basic authentication.
	Username string
	Password string

	// APIHost is the hostname of the proxy's own API endpoints: /cert.crt
	// serves the root certificate, /toggles exposes the transport toggles.
	APIHost string

	MITMConfig     *mitm.Config // If not nil, MITM is enabled for the proxy
	MITMExceptions []string     // A list of hostnames for which MITM will be disabled

	// Toggles selects the transports a downgraded negotiation response will
	// advertise. If nil, a store with the default selection is created.
	Toggles *negotiate.ToggleStore

	// Passive disables the actual rewrite while keeping the inspection and
	// logging of matching negotiation responses.
	Passive bool

	// OnConnect is called when the proxy tries to establish a new connection
	// to the remote endpoint. Return a non-nil net.Conn to override it.
	OnConnect func(session *Session, proto string, addr string) net.Conn

	// OnRequest is called when an incoming request has been read. Return a
	// non-nil request to override it, or a non-nil response to skip the
	// round trip entirely and serve that response.
	OnRequest func(session *Session) (*http.Request, *http.Response)

	// OnResponse is called before writing a response back to the client.
	// Return a non-nil response to override it. Note that the negotiation
	// downgrade has already run at this point.
	OnResponse func(session *Session) *http.Response

	// OnError is called on failures in the request processing pipeline.
	OnError func(session *Session, err error)
}
