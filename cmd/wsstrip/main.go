// wsstrip is an MITM proxy that downgrades SignalR-style real-time
// connections by rewriting transport negotiation responses.
package main

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/jessevdk/go-flags"

	"github.com/wsstrip/wsstrip"
	"github.com/wsstrip/wsstrip/mitm"
	"github.com/wsstrip/wsstrip/negotiate"
)

// Options is the set of command-line flags.
type Options struct {
	ListenAddr string `short:"l" long:"listen" description:"Address the proxy listens on" default:"0.0.0.0:8080"`

	CACert string `long:"ca-cert" description:"Path to the root certificate (PEM). An ephemeral authority is generated when omitted"`
	CAKey  string `long:"ca-key" description:"Path to the root certificate key (PEM)"`

	APIHost string `long:"api-host" description:"Hostname of the proxy's own API (serves /cert.crt and /toggles)" default:"wsstrip.local"`

	Username string `short:"u" long:"username" description:"Require proxy authentication with this username"`
	Password string `short:"p" long:"password" description:"Proxy authentication password"`

	MITMExceptions []string `long:"mitm-exception" description:"Hostname that must not be MITMed. Can be repeated"`

	WSText     bool `long:"ws-text" description:"Keep WebSockets with the Text transfer format in rewritten responses"`
	WSBinary   bool `long:"ws-binary" description:"Keep WebSockets with the Binary transfer format in rewritten responses"`
	NoSSE      bool `long:"no-sse" description:"Do not advertise ServerSentEvents in rewritten responses"`
	NoLPText   bool `long:"no-lp-text" description:"Do not advertise the Text transfer format for LongPolling"`
	NoLPBinary bool `long:"no-lp-binary" description:"Do not advertise the Binary transfer format for LongPolling"`

	Passive bool `long:"passive" description:"Log matching negotiation responses without rewriting them"`
	Verbose bool `short:"v" long:"verbose" description:"Verbose output"`
}

func main() {
	options := &Options{}
	if _, err := flags.Parse(options); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if options.Verbose {
		log.SetLevel(log.DEBUG)
	}

	addr, err := net.ResolveTCPAddr("tcp", options.ListenAddr)
	if err != nil {
		log.Fatalf("invalid listen address %q: %v", options.ListenAddr, err)
	}

	mitmConfig, err := newMITMConfig(options)
	if err != nil {
		log.Fatalf("failed to prepare the MITM configuration: %v", err)
	}

	toggles := negotiate.NewToggleStore()
	toggles.Replace(negotiate.Toggles{
		WebSocketsText:       options.WSText,
		WebSocketsBinary:     options.WSBinary,
		ServerSentEventsText: !options.NoSSE,
		LongPollingText:      !options.NoLPText,
		LongPollingBinary:    !options.NoLPBinary,
	})

	proxy := wsstrip.NewProxy(wsstrip.Config{
		ListenAddr:     addr,
		APIHost:        options.APIHost,
		Username:       options.Username,
		Password:       options.Password,
		MITMConfig:     mitmConfig,
		MITMExceptions: options.MITMExceptions,
		Toggles:        toggles,
		Passive:        options.Passive,
	})

	if err = proxy.Start(); err != nil {
		log.Fatal(err)
	}

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	<-signalChannel

	proxy.Close()
}

// newMITMConfig loads the CA pair from the configured paths or, when no
// paths were given, generates an ephemeral authority for this run. Install
// the certificate served at http://<api-host>/cert.crt into the client's
// trust store.
func newMITMConfig(options *Options) (*mitm.Config, error) {
	var ca *x509.Certificate
	var key *rsa.PrivateKey

	if options.CACert != "" {
		tlsc, err := tls.LoadX509KeyPair(options.CACert, options.CAKey)
		if err != nil {
			return nil, err
		}
		key = tlsc.PrivateKey.(*rsa.PrivateKey)

		ca, err = x509.ParseCertificate(tlsc.Certificate[0])
		if err != nil {
			return nil, err
		}
	} else {
		log.Printf("no CA configured, generating an ephemeral authority")
		var err error
		ca, key, err = mitm.NewAuthority("wsstrip", "wsstrip", 24*time.Hour)
		if err != nil {
			return nil, err
		}
	}

	config, err := mitm.NewConfig(ca, key, nil)
	if err != nil {
		return nil, err
	}
	config.SetOrganization("wsstrip")
	return config, nil
}
