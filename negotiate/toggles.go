package negotiate

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Toggle names understood by the configuration interface and the proxy API.
const (
	KeyWebSocketsText       = "WebSockets: Text"
	KeyWebSocketsBinary     = "WebSockets: Binary"
	KeyServerSentEventsText = "ServerSentEvents: Text"
	KeyLongPollingText      = "LongPolling: Text"
	KeyLongPollingBinary    = "LongPolling: Binary"
)

// ErrUnknownToggle is returned when a toggle name is not recognized.
var ErrUnknownToggle = errors.New("unknown transport toggle")

// Toggles selects which transports (and which transfer formats) a rewritten
// negotiation response will advertise.
type Toggles struct {
	WebSocketsText       bool
	WebSocketsBinary     bool
	ServerSentEventsText bool
	LongPollingText      bool
	LongPollingBinary    bool
}

// DefaultToggles returns the default transport selection: WebSockets fully
// stripped, every fallback transport enabled.
func DefaultToggles() Toggles {
	return Toggles{
		ServerSentEventsText: true,
		LongPollingText:      true,
		LongPollingBinary:    true,
	}
}

// Transports builds the replacement transport list. Construction order is
// fixed: WebSockets, then ServerSentEvents, then LongPolling. A transport
// whose format set would be empty is omitted entirely, so the returned list
// never contains a descriptor with zero transfer formats.
func (t Toggles) Transports() []Transport {
	list := make([]Transport, 0, 3)

	if t.WebSocketsText || t.WebSocketsBinary {
		formats := make([]string, 0, 2)
		if t.WebSocketsText {
			formats = append(formats, TransferFormatText)
		}
		if t.WebSocketsBinary {
			formats = append(formats, TransferFormatBinary)
		}
		list = append(list, Transport{
			Transport:       TransportWebSockets,
			TransferFormats: formats,
		})
	}

	if t.ServerSentEventsText {
		// SSE is text-only, there is no binary variant to toggle.
		list = append(list, Transport{
			Transport:       TransportServerSentEvents,
			TransferFormats: []string{TransferFormatText},
		})
	}

	if t.LongPollingText || t.LongPollingBinary {
		formats := make([]string, 0, 2)
		if t.LongPollingText {
			formats = append(formats, TransferFormatText)
		}
		if t.LongPollingBinary {
			formats = append(formats, TransferFormatBinary)
		}
		list = append(list, Transport{
			Transport:       TransportLongPolling,
			TransferFormats: formats,
		})
	}

	return list
}

// Get returns the value of the named toggle.
func (t Toggles) Get(name string) (bool, error) {
	switch name {
	case KeyWebSocketsText:
		return t.WebSocketsText, nil
	case KeyWebSocketsBinary:
		return t.WebSocketsBinary, nil
	case KeyServerSentEventsText:
		return t.ServerSentEventsText, nil
	case KeyLongPollingText:
		return t.LongPollingText, nil
	case KeyLongPollingBinary:
		return t.LongPollingBinary, nil
	}
	return false, errors.Wrap(ErrUnknownToggle, name)
}

// Map returns the toggles keyed by their configuration names.
func (t Toggles) Map() map[string]bool {
	return map[string]bool{
		KeyWebSocketsText:       t.WebSocketsText,
		KeyWebSocketsBinary:     t.WebSocketsBinary,
		KeyServerSentEventsText: t.ServerSentEventsText,
		KeyLongPollingText:      t.LongPollingText,
		KeyLongPollingBinary:    t.LongPollingBinary,
	}
}

// with returns a copy of t with the named toggle set to enabled.
func (t Toggles) with(name string, enabled bool) (Toggles, error) {
	switch name {
	case KeyWebSocketsText:
		t.WebSocketsText = enabled
	case KeyWebSocketsBinary:
		t.WebSocketsBinary = enabled
	case KeyServerSentEventsText:
		t.ServerSentEventsText = enabled
	case KeyLongPollingText:
		t.LongPollingText = enabled
	case KeyLongPollingBinary:
		t.LongPollingBinary = enabled
	default:
		return t, errors.Wrap(ErrUnknownToggle, name)
	}
	return t, nil
}

// ToggleStore holds the current transport selection. The operator may flip
// toggles while requests are in flight, so readers take an immutable
// snapshot per call and never observe a torn write. There is no cross-request
// ordering guarantee, a rewrite may still use the selection that was current
// when it started.
type ToggleStore struct {
	mu  sync.Mutex   // serializes writers
	cur atomic.Value // Toggles
}

// NewToggleStore creates a store initialized with DefaultToggles.
func NewToggleStore() *ToggleStore {
	s := &ToggleStore{}
	s.cur.Store(DefaultToggles())
	return s
}

// Snapshot returns the current transport selection.
func (s *ToggleStore) Snapshot() Toggles {
	return s.cur.Load().(Toggles)
}

// Set updates one named toggle.
func (s *ToggleStore) Set(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.Snapshot().with(name, enabled)
	if err != nil {
		return err
	}
	s.cur.Store(t)
	return nil
}

// Replace swaps the whole selection at once.
func (s *ToggleStore) Replace(t Toggles) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Store(t)
}
