// Package intercept supervises the PostgreSQL startup sequence on behalf
// of a browser client. It observes the first messages on a new logical
// connection, answers SSLRequest probes, validates and rewrites the
// startup packet, relays or terminates the authentication exchange, and
// decides whether the stream proceeds to raw relay.
package intercept

// State is the per-stream handshake state. Transitions are
// one-directional; Closed is reachable from every other state.
type State int

const (
	// StateAwaitingStartup buffers client bytes until a complete
	// startup-format message is decoded.
	StateAwaitingStartup State = iota

	// StateAuthenticating covers the window from backend connect until
	// the backend settles the handshake with ReadyForQuery or
	// ErrorResponse.
	StateAuthenticating

	// StateRelaying is the terminal success state; the stream bridge
	// takes over with no further message inspection.
	StateRelaying

	// StateRejected is entered on malformed startup data, a disallowed
	// parameter, or backend authentication failure, after the client
	// has been sent a synthesized ErrorResponse.
	StateRejected

	// StateClosed is terminal; all resources released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingStartup:
		return "AwaitingStartup"
	case StateAuthenticating:
		return "Authenticating"
	case StateRelaying:
		return "Relaying"
	case StateRejected:
		return "Rejected"
	case StateClosed:
		return "Closed"
	default:
		return "Invalid"
	}
}
