package schema

// SessionID identifies a client session (one host connection and its task stack).
type SessionID string

// TaskKind names a registered task kind in the callback registry.
type TaskKind string

// Origin tags the actor that originated a command source.
type Origin string

const (
	// OriginUI marks commands issued directly by a user interface.
	OriginUI Origin = "ui"
	// OriginKeymap marks commands produced by a keymap binding.
	OriginKeymap Origin = "keymap"
	// OriginMacro marks commands produced by a macro invocation.
	OriginMacro Origin = "macro"
	// OriginScript marks commands that came from a script or peer.
	OriginScript Origin = "script"
	// OriginIdle marks commands produced by the idle timer.
	OriginIdle Origin = "idle"
	// OriginInternal marks commands generated by the client itself.
	OriginInternal Origin = "internal"
)

// HostState is the connection state of the host session.
type HostState int

const (
	// HostNotConnected means no transport exists.
	HostNotConnected HostState = iota
	// HostPending means a transport connection is in progress.
	HostPending
	// HostNegotiating means the transport is connected to a proxy and the proxy
	// handshake has not finished.
	HostNegotiating
	// HostConnected means the transport reaches the host.
	HostConnected
	// HostProtocolMode means the terminal protocol layer has taken over.
	HostProtocolMode
)

func (s HostState) String() string {
	switch s {
	case HostNotConnected:
		return "not-connected"
	case HostPending:
		return "pending"
	case HostNegotiating:
		return "negotiating"
	case HostConnected:
		return "connected"
	case HostProtocolMode:
		return "protocol-mode"
	default:
		return "unknown"
	}
}

// Connected reports whether the state has a live transport to the host.
func (s HostState) Connected() bool {
	return s >= HostConnected
}

// InProgress reports whether a connection attempt is underway.
func (s HostState) InProgress() bool {
	return s == HostPending || s == HostNegotiating
}
