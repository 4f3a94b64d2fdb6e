// Package transport defines the uniform link-frame interface shared by the
// loopback and BlueZ transports, plus the loopback implementation used by
// tests and the default daemon mode.
package transport

// Settings carries the role and link parameters a transport needs to start.
type Settings struct {
	Role       string // "central", "peripheral" or "loopback"
	SvcUUID    string
	TxUUID     string
	RxUUID     string
	MTUPayload int // max frame bytes per BLE operation
}

// OnFrame is invoked once per received link frame, on a transport-owned
// goroutine.
type OnFrame func(frame []byte)

// Transport sends and receives single link frames. One frame corresponds to
// exactly one BLE GATT write or notification.
type Transport interface {
	// Start is idempotent and returns false on setup failure.
	Start(s Settings, onFrame OnFrame) bool
	// Send transmits one frame no larger than the negotiated MTU.
	Send(frame []byte) bool
	// Stop is idempotent and completes all teardown synchronously,
	// including joining worker goroutines.
	Stop()
	// LinkReady reports whether the transport can currently both send and
	// receive.
	LinkReady() bool
	Name() string
}
