package peripheral

import (
	"github.com/ApfelPresse/scratchlink-fakehub/pkg/protocol"
)

// Transport delivers outgoing JSON documents to the connected client.
// Send must be safe for concurrent use: the dispatcher and every push
// loop share one transport.
type Transport interface {
	Send(doc []byte) error
}

// Device is one emulated peripheral behind a session. A device owns its
// characteristic state and push loops; the session routes RPC side
// effects to every registered device and owns the acks.
type Device interface {
	// Name is the advertised peripheral name.
	Name() string

	// PeripheralID is the stable id reported in discovery pushes.
	PeripheralID() string

	// AttachTransport hands the device the session transport. Called once
	// per session before any dispatch.
	AttachTransport(tr Transport)

	// StartNotifications activates pushes for a characteristic the device
	// owns. Attributes of other devices are ignored.
	StartNotifications(service, characteristic protocol.UUID) error

	// StopNotifications deactivates pushes for a characteristic and joins
	// the backing loop before returning.
	StopNotifications(service, characteristic protocol.UUID) error

	// Write handles a characteristic write already decoded from base64.
	Write(service, characteristic protocol.UUID, data []byte) error

	// Stop tears down all device activity at session end.
	Stop()
}
