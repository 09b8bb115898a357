package peripheral

import (
	"fmt"

	"github.com/ApfelPresse/scratchlink-fakehub/pkg/protocol"
	log "github.com/sirupsen/logrus"
)

// Signal strength reported for every emulated peripheral.
const discoverRSSI = -40

// Session owns one client connection. It parses each inbound document,
// sends exactly one result per request id, and fans the side effects out
// to every registered device. Devices never ack; the session does.
type Session struct {
	id      string
	tr      Transport
	devices []Device
}

// NewSession binds the devices to a freshly accepted transport.
func NewSession(id string, tr Transport, devices ...Device) *Session {
	s := &Session{id: id, tr: tr, devices: devices}
	for _, d := range s.devices {
		d.AttachTransport(tr)
	}
	return s
}

// Dispatch processes one inbound JSON-RPC document. Anything a client can
// send is survivable: unparseable documents are dropped, unknown methods
// acked, handler errors logged. The returned error is a transport failure.
func (s *Session) Dispatch(raw []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[%s] recovered from handler panic: %v", s.id, r)
			err = nil
		}
	}()

	req, perr := protocol.ParseRequest(raw)
	if perr != nil {
		log.Warnf("[%s] dropping unparseable document: %v", s.id, perr)
		return nil
	}

	log.Debugf("[%s] <- %s id=%s", s.id, req.Method, req.ID)

	switch req.Method {
	case protocol.MethodDiscover:
		return s.discover(req)
	case protocol.MethodConnect:
		return s.ack(req.ID)
	case protocol.MethodStartNotifications:
		return s.startNotifications(req)
	case protocol.MethodStopNotifications:
		return s.stopNotifications(req)
	case protocol.MethodWrite:
		return s.write(req)
	case protocol.MethodRead:
		return s.read(req)
	default:
		log.Debugf("[%s] fallback ack for method %q", s.id, req.Method)
		return s.ack(req.ID)
	}
}

// Disconnect tears down every device at session end.
func (s *Session) Disconnect() {
	for _, d := range s.devices {
		d.Stop()
	}
	log.Infof("[%s] session closed", s.id)
}

// ack sends the result document. Requests without an id are JSON-RPC
// notifications and get no result.
func (s *Session) ack(id protocol.ID) error {
	if id.IsNull() {
		return nil
	}
	doc, err := protocol.NewResult(id)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return s.tr.Send(doc)
}

func (s *Session) discover(req *protocol.Request) error {
	if err := s.ack(req.ID); err != nil {
		return err
	}
	for _, d := range s.devices {
		doc, err := protocol.NewDidDiscoverPeripheral(d.Name(), d.PeripheralID(), discoverRSSI)
		if err != nil {
			return fmt.Errorf("marshal discovery for %s: %w", d.Name(), err)
		}
		if err := s.tr.Send(doc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) startNotifications(req *protocol.Request) error {
	if err := s.ack(req.ID); err != nil {
		return err
	}
	if req.Params.ServiceID.IsZero() || req.Params.CharacteristicID.IsZero() {
		log.Warnf("[%s] startNotifications without serviceId/characteristicId, ignoring", s.id)
		return nil
	}
	for _, d := range s.devices {
		if err := d.StartNotifications(req.Params.ServiceID, req.Params.CharacteristicID); err != nil {
			log.Errorf("[%s] %s startNotifications: %v", s.id, d.Name(), err)
		}
	}
	return nil
}

func (s *Session) stopNotifications(req *protocol.Request) error {
	if err := s.ack(req.ID); err != nil {
		return err
	}
	for _, d := range s.devices {
		if err := d.StopNotifications(req.Params.ServiceID, req.Params.CharacteristicID); err != nil {
			log.Errorf("[%s] %s stopNotifications: %v", s.id, d.Name(), err)
		}
	}
	return nil
}

// write acks after the handlers so a client that awaits the result sees
// the write applied.
func (s *Session) write(req *protocol.Request) error {
	data := protocol.DecodeMessage(req.Params)
	for _, d := range s.devices {
		if err := d.Write(req.Params.ServiceID, req.Params.CharacteristicID, data); err != nil {
			log.Errorf("[%s] %s write: %v", s.id, d.Name(), err)
		}
	}
	return s.ack(req.ID)
}

// read carries no stored characteristic values; its startNotifications
// flag is the only live part of the method.
func (s *Session) read(req *protocol.Request) error {
	if req.Params.StartNotifications {
		return s.startNotifications(req)
	}
	return s.ack(req.ID)
}
