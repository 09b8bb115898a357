// Package hub serves the Scratch Link WebSocket endpoint and turns every
// connection into a JSON-RPC session against a shared set of emulated
// peripherals.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ApfelPresse/scratchlink-fakehub/pkg/peripheral"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
)

// DefaultAddr is the address Scratch expects Scratch Link to listen on.
const DefaultAddr = "127.0.0.1:20111"

const shutdownTimeout = 5 * time.Second

// Server accepts Scratch Link WebSocket connections. Devices are shared
// across connections; notifications go to the most recent session, and
// closing any session stops the device streams.
type Server struct {
	addr    string
	devices []peripheral.Device

	mtx   sync.Mutex
	bound net.Addr
}

// New creates a server for the given listen address. An empty addr falls
// back to DefaultAddr.
func New(addr string, devices ...peripheral.Device) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{addr: addr, devices: devices}
}

// Addr returns the bound listen address once Start has opened the
// listener, or nil before that.
func (s *Server) Addr() net.Addr {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.bound
}

// Start serves until the context is canceled. Scratch connects to
// ws://127.0.0.1:20111/scratch/ble; the path is not checked, matching
// Scratch Link's tolerance for any session path.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.mtx.Lock()
	s.bound = ln.Addr()
	s.mtx.Unlock()
	log.Infof("Listening on ws://%s/", ln.Addr())

	mux := http.NewServeMux()
	mux.Handle("/", s)
	srv := &http.Server{Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Warnf("Server shutdown: %v", err)
		}
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		fmt.Fprintln(w, "Scratch Link emulator - connect via WebSocket at /scratch/ble")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	id := ulid.Make().String()
	log.Infof("[%s] CONNECTED from %s path=%s", id, r.RemoteAddr, r.URL.Path)

	session := peripheral.NewSession(id, &wsTransport{conn: ws}, s.devices...)
	s.reader(id, ws, session)
}

// reader pumps incoming documents into the session until the peer goes
// away, then tears the session down.
func (s *Server) reader(id string, conn *websocket.Conn, session *peripheral.Session) {
	defer func() {
		session.Disconnect()
		if err := conn.Close(); err != nil {
			log.Debugf("[%s] error closing websocket: %v", id, err)
		}
		log.Infof("[%s] DISCONNECTED", id)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("[%s] peer closed: %v", id, err)
			} else {
				log.Infof("[%s] read error: %v", id, err)
			}
			return
		}
		log.Debugf("[%s] ← %s", id, raw)
		if err := session.Dispatch(raw); err != nil {
			log.Warnf("[%s] rpc error: %v", id, err)
		}
	}
}

// wsTransport serializes writes to a single WebSocket connection. Device
// push loops and the session dispatcher write concurrently.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Send(doc []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, doc)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
