package microbit

import (
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ApfelPresse/scratchlink-fakehub/pkg/peripheral"
	"github.com/ApfelPresse/scratchlink-fakehub/pkg/protocol"

	log "github.com/sirupsen/logrus"
)

// GATT identifiers of the emulated micro:bit. The main service id is a
// 16-bit alias and travels as a JSON number.
var (
	Service = protocol.NewNumericUUID(61445)
	RxChar  = protocol.NewUUID("5261da01-fa7e-42ab-850b-7c80220097cc")
	TxChar  = protocol.NewUUID("5261da02-fa7e-42ab-850b-7c80220097cc")

	ButtonService = protocol.NewUUID("E95D9882-251D-470A-A062-FA1922DFA9A8")
	ButtonAChar   = protocol.NewUUID("E95DDA90-251D-470A-A062-FA1922DFA9A8")
	ButtonBChar   = protocol.NewUUID("E95DDA91-251D-470A-A062-FA1922DFA9A8")
	ButtonABChar  = protocol.NewUUID("E95DDA92-251D-470A-A062-FA1922DFA9A8")

	AccelService  = protocol.NewUUID("E95D0753-251D-470A-A062-FA1922DFA9A8")
	AccelDataChar = protocol.NewUUID("E95DCA4B-251D-470A-A062-FA1922DFA9A8")
)

const (
	DefaultName         = "Fake-Microbit"
	DefaultPeripheralID = "FAKE-MICROBIT-5678"

	// DefaultHeartbeatInterval paces the RX liveness stream at 1 Hz.
	DefaultHeartbeatInterval = time.Second
)

// DisplayListener observes display commands decoded from the TX
// characteristic.
type DisplayListener interface {
	OnDisplayText(text string)
	OnDisplayMatrix(rows [5]byte)
	OnSetPixel(x, y int, on bool)
	OnClearDisplay()
}

// LogDisplay renders display events into the log. It is the listener
// used when none is registered.
type LogDisplay struct{}

func (LogDisplay) OnDisplayText(text string) {
	log.Infof("[DISPLAY] text=%q", text)
}

func (LogDisplay) OnDisplayMatrix(rows [5]byte) {
	log.Infof("[DISPLAY] matrix:\n%s", FormatMatrix(rows))
}

func (LogDisplay) OnSetPixel(x, y int, on bool) {
	log.Infof("[DISPLAY] set_pixel x=%d y=%d on=%v", x, y, on)
}

func (LogDisplay) OnClearDisplay() {
	log.Info("[DISPLAY] clear")
}

// FormatMatrix renders row bytes as a 5x5 grid of # and . characters.
// Bit 4 of a row byte is the leftmost column.
func FormatMatrix(rows [5]byte) string {
	var b strings.Builder
	for r, row := range rows {
		if r > 0 {
			b.WriteByte('\n')
		}
		for c := 0; c < 5; c++ {
			if row&(1<<(4-c)) != 0 {
				b.WriteByte('#')
			} else {
				b.WriteByte('.')
			}
		}
	}
	return b.String()
}

// Options configures a Device. Zero values fall back to the package
// defaults; a negative HeartbeatInterval disables the heartbeat stream.
type Options struct {
	Name              string
	PeripheralID      string
	HeartbeatInterval time.Duration
}

// Device emulates a micro:bit flashed with the Scratch hex: a heartbeat
// stream on the RX characteristic, display commands on TX, and pushed
// button, accelerometer and pin events. Safe for concurrent use.
type Device struct {
	name string
	pid  string

	// heartbeat period in nanoseconds, read lock-free by the loop.
	hbInterval atomic.Int64

	mu       sync.Mutex
	tr       peripheral.Transport
	notifyRx bool
	hbLoop   *peripheral.PushLoop
	hbTick   int
	display  DisplayListener
}

// New builds a micro:bit device.
func New(opts Options) *Device {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.PeripheralID == "" {
		opts.PeripheralID = DefaultPeripheralID
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}

	d := &Device{name: opts.Name, pid: opts.PeripheralID}
	d.hbInterval.Store(int64(opts.HeartbeatInterval))
	return d
}

func (d *Device) Name() string { return d.name }

func (d *Device) PeripheralID() string { return d.pid }

// AttachTransport hands the device the session transport.
func (d *Device) AttachTransport(tr peripheral.Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tr = tr
}

// SetDisplayListener replaces the default logging listener.
func (d *Device) SetDisplayListener(l DisplayListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.display = l
}

// StartNotifications activates the heartbeat stream when the RX
// characteristic is subscribed. Attributes of other devices are ignored.
func (d *Device) StartNotifications(service, characteristic protocol.UUID) error {
	if !service.Equal(Service) || !characteristic.Equal(RxChar) {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.notifyRx {
		log.Debugf("%s: rx notifications already active", d.name)
		return nil
	}
	d.notifyRx = true

	if d.hbLoop != nil {
		return nil
	}
	if d.tr == nil {
		log.Warnf("%s: heartbeat requested with no transport", d.name)
		return nil
	}
	if d.hbInterval.Load() < 0 {
		log.Debugf("%s: heartbeat disabled", d.name)
		return nil
	}
	d.hbLoop = peripheral.StartPushLoop("microbit heartbeat",
		func() time.Duration { return time.Duration(d.hbInterval.Load()) },
		d.pushHeartbeat)
	return nil
}

// StopNotifications turns the heartbeat stream off and joins the loop
// before returning.
func (d *Device) StopNotifications(service, characteristic protocol.UUID) error {
	if !service.Equal(Service) || !characteristic.Equal(RxChar) {
		return nil
	}

	d.mu.Lock()
	if !d.notifyRx && d.hbLoop == nil {
		log.Debugf("%s: rx notifications already stopped", d.name)
		d.mu.Unlock()
		return nil
	}
	d.notifyRx = false
	loop := d.hbLoop
	d.hbLoop = nil
	d.mu.Unlock()

	if loop != nil {
		loop.Stop()
	}
	return nil
}

// Write decodes display commands sent to the TX characteristic.
func (d *Device) Write(service, characteristic protocol.UUID, data []byte) error {
	if !characteristic.Equal(TxChar) {
		return nil
	}

	cmd, err := protocol.ParseDisplayCommand(data)
	if err != nil {
		log.Debugf("%s: ignoring empty display write", d.name)
		return nil
	}

	switch cmd.Op {
	case protocol.OpDisplayText:
		text := strings.ToValidUTF8(string(cmd.Args), "�")
		d.fireDisplay(func(l DisplayListener) { l.OnDisplayText(text) })

	case protocol.OpDisplayMatrix:
		rows := protocol.MatrixRows(cmd.Args)
		if rows == ([5]byte{}) {
			d.fireDisplay(DisplayListener.OnClearDisplay)
		} else {
			d.fireDisplay(func(l DisplayListener) { l.OnDisplayMatrix(rows) })
		}

	case protocol.OpSetPixel:
		if len(cmd.Args) < 3 {
			log.Infof("[DISPLAY] raw %s (short)", hex.EncodeToString(cmd.Args))
			return nil
		}
		x, y, on := int(cmd.Args[0]), int(cmd.Args[1]), cmd.Args[2] != 0
		d.fireDisplay(func(l DisplayListener) { l.OnSetPixel(x, y, on) })

	default:
		log.Infof("[UNKNOWN OPCODE] 0x%02X args=%s", cmd.Op, hex.EncodeToString(cmd.Args))
	}
	return nil
}

// Stop ends the heartbeat at session close.
func (d *Device) Stop() {
	d.mu.Lock()
	d.notifyRx = false
	loop := d.hbLoop
	d.hbLoop = nil
	d.tr = nil
	d.mu.Unlock()

	if loop != nil {
		loop.Stop()
	}
}

func (d *Device) pushHeartbeat() error {
	d.mu.Lock()
	if !d.notifyRx || d.tr == nil {
		d.mu.Unlock()
		return nil
	}
	d.hbTick = (d.hbTick + 1) & 0xFF
	payload := protocol.HeartbeatFrame(d.hbTick)
	d.mu.Unlock()

	return d.notify(Service, RxChar, payload)
}

// notify pushes a payload on a characteristic over the current session.
// Without a session the payload is dropped.
func (d *Device) notify(service, characteristic protocol.UUID, payload []byte) error {
	d.mu.Lock()
	tr := d.tr
	d.mu.Unlock()
	if tr == nil {
		log.Debugf("%s: dropping notification, no session", d.name)
		return nil
	}

	doc, err := protocol.NewCharacteristicDidChange(service, characteristic, payload)
	if err != nil {
		return err
	}
	log.Debugf("[SEND] notify svc=%s char=%s len=%d", service, characteristic, len(payload))
	return tr.Send(doc)
}

func (d *Device) fireDisplay(fn func(DisplayListener)) {
	d.mu.Lock()
	l := d.display
	d.mu.Unlock()
	if l == nil {
		l = LogDisplay{}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("%s: display listener panic: %v", d.name, r)
		}
	}()
	fn(l)
}

// ButtonA pushes the state of button A.
func (d *Device) ButtonA(pressed bool) error {
	return d.notify(ButtonService, ButtonAChar, protocol.ButtonFrame(pressed))
}

// ButtonB pushes the state of button B.
func (d *Device) ButtonB(pressed bool) error {
	return d.notify(ButtonService, ButtonBChar, protocol.ButtonFrame(pressed))
}

// ButtonAB pushes the combined state of both buttons.
func (d *Device) ButtonAB(pressed bool) error {
	return d.notify(ButtonService, ButtonABChar, protocol.ButtonFrame(pressed))
}

func (d *Device) PressA() error   { return d.ButtonA(true) }
func (d *Device) ReleaseA() error { return d.ButtonA(false) }
func (d *Device) PressB() error   { return d.ButtonB(true) }
func (d *Device) ReleaseB() error { return d.ButtonB(false) }

// PinConnected pushes an edge-connector pin event on the RX
// characteristic.
func (d *Device) PinConnected(pin int, connected bool) error {
	return d.notify(Service, RxChar, protocol.PinEventFrame(pin, connected))
}

// Accelerometer pushes a raw milli-g reading. Values outside the int16
// range are rejected and nothing is sent.
func (d *Device) Accelerometer(x, y, z int) error {
	frame, err := protocol.AccelerometerFrame(x, y, z)
	if err != nil {
		return err
	}
	return d.notify(AccelService, AccelDataChar, frame)
}

// Gesture presets Scratch recognizes, expressed as fixed accelerometer
// readings.
func (d *Device) TiltFront() error { return d.Accelerometer(0, 800, 1000) }
func (d *Device) TiltBack() error  { return d.Accelerometer(0, -800, 1000) }
func (d *Device) TiltLeft() error  { return d.Accelerometer(-800, 0, 1000) }
func (d *Device) TiltRight() error { return d.Accelerometer(800, 0, 1000) }
func (d *Device) TiltAny() error   { return d.Accelerometer(300, 300, 1000) }
func (d *Device) Moved() error     { return d.Accelerometer(1500, 0, 1000) }
func (d *Device) Shaken() error    { return d.Accelerometer(3000, 3000, 1000) }
func (d *Device) Jumped() error    { return d.Accelerometer(0, 0, 400) }
