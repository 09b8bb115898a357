package wedo

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ApfelPresse/scratchlink-fakehub/pkg/peripheral"
	"github.com/ApfelPresse/scratchlink-fakehub/pkg/protocol"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	log "github.com/sirupsen/logrus"
)

// GATT identifiers of the emulated WeDo 2.0 hub.
var (
	PortService   = protocol.NewUUID("00001523-1212-efde-1523-785feabcd123")
	PortChar      = protocol.NewUUID("00001527-1212-efde-1523-785feabcd123")
	SensorService = protocol.NewUUID("00004f0e-1212-efde-1523-785feabcd123")
	SensorChar    = protocol.NewUUID("00001560-1212-efde-1523-785feabcd123")
	ControlChar   = protocol.NewUUID("00001565-1212-efde-1523-785feabcd123")
)

const (
	DefaultName         = "Fake-Wedo"
	DefaultPeripheralID = "FAKE-WEDO-1234"

	// DefaultSensorInterval paces the sensor stream; SetSensorInterval
	// never goes below MinSensorInterval.
	DefaultSensorInterval = 500 * time.Millisecond
	MinSensorInterval     = 50 * time.Millisecond

	defaultMotorPower = 100
	defaultTiltY      = 200
)

// MotorHook observes decoded motor commands. Direction is +1 or -1,
// power the clamped magnitude.
type MotorHook func(port, power, direction int)

// PortConfig binds one hub connector to an emulated device kind.
type PortConfig struct {
	Port int
	Kind protocol.DeviceKind
}

// Options configures a Device. Zero values fall back to the package
// defaults.
type Options struct {
	Name           string
	PeripheralID   string
	SensorInterval time.Duration
}

// Device emulates a WeDo 2.0 smart hub: a fixed port layout announced
// through attach events, a streamed sensor characteristic and a motor
// control characteristic. Safe for concurrent use; the RPC dispatcher,
// the sensor loop and scripted setters all share it.
type Device struct {
	name string
	pid  string

	// interval is read lock-free by the running sensor loop.
	interval atomic.Int64

	mu           sync.Mutex
	ports        *orderedmap.OrderedMap[int, protocol.DeviceKind]
	motorPower   map[int]int
	tiltX        int
	tiltY        int
	distance     int
	tr           peripheral.Transport
	notifyPorts  bool
	notifySensor bool
	sensorLoop   *peripheral.PushLoop
	onMotorPower MotorHook
}

// New builds a hub with the given port layout. Ports keep their
// configuration order: attach events and sensor frames follow it. Only
// port-attachable kinds are accepted.
func New(opts Options, ports ...PortConfig) (*Device, error) {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.PeripheralID == "" {
		opts.PeripheralID = DefaultPeripheralID
	}
	if opts.SensorInterval <= 0 {
		opts.SensorInterval = DefaultSensorInterval
	}

	d := &Device{
		name:       opts.Name,
		pid:        opts.PeripheralID,
		ports:      orderedmap.New[int, protocol.DeviceKind](),
		motorPower: make(map[int]int),
		tiltY:      defaultTiltY,
	}
	d.interval.Store(int64(opts.SensorInterval))

	for _, pc := range ports {
		if _, err := protocol.TypeCode(pc.Kind); err != nil {
			return nil, fmt.Errorf("port %d: %w", pc.Port, err)
		}
		if _, dup := d.ports.Get(pc.Port); dup {
			return nil, fmt.Errorf("port %d configured twice", pc.Port)
		}
		d.ports.Set(pc.Port, pc.Kind)
		if pc.Kind == protocol.KindMotor {
			d.motorPower[pc.Port] = defaultMotorPower
		}
	}

	return d, nil
}

func (d *Device) Name() string { return d.name }

func (d *Device) PeripheralID() string { return d.pid }

// AttachTransport hands the device the session transport.
func (d *Device) AttachTransport(tr peripheral.Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tr = tr
}

// OnMotorPower registers the hook called for every decoded motor command.
func (d *Device) OnMotorPower(hook MotorHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMotorPower = hook
}

// StartNotifications activates the port announcement burst or the sensor
// stream. Attributes of other devices are ignored.
func (d *Device) StartNotifications(service, characteristic protocol.UUID) error {
	switch {
	case service.Equal(PortService) && characteristic.Equal(PortChar):
		return d.announcePorts()
	case service.Equal(SensorService) && characteristic.Equal(SensorChar):
		d.startSensorStream()
		return nil
	default:
		return nil
	}
}

// StopNotifications turns a subscription off. Stopping the sensor stream
// joins the loop before returning; stopping an inactive subscription is a
// no-op.
func (d *Device) StopNotifications(service, characteristic protocol.UUID) error {
	switch {
	case service.Equal(SensorService) && characteristic.Equal(SensorChar):
		d.stopSensorStream()
	case service.Equal(PortService) && characteristic.Equal(PortChar):
		d.mu.Lock()
		if !d.notifyPorts {
			log.Debugf("%s: port notifications already stopped", d.name)
		}
		d.notifyPorts = false
		d.mu.Unlock()
	}
	return nil
}

// Write decodes motor commands sent to the control characteristic.
// Anything else is ignored.
func (d *Device) Write(service, characteristic protocol.UUID, data []byte) error {
	if !characteristic.Equal(ControlChar) {
		return nil
	}

	cmd, err := protocol.DecodeMotorCommand(data)
	if err != nil {
		log.Debugf("%s: ignoring control write: %v", d.name, err)
		return nil
	}

	d.mu.Lock()
	d.motorPower[cmd.Port] = cmd.Power
	hook := d.onMotorPower
	d.mu.Unlock()

	log.Infof("[MOTOR] port=%d power=%d dir=%s", cmd.Port, cmd.Power, spin(cmd.Direction))
	if hook != nil {
		runMotorHook(hook, cmd)
	}
	return nil
}

// Stop ends all streaming at session close. Subscription state resets so
// the next session starts clean.
func (d *Device) Stop() {
	d.mu.Lock()
	d.notifyPorts = false
	d.notifySensor = false
	loop := d.sensorLoop
	d.sensorLoop = nil
	d.tr = nil
	d.mu.Unlock()

	if loop != nil {
		loop.Stop()
	}
}

// announcePorts emits one attach event per configured port, in port
// order. Repeated activations do not re-announce.
func (d *Device) announcePorts() error {
	d.mu.Lock()
	if d.notifyPorts {
		log.Debugf("%s: port notifications already active", d.name)
		d.mu.Unlock()
		return nil
	}
	if d.tr == nil {
		d.mu.Unlock()
		return fmt.Errorf("%s: no transport attached", d.name)
	}
	d.notifyPorts = true
	tr := d.tr

	frames := make([][]byte, 0, d.ports.Len())
	first := true
	for pair := d.ports.Oldest(); pair != nil; pair = pair.Next() {
		frame, err := protocol.AttachFrame(pair.Key, pair.Value, first)
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("attach port %d: %w", pair.Key, err)
		}
		frames = append(frames, frame)
		first = false
	}
	d.mu.Unlock()

	for _, frame := range frames {
		doc, err := protocol.NewCharacteristicDidChange(PortService, PortChar, frame)
		if err != nil {
			return err
		}
		if err := tr.Send(doc); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) startSensorStream() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.notifySensor = true
	if d.sensorLoop != nil {
		log.Debugf("%s: sensor stream already running", d.name)
		return
	}
	if d.tr == nil {
		log.Warnf("%s: sensor stream requested with no transport", d.name)
		return
	}
	d.sensorLoop = peripheral.StartPushLoop("wedo sensor",
		func() time.Duration { return time.Duration(d.interval.Load()) },
		d.pushSensorFrames)
}

func (d *Device) stopSensorStream() {
	d.mu.Lock()
	if !d.notifySensor && d.sensorLoop == nil {
		log.Debugf("%s: sensor stream already stopped", d.name)
		d.mu.Unlock()
		return
	}
	d.notifySensor = false
	loop := d.sensorLoop
	d.sensorLoop = nil
	d.mu.Unlock()

	if loop != nil {
		loop.Stop()
	}
}

// pushSensorFrames is one sensor loop tick: one frame per configured
// port, current values, port order.
func (d *Device) pushSensorFrames() error {
	d.mu.Lock()
	if !d.notifySensor || d.tr == nil {
		d.mu.Unlock()
		return nil
	}
	tr := d.tr

	frames := make([][]byte, 0, d.ports.Len())
	for pair := d.ports.Oldest(); pair != nil; pair = pair.Next() {
		port, kind := pair.Key, pair.Value

		var frame []byte
		var err error
		switch kind {
		case protocol.KindMotor:
			frame, err = protocol.SensorFrame(port, kind, d.motorPowerLocked(port))
		case protocol.KindTilt:
			frame, err = protocol.SensorFrame(port, kind, d.tiltX, d.tiltY)
		case protocol.KindDistance:
			frame, err = protocol.SensorFrame(port, kind, d.distance)
		default:
			err = fmt.Errorf("port %d has unhandled kind %s", port, kind)
		}
		if err != nil {
			d.mu.Unlock()
			return err
		}
		frames = append(frames, frame)
	}
	d.mu.Unlock()

	for _, frame := range frames {
		doc, err := protocol.NewCharacteristicDidChange(SensorService, SensorChar, frame)
		if err != nil {
			return err
		}
		if err := tr.Send(doc); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) motorPowerLocked(port int) int {
	if p, ok := d.motorPower[port]; ok {
		return p
	}
	return defaultMotorPower
}

// MotorPower returns the last commanded power for a port.
func (d *Device) MotorPower(port int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.motorPowerLocked(port)
}

// SetDistance updates the streamed distance reading, clamped to 0..255.
// Without a distance-capable port the value is dropped.
func (d *Device) SetDistance(v int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.findPortLocked(protocol.KindDistance) < 0 {
		log.Warnf("%s: no distance sensor configured", d.name)
		return
	}
	d.distance = int(protocol.ClampByte(v))
	log.Infof("[DISTANCE] value=%d", d.distance)
}

// SetTilt updates the streamed tilt reading, both axes clamped to 0..255.
func (d *Device) SetTilt(x, y int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tiltX = int(protocol.ClampByte(x))
	d.tiltY = int(protocol.ClampByte(y))
}

// TiltUp and its siblings preset the tilt axes to the hub's four resting
// orientations.
func (d *Device) TiltUp() {
	log.Info("[TILT] up")
	d.SetTilt(0, 60)
}

func (d *Device) TiltDown() {
	log.Info("[TILT] down")
	d.SetTilt(0, 30)
}

func (d *Device) TiltLeft() {
	log.Info("[TILT] left")
	d.SetTilt(60, 0)
}

func (d *Device) TiltRight() {
	log.Info("[TILT] right")
	d.SetTilt(30, 0)
}

// SetSensorInterval re-paces the sensor stream. Takes effect on the next
// cycle without restarting the loop.
func (d *Device) SetSensorInterval(iv time.Duration) {
	if iv < MinSensorInterval {
		iv = MinSensorInterval
	}
	d.interval.Store(int64(iv))
	log.Infof("[SENSOR LOOP] interval set to %s", iv)
}

// SensorInterval returns the current stream pacing.
func (d *Device) SensorInterval() time.Duration {
	return time.Duration(d.interval.Load())
}

// Streaming reports whether the sensor loop is running.
func (d *Device) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sensorLoop != nil
}

// Distance returns the current distance sensor value.
func (d *Device) Distance() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.distance
}

// Tilt returns the current tilt sensor values.
func (d *Device) Tilt() (x, y int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tiltX, d.tiltY
}

// ledPalette is the hub LED index table.
var ledPalette = [][3]uint8{
	{0, 0, 0}, {255, 255, 255}, {255, 0, 0}, {0, 255, 0}, {0, 0, 255},
	{255, 255, 0}, {255, 128, 0}, {0, 255, 255}, {255, 0, 255}, {128, 128, 128},
}

// SetLightColor resolves a palette index, modulo the table size, and
// returns the RGB the hub LED would show.
func (d *Device) SetLightColor(index int) [3]uint8 {
	i := index % len(ledPalette)
	if i < 0 {
		i += len(ledPalette)
	}
	rgb := ledPalette[i]
	log.Infof("[LED] index=%d rgb=%v", index, rgb)
	return rgb
}

func (d *Device) findPortLocked(kind protocol.DeviceKind) int {
	for pair := d.ports.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value == kind {
			return pair.Key
		}
	}
	return -1
}

func runMotorHook(hook MotorHook, cmd *protocol.MotorCommand) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("motor hook panic: %v", r)
		}
	}()
	hook(cmd.Port, cmd.Power, cmd.Direction)
}

func spin(direction int) string {
	if direction > 0 {
		return "cw"
	}
	return "ccw"
}
