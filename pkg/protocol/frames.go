package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
)

// DeviceKind identifies what is emulated behind a characteristic. The set
// is closed: every frame switch below handles all kinds and fails hard on
// anything else, so a new kind cannot slip past the codec unencoded.
type DeviceKind int

const (
	KindMotor DeviceKind = iota
	KindTilt
	KindDistance
	KindDisplay
	KindAccelerometer
	KindButton
)

func (k DeviceKind) String() string {
	switch k {
	case KindMotor:
		return "Motor"
	case KindTilt:
		return "Tilt"
	case KindDistance:
		return "Distance"
	case KindDisplay:
		return "Display"
	case KindAccelerometer:
		return "Accelerometer"
	case KindButton:
		return "Button"
	default:
		return fmt.Sprintf("DeviceKind(%d)", int(k))
	}
}

// Hub I/O type codes carried in attach frames.
const (
	TypeCodeMotor    = 0x01
	TypeCodeTilt     = 0x22
	TypeCodeDistance = 0x23
)

// TypeCode returns the hub I/O type code for a port-attachable kind.
func TypeCode(kind DeviceKind) (byte, error) {
	switch kind {
	case KindMotor:
		return TypeCodeMotor, nil
	case KindTilt:
		return TypeCodeTilt, nil
	case KindDistance:
		return TypeCodeDistance, nil
	case KindDisplay, KindAccelerometer, KindButton:
		return 0, fmt.Errorf("%s does not attach to a hub port", kind)
	default:
		return 0, fmt.Errorf("unhandled device kind %s", kind)
	}
}

// AttachFrame builds the 12-byte attached-I/O event announcing a device on
// a hub port. The role byte is 0x00 on the first configured port and 0x01
// on every later one.
func AttachFrame(port int, kind DeviceKind, first bool) ([]byte, error) {
	code, err := TypeCode(kind)
	if err != nil {
		return nil, err
	}
	role := byte(0x01)
	if first {
		role = 0x00
	}
	frame := []byte{
		byte(port), 0x01, role, code,
		0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x10,
	}
	log.Tracef("attach frame port=%d kind=%s: %s", port, kind, hex.EncodeToString(frame))
	return frame, nil
}

// SensorFrame builds one sensor value frame for a hub port. The arity is
// fixed by kind: motor and distance carry one value byte, tilt two. Values
// clamp to the unsigned byte range.
func SensorFrame(port int, kind DeviceKind, values ...int) ([]byte, error) {
	var want int
	switch kind {
	case KindMotor, KindDistance:
		want = 1
	case KindTilt:
		want = 2
	case KindDisplay, KindAccelerometer, KindButton:
		return nil, fmt.Errorf("%s does not stream hub sensor frames", kind)
	default:
		return nil, fmt.Errorf("unhandled device kind %s", kind)
	}
	if len(values) != want {
		return nil, fmt.Errorf("%s sensor frame takes %d values, got %d", kind, want, len(values))
	}

	frame := make([]byte, 0, 2+len(values))
	frame = append(frame, 0x05, byte(port))
	for _, v := range values {
		frame = append(frame, ClampByte(v))
	}
	return frame, nil
}

// ClampByte clamps v to 0..255.
func ClampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// AccelerometerFrame encodes x, y and z milli-g readings as three int16
// little-endian values. Out-of-range input is rejected, not clamped.
func AccelerometerFrame(x, y, z int) ([]byte, error) {
	frame := make([]byte, 0, 6)
	for _, v := range [3]int{x, y, z} {
		if v < math.MinInt16 || v > math.MaxInt16 {
			return nil, fmt.Errorf("accelerometer value %d outside int16 range", v)
		}
		frame = binary.LittleEndian.AppendUint16(frame, uint16(int16(v)))
	}
	return frame, nil
}

// ButtonFrame encodes a button state byte.
func ButtonFrame(pressed bool) []byte {
	if pressed {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// PinEventOpcode marks an edge-connector pin event frame.
const PinEventOpcode = 0xA5

// PinEventFrame encodes a pin connect or disconnect event.
func PinEventFrame(pin int, connected bool) []byte {
	flag := byte(0x00)
	if connected {
		flag = 0x01
	}
	return []byte{PinEventOpcode, byte(pin), flag}
}

// HeartbeatFrame derives the 8-byte liveness payload for tick t.
func HeartbeatFrame(t int) []byte {
	frame := make([]byte, 8)
	for i := range frame {
		frame[i] = byte(t + i*11)
	}
	return frame
}

// MotorCommand is a decoded motor control write.
type MotorCommand struct {
	Port      int
	Power     int // magnitude, 0..127
	Direction int // +1 forward, -1 backward
}

// DecodeMotorCommand decodes a motor control write. Byte 0 selects the
// port; the final byte is the two's-complement signed power. Payloads
// under 3 bytes are incomplete.
func DecodeMotorCommand(data []byte) (*MotorCommand, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("motor command too short: %d bytes", len(data))
	}

	power := int(data[len(data)-1])
	direction := 1
	if power >= 128 {
		power = 256 - power
		direction = -1
	}
	if power > 127 {
		power = 127
	}

	return &MotorCommand{Port: int(data[0]), Power: power, Direction: direction}, nil
}

// Display command opcodes.
const (
	OpSetPixel      = 0x80
	OpDisplayText   = 0x81
	OpDisplayMatrix = 0x82
)

// DisplayCommand is a display write split into opcode and arguments.
type DisplayCommand struct {
	Op   byte
	Args []byte
}

// ParseDisplayCommand splits a display write into opcode and arguments.
func ParseDisplayCommand(data []byte) (*DisplayCommand, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty display command")
	}
	return &DisplayCommand{Op: data[0], Args: data[1:]}, nil
}

// MatrixRows normalizes display matrix arguments to exactly five row
// bytes, truncating extras and padding short writes with dark rows. Bits
// 4 through 0 of each row byte map to columns left to right.
func MatrixRows(args []byte) [5]byte {
	var rows [5]byte
	copy(rows[:], args)
	return rows
}
