package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Version is the JSON-RPC version Scratch Link speaks.
const Version = "2.0"

// Session methods defined by the Scratch Link BLE protocol.
const (
	MethodDiscover           = "discover"
	MethodConnect            = "connect"
	MethodStartNotifications = "startNotifications"
	MethodStopNotifications  = "stopNotifications"
	MethodWrite              = "write"
	MethodRead               = "read"

	MethodDidDiscoverPeripheral   = "didDiscoverPeripheral"
	MethodCharacteristicDidChange = "characteristicDidChange"
)

// EncodingBase64 is the only params.encoding value the protocol carries.
const EncodingBase64 = "base64"

// ID is a JSON-RPC request id. Scratch clients send both numbers and
// strings; the raw token is kept so the result echoes it byte for byte.
type ID struct {
	raw json.RawMessage
}

// UnmarshalJSON stores the raw id token.
func (id *ID) UnmarshalJSON(data []byte) error {
	id.raw = append(id.raw[:0], data...)
	return nil
}

// MarshalJSON writes the id exactly as received.
func (id ID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// IsNull reports whether the id was absent or JSON null. Requests without
// an id never receive a result.
func (id ID) IsNull() bool {
	return len(id.raw) == 0 || bytes.Equal(id.raw, []byte("null"))
}

func (id ID) String() string {
	if len(id.raw) == 0 {
		return "null"
	}
	return string(id.raw)
}

// UUID identifies a GATT service or characteristic. Scratch Link sends
// 128-bit UUIDs as strings and 16-bit aliases as JSON numbers (the
// micro:bit service id is 61445); both forms survive a round trip.
type UUID struct {
	str   string
	num   uint32
	isNum bool
}

// NewUUID wraps a UUID string.
func NewUUID(s string) UUID {
	return UUID{str: s}
}

// NewNumericUUID wraps a 16-bit UUID alias sent as a JSON number.
func NewNumericUUID(n uint32) UUID {
	return UUID{num: n, isNum: true}
}

// UnmarshalJSON accepts either a string or a number token.
func (u *UUID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = NewUUID(s)
		return nil
	}
	var n uint32
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("uuid is neither string nor number: %s", data)
	}
	*u = NewNumericUUID(n)
	return nil
}

// MarshalJSON writes the id in the form it was created with.
func (u UUID) MarshalJSON() ([]byte, error) {
	if u.isNum {
		return []byte(strconv.FormatUint(uint64(u.num), 10)), nil
	}
	return json.Marshal(u.str)
}

// Norm returns the canonical comparison form: decimal digits for numeric
// aliases, lowercase for string UUIDs.
func (u UUID) Norm() string {
	if u.isNum {
		return strconv.FormatUint(uint64(u.num), 10)
	}
	return strings.ToLower(u.str)
}

// Equal reports whether two ids name the same attribute. String UUIDs
// compare case-insensitively per the Bluetooth spec.
func (u UUID) Equal(other UUID) bool {
	return u.Norm() == other.Norm()
}

// IsZero reports whether the id was absent from the request.
func (u UUID) IsZero() bool {
	return !u.isNum && u.str == ""
}

func (u UUID) String() string {
	return u.Norm()
}

// Request is one incoming JSON-RPC document.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      ID     `json:"id"`
	Method  string `json:"method"`
	Params  Params `json:"params"`
}

// Params carries the union of parameter fields the session methods use.
// Absent fields stay zero.
type Params struct {
	ServiceID          UUID   `json:"serviceId"`
	CharacteristicID   UUID   `json:"characteristicId"`
	Message            string `json:"message"`
	Encoding           string `json:"encoding"`
	StartNotifications bool   `json:"startNotifications"`
}

// ParseRequest parses one JSON-RPC document from the wire.
func ParseRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("malformed JSON-RPC document: %w", err)
	}
	return &req, nil
}

// DecodeMessage decodes the base64 params.message field. Extensions under
// development send empty and malformed payloads; both decode to empty
// bytes instead of failing the request.
func DecodeMessage(p Params) []byte {
	if p.Message == "" {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(p.Message)
	if err != nil {
		log.Warnf("undecodable base64 message %q: %v", p.Message, err)
		return nil
	}
	return data
}

// Response is one outgoing result document. Scratch Link acks every
// request with an empty result object.
type Response struct {
	JSONRPC string   `json:"jsonrpc"`
	ID      ID       `json:"id"`
	Result  struct{} `json:"result"`
}

// Notification is one outgoing push document. It carries no id.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// ChangeParams is the params body of a characteristicDidChange push.
type ChangeParams struct {
	ServiceID        UUID   `json:"serviceId"`
	CharacteristicID UUID   `json:"characteristicId"`
	Encoding         string `json:"encoding"`
	Message          string `json:"message"`
}

// DiscoverParams is the params body of a didDiscoverPeripheral push.
type DiscoverParams struct {
	Name         string `json:"name"`
	PeripheralID string `json:"peripheralId"`
	RSSI         int    `json:"rssi"`
}

// NewResult builds the ack document for a request id.
func NewResult(id ID) ([]byte, error) {
	return json.Marshal(Response{JSONRPC: Version, ID: id})
}

// NewCharacteristicDidChange builds the push document delivering payload
// on the given characteristic. The payload travels base64-encoded.
func NewCharacteristicDidChange(service, characteristic UUID, payload []byte) ([]byte, error) {
	return json.Marshal(Notification{
		JSONRPC: Version,
		Method:  MethodCharacteristicDidChange,
		Params: ChangeParams{
			ServiceID:        service,
			CharacteristicID: characteristic,
			Encoding:         EncodingBase64,
			Message:          base64.StdEncoding.EncodeToString(payload),
		},
	})
}

// NewDidDiscoverPeripheral builds the discovery push for one peripheral.
func NewDidDiscoverPeripheral(name, peripheralID string, rssi int) ([]byte, error) {
	return json.Marshal(Notification{
		JSONRPC: Version,
		Method:  MethodDidDiscoverPeripheral,
		Params:  DiscoverParams{Name: name, PeripheralID: peripheralID, RSSI: rssi},
	})
}
