// Package message defines the control-channel envelope exchanged between
// the agent and the relay, and its protobuf-based encodings.
package message

import (
	"encoding/hex"
	"fmt"
)

// Envelope types. URGENT messages carry a sub type and bypass ordering;
// every other type is reliable and carries a sequence number.
const (
	TypeUrgent = "URGENT"
	TypeHello  = "HELLO"

	TypeStartListening = "START_LISTENING"
	TypeOpenPort       = "OPEN_PORT"
	TypeClosePort      = "CLOSE_PORT"
	TypeStopListen     = "STOP_LISTEN"

	TypePortOpened       = "PORT_OPENED"
	TypePortClosed       = "PORT_CLOSED"
	TypeListeningStarted = "LISTENING_STARTED"
	TypeListeningStopped = "LISTENING_STOPPED"
)

// Urgent sub types.
const (
	SubTunnel         = "TUNNEL"
	SubAck            = "ACK"
	SubDeviceMappings = "DEVICE_MAPPINGS"
	SubNoRoute        = "NO_ROUTE"
)

// RemoteClose is the ctrlMsg value announcing that one side of a tunneled
// connection is gone.
const RemoteClose = "REMOTE_CLOSE"

// Wire field names.
const (
	FieldType              = "type"
	FieldSubType           = "subType"
	FieldSeqNum            = "seqNum"
	FieldPortMapID         = "portMapId"
	FieldConnTS            = "connTs"
	FieldIsSvcSide         = "isSvcSide"
	FieldCtrlMsg           = "ctrlMsg"
	FieldData              = "data"
	FieldPort              = "port"
	FieldMappedPort        = "mappedPort"
	FieldSvcPort           = "svcPort"
	FieldRemoteDevID       = "remoteDevId"
	FieldMsg               = "msg"
	FieldGuestPortMappings = "guestPortMappings"
	FieldHostPortMappings  = "hostPortMappings"
	FieldDisabled          = "disabled"
	FieldDevID             = "devId"
	FieldToken             = "token"
)

// Mapping is one entry of a DEVICE_MAPPINGS list. Port is empty when the
// relay leaves the choice of local port to the agent.
type Mapping struct {
	PortMapID string
	Port      string
	Disabled  bool
}

// Envelope is the logical control message. Only the fields relevant to a
// given type are set; empty fields are omitted on the wire.
type Envelope struct {
	Type    string
	SubType string
	SeqNum  int64

	PortMapID string
	ConnTS    int64
	IsSvcSide bool
	CtrlMsg   string
	Data      string

	Port       string
	MappedPort string
	SvcPort    string

	RemoteDevID string
	Msg         string

	GuestPortMappings []Mapping
	HostPortMappings  []Mapping

	DevID string
	Token string
}

// Urgent reports whether e travels on the unordered immediate path.
func (e *Envelope) Urgent() bool {
	return e.Type == TypeUrgent
}

// Kind returns the routing name of e: the sub type for urgent messages
// and the type otherwise.
func (e *Envelope) Kind() string {
	if e.Urgent() {
		return e.SubType
	}
	return e.Type
}

// Payload decodes the hex data field.
func (e *Envelope) Payload() ([]byte, error) {
	if e.Data == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(e.Data)
	if err != nil {
		return nil, fmt.Errorf("decode tunnel data: %w", err)
	}
	return b, nil
}

func (e *Envelope) String() string {
	if e.Urgent() {
		return fmt.Sprintf("%s/%s", e.Type, e.SubType)
	}
	return fmt.Sprintf("%s#%d", e.Type, e.SeqNum)
}

// NewAck acknowledges every reliable message up to and including seq.
func NewAck(seq int64) *Envelope {
	return &Envelope{Type: TypeUrgent, SubType: SubAck, SeqNum: seq}
}

// NewReply builds a reliable reply such as PORT_OPENED for portMapID.
// The messenger assigns its sequence number.
func NewReply(typ, portMapID string) *Envelope {
	return &Envelope{Type: typ, PortMapID: portMapID}
}

// NewListeningStarted reports the local port bound for an import mapping.
func NewListeningStarted(port int, portMapID string) *Envelope {
	return &Envelope{
		Type:       TypeListeningStarted,
		MappedPort: fmt.Sprint(port),
		PortMapID:  portMapID,
	}
}

// NewTunnel carries engine output for one session. Data is only set when
// payload is non-empty.
func NewTunnel(portMapID string, connTS int64, isSvcSide bool, payload []byte) *Envelope {
	e := &Envelope{
		Type:      TypeUrgent,
		SubType:   SubTunnel,
		PortMapID: portMapID,
		ConnTS:    connTS,
		IsSvcSide: isSvcSide,
	}
	if len(payload) > 0 {
		e.Data = hex.EncodeToString(payload)
	}
	return e
}

// NewRemoteClose tells the peer that the session is gone on this side.
func NewRemoteClose(portMapID string, connTS int64, isSvcSide bool) *Envelope {
	e := NewTunnel(portMapID, connTS, isSvcSide, nil)
	e.CtrlMsg = RemoteClose
	return e
}

// NewNoRoute is sent by the relay when the peer of a session is not
// reachable.
func NewNoRoute(portMapID string, connTS int64, remoteDevID, msg string) *Envelope {
	return &Envelope{
		Type:        TypeUrgent,
		SubType:     SubNoRoute,
		PortMapID:   portMapID,
		ConnTS:      connTS,
		RemoteDevID: remoteDevID,
		Msg:         msg,
	}
}

// NewHello opens a framed control stream.
func NewHello(devID, token string) *Envelope {
	return &Envelope{Type: TypeHello, DevID: devID, Token: token}
}
