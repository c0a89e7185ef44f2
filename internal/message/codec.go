package message

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ParseError reports a malformed envelope. It never closes the channel.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed envelope: %s: %v", e.Reason, e.Err)
	}
	return "malformed envelope: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsParseError reports whether err is, or wraps, a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// MarshalText encodes e as a JSON text frame.
func MarshalText(e *Envelope) ([]byte, error) {
	st, err := e.Struct()
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(st)
}

// UnmarshalText decodes a JSON text frame.
func UnmarshalText(b []byte) (*Envelope, error) {
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, &ParseError{Reason: "invalid json", Err: err}
	}
	return FromStruct(st)
}

// MarshalBinary encodes e as a protobuf Struct.
func MarshalBinary(e *Envelope) ([]byte, error) {
	st, err := e.Struct()
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// UnmarshalBinary decodes a protobuf Struct.
func UnmarshalBinary(b []byte) (*Envelope, error) {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(b, st); err != nil {
		return nil, &ParseError{Reason: "invalid protobuf", Err: err}
	}
	return FromStruct(st)
}

// Struct converts e into its generic protobuf form.
func (e *Envelope) Struct() (*structpb.Struct, error) {
	m := map[string]interface{}{FieldType: e.Type}
	putString(m, FieldSubType, e.SubType)
	if e.SeqNum != 0 || (e.Urgent() && e.SubType == SubAck) {
		m[FieldSeqNum] = e.SeqNum
	}
	putString(m, FieldPortMapID, e.PortMapID)
	if e.Urgent() && (e.SubType == SubTunnel || e.SubType == SubNoRoute) {
		m[FieldConnTS] = e.ConnTS
	}
	if e.Urgent() && e.SubType == SubTunnel {
		m[FieldIsSvcSide] = e.IsSvcSide
	}
	putString(m, FieldCtrlMsg, e.CtrlMsg)
	putString(m, FieldData, e.Data)
	putString(m, FieldPort, e.Port)
	putString(m, FieldMappedPort, e.MappedPort)
	putString(m, FieldSvcPort, e.SvcPort)
	putString(m, FieldRemoteDevID, e.RemoteDevID)
	putString(m, FieldMsg, e.Msg)
	putString(m, FieldDevID, e.DevID)
	putString(m, FieldToken, e.Token)
	if e.GuestPortMappings != nil {
		m[FieldGuestPortMappings] = mappingList(e.GuestPortMappings)
	}
	if e.HostPortMappings != nil {
		m[FieldHostPortMappings] = mappingList(e.HostPortMappings)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e, err)
	}
	return st, nil
}

// FromStruct validates and converts a generic protobuf struct. Scalars
// are accepted either as their native JSON kind or as strings, since
// peers differ in how they encode numbers and booleans.
func FromStruct(st *structpb.Struct) (*Envelope, error) {
	f := st.GetFields()
	e := &Envelope{}
	var err error
	if e.Type, err = stringField(f, FieldType); err != nil {
		return nil, err
	}
	if e.Type == "" {
		return nil, &ParseError{Reason: "missing type"}
	}
	if e.SubType, err = stringField(f, FieldSubType); err != nil {
		return nil, err
	}
	if e.Urgent() && e.SubType == "" {
		return nil, &ParseError{Reason: "urgent message without subType"}
	}
	seq, ok, err := intField(f, FieldSeqNum)
	if err != nil {
		return nil, err
	}
	if !ok && !e.Urgent() && e.Type != TypeHello {
		return nil, &ParseError{Reason: "reliable message without seqNum"}
	}
	e.SeqNum = seq
	if e.ConnTS, _, err = intField(f, FieldConnTS); err != nil {
		return nil, err
	}
	if e.IsSvcSide, err = boolField(f, FieldIsSvcSide); err != nil {
		return nil, err
	}
	for name, dst := range map[string]*string{
		FieldPortMapID:   &e.PortMapID,
		FieldCtrlMsg:     &e.CtrlMsg,
		FieldData:        &e.Data,
		FieldPort:        &e.Port,
		FieldMappedPort:  &e.MappedPort,
		FieldSvcPort:     &e.SvcPort,
		FieldRemoteDevID: &e.RemoteDevID,
		FieldMsg:         &e.Msg,
		FieldDevID:       &e.DevID,
		FieldToken:       &e.Token,
	} {
		if *dst, err = stringField(f, name); err != nil {
			return nil, err
		}
	}
	if e.GuestPortMappings, err = mappingsField(f, FieldGuestPortMappings); err != nil {
		return nil, err
	}
	if e.HostPortMappings, err = mappingsField(f, FieldHostPortMappings); err != nil {
		return nil, err
	}
	return e, nil
}

func putString(m map[string]interface{}, key, v string) {
	if v != "" {
		m[key] = v
	}
}

func mappingList(ms []Mapping) []interface{} {
	out := make([]interface{}, 0, len(ms))
	for _, pm := range ms {
		entry := map[string]interface{}{
			FieldPortMapID: pm.PortMapID,
			FieldDisabled:  pm.Disabled,
		}
		if pm.Port != "" {
			entry[FieldPort] = pm.Port
		}
		out = append(out, entry)
	}
	return out
}

func stringField(f map[string]*structpb.Value, name string) (string, error) {
	v, ok := f[name]
	if !ok {
		return "", nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue, nil
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(k.NumberValue, 'f', -1, 64), nil
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(k.BoolValue), nil
	case *structpb.Value_NullValue:
		return "", nil
	default:
		return "", &ParseError{Reason: name + ": not a scalar"}
	}
}

func intField(f map[string]*structpb.Value, name string) (int64, bool, error) {
	v, ok := f[name]
	if !ok {
		return 0, false, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false, &ParseError{Reason: name + ": not an integer"}
		}
		return int64(n), true, nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(k.StringValue, 10, 64)
		if err != nil {
			return 0, false, &ParseError{Reason: name, Err: err}
		}
		return n, true, nil
	case *structpb.Value_NullValue:
		return 0, false, nil
	default:
		return 0, false, &ParseError{Reason: name + ": not an integer"}
	}
}

func boolField(f map[string]*structpb.Value, name string) (bool, error) {
	v, ok := f[name]
	if !ok {
		return false, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return k.BoolValue, nil
	case *structpb.Value_StringValue:
		b, err := strconv.ParseBool(k.StringValue)
		if err != nil {
			return false, &ParseError{Reason: name, Err: err}
		}
		return b, nil
	case *structpb.Value_NullValue:
		return false, nil
	default:
		return false, &ParseError{Reason: name + ": not a boolean"}
	}
}

func mappingsField(f map[string]*structpb.Value, name string) ([]Mapping, error) {
	v, ok := f[name]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, &ParseError{Reason: name + ": not a list"}
	}
	out := make([]Mapping, 0, len(list.GetValues()))
	for i, item := range list.GetValues() {
		obj := item.GetStructValue()
		if obj == nil {
			return nil, &ParseError{Reason: fmt.Sprintf("%s[%d]: not an object", name, i)}
		}
		ef := obj.GetFields()
		var pm Mapping
		var err error
		if pm.PortMapID, err = stringField(ef, FieldPortMapID); err != nil {
			return nil, err
		}
		if pm.PortMapID == "" {
			return nil, &ParseError{Reason: fmt.Sprintf("%s[%d]: missing portMapId", name, i)}
		}
		if pm.Port, err = stringField(ef, FieldPort); err != nil {
			return nil, err
		}
		if pm.Disabled, err = boolField(ef, FieldDisabled); err != nil {
			return nil, err
		}
		out = append(out, pm)
	}
	return out, nil
}
