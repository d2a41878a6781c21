package tensor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct encodes m as a google.protobuf.Struct:
//
//	{tensors: [{name, dtype, shape: [..], data: base64}]}
//
// This is the payload exchanged with runner binaries and engine servers.
func ToStruct(m *Map) (*structpb.Struct, error) {
	list := make([]any, 0, m.Len())
	for _, name := range m.Names() {
		t, _ := m.Get(name)
		shape := make([]any, len(t.shape))
		for i, d := range t.shape {
			shape[i] = d
		}
		list = append(list, map[string]any{
			"name":  name,
			"dtype": string(t.dtype),
			"shape": shape,
			"data":  base64.StdEncoding.EncodeToString(t.data),
		})
	}
	return structpb.NewStruct(map[string]any{"tensors": list})
}

// FromStruct decodes a payload produced by ToStruct.
func FromStruct(s *structpb.Struct) (*Map, error) {
	m := NewMap()
	field, ok := s.GetFields()["tensors"]
	if !ok {
		return nil, fmt.Errorf("payload has no tensors field")
	}
	for i, v := range field.GetListValue().GetValues() {
		fields := v.GetStructValue().GetFields()
		name := fields["name"].GetStringValue()
		if name == "" {
			return nil, fmt.Errorf("tensor %d has no name", i)
		}
		dtype, err := ParseDType(fields["dtype"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		var shape Shape
		for _, d := range fields["shape"].GetListValue().GetValues() {
			shape = append(shape, int64(d.GetNumberValue()))
		}
		data, err := base64.StdEncoding.DecodeString(fields["data"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("tensor %q: decode data: %w", name, err)
		}
		t, err := New(dtype, shape, data)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		m.Set(name, t)
	}
	return m, nil
}

// Marshal encodes m in protobuf binary form.
func Marshal(m *Map) ([]byte, error) {
	s, err := ToStruct(m)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// Unmarshal decodes the protobuf binary form written by Marshal.
func Unmarshal(data []byte) (*Map, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal tensor payload: %w", err)
	}
	return FromStruct(&s)
}

// MarshalJSON describes the tensor by dtype and shape. The data is left out;
// use Marshal for the full wire form.
func (t *Tensor) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		DType DType `json:"dtype"`
		Shape Shape `json:"shape"`
	}{t.dtype, t.shape})
}
