package codec

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"duplex-rpc/message"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

func sampleMessages() []*message.RPCMessage {
	return []*message.RPCMessage{
		{Id: 1, Kind: message.KindInvokeMethod, OperationName: "Calculate", SerializedParams: [][]byte{[]byte("10"), []byte("20")}},
		{Id: 2, Kind: message.KindInvokeMethod, OperationName: "Ping"},
		{Id: 3, Kind: message.KindSubscribeEvent, OperationName: "Tick"},
		{Id: 4, Kind: message.KindUnsubscribeEvent, OperationName: "Tick"},
		{Id: 0, Kind: message.KindRaiseEvent, OperationName: "Tick", SerializedParams: [][]byte{[]byte(`{"count":5}`)}},
		{Id: 5, Kind: message.KindResponse, SerializedReturn: []byte("30")},
		{Id: 6, Kind: message.KindResponse, ErrorType: "*errors.errorString", ErrorMessage: "boom", ErrorDetails: "stack"},
	}
}

func TestCodecs(t *testing.T) {
	for _, cdc := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		for _, original := range sampleMessages() {
			data, err := cdc.Encode(original)
			if err != nil {
				t.Fatalf("%v Encode failed: %v", cdc.Type(), err)
			}

			var decoded message.RPCMessage
			if err := cdc.Decode(data, &decoded); err != nil {
				t.Fatalf("%v Decode failed: %v", cdc.Type(), err)
			}

			if decoded.Id != original.Id || decoded.Kind != original.Kind {
				t.Errorf("%v: header mismatch: got %d/%v, want %d/%v", cdc.Type(), decoded.Id, decoded.Kind, original.Id, original.Kind)
			}
			if decoded.OperationName != original.OperationName {
				t.Errorf("%v: OperationName mismatch: got %s, want %s", cdc.Type(), decoded.OperationName, original.OperationName)
			}
			if len(decoded.SerializedParams) != len(original.SerializedParams) {
				t.Fatalf("%v: params count mismatch: got %d, want %d", cdc.Type(), len(decoded.SerializedParams), len(original.SerializedParams))
			}
			for i := range original.SerializedParams {
				if !bytes.Equal(decoded.SerializedParams[i], original.SerializedParams[i]) {
					t.Errorf("%v: param %d mismatch", cdc.Type(), i)
				}
			}
			if !bytes.Equal(decoded.SerializedReturn, original.SerializedReturn) {
				t.Errorf("%v: return mismatch: got %q, want %q", cdc.Type(), decoded.SerializedReturn, original.SerializedReturn)
			}
			if decoded.ErrorType != original.ErrorType || decoded.ErrorMessage != original.ErrorMessage || decoded.ErrorDetails != original.ErrorDetails {
				t.Errorf("%v: error fields mismatch: got %+v", cdc.Type(), decoded)
			}
		}
	}
}

func TestBinaryCodecLayout(t *testing.T) {
	data, err := (&BinaryCodec{}).Encode(&message.RPCMessage{Id: 258, Kind: message.KindSubscribeEvent, OperationName: "Tick"})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x02, 0x01, 0x00, 0x00, // Id, little-endian
		20,                     // Kind
		4, 0, 0, 0, 'T', 'i', 'c', 'k',
	}
	if !bytes.Equal(data, want) {
		t.Fatalf("layout mismatch:\n got %v\nwant %v", data, want)
	}
}

func TestBinaryCodecNilVersusEmptyPayload(t *testing.T) {
	cdc := &BinaryCodec{}
	in := &message.RPCMessage{Id: 1, Kind: message.KindInvokeMethod, OperationName: "M", SerializedParams: [][]byte{nil, {}}}

	data, err := cdc.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	var out message.RPCMessage
	if err := cdc.Decode(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.SerializedParams[0] != nil {
		t.Errorf("absent payload should decode as nil, got %v", out.SerializedParams[0])
	}
	if out.SerializedParams[1] == nil {
		t.Error("empty payload should decode as non-nil")
	}
}

func TestBinaryCodecMalformed(t *testing.T) {
	cdc := &BinaryCodec{}
	good, _ := cdc.Encode(sampleMessages()[0])

	for _, data := range [][]byte{
		nil,
		good[:3],
		good[:len(good)-1],
		append(append([]byte{}, good...), 0xFF),
		{1, 0, 0, 0, 99},
	} {
		var out message.RPCMessage
		err := cdc.Decode(data, &out)
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("decode %v: expect ErrMalformed, got %v", data, err)
		}
	}
}

type point struct {
	X, Y int
}

func TestJSONSerializerUsesDeclaredType(t *testing.T) {
	s := JSONSerializer{}

	// untyped constant int passed for an int32 parameter
	data, err := s.Marshal(10, reflect.TypeOf(int32(0)))
	if err != nil {
		t.Fatal(err)
	}
	v, err := s.Unmarshal(data, reflect.TypeOf(int32(0)))
	if err != nil {
		t.Fatal(err)
	}
	if v.(int32) != 10 {
		t.Fatalf("expect 10, got %v", v)
	}

	// nil pointer keeps its declared type on the way back
	ptrType := reflect.TypeOf((*point)(nil))
	data, err = s.Marshal(nil, ptrType)
	if err != nil {
		t.Fatal(err)
	}
	v, err = s.Unmarshal(data, ptrType)
	if err != nil {
		t.Fatal(err)
	}
	if p, ok := v.(*point); !ok || p != nil {
		t.Fatalf("expect typed nil *point, got %#v", v)
	}

	if _, err := s.Marshal("text", reflect.TypeOf(0)); err == nil {
		t.Fatal("expect type mismatch error")
	}
}

func TestSerializerRejectsLossyConversion(t *testing.T) {
	int32Type := reflect.TypeOf(int32(0))
	for _, s := range []Serializer{JSONSerializer{}, AutoSerializer{}} {
		for _, v := range []any{10.7, float32(2), 1 << 40, -1} {
			target := int32Type
			if v == -1 {
				target = reflect.TypeOf(uint8(0))
			}
			if _, err := s.Marshal(v, target); err == nil {
				t.Fatalf("%s: expect error converting %T(%v) to %s", s.Name(), v, v, target)
			}
		}

		// widening stays allowed
		data, err := s.Marshal(int8(-5), reflect.TypeOf(int64(0)))
		if err != nil {
			t.Fatalf("%s: %v", s.Name(), err)
		}
		back, err := s.Unmarshal(data, reflect.TypeOf(int64(0)))
		if err != nil || back.(int64) != -5 {
			t.Fatalf("%s: expect -5, got %v (%v)", s.Name(), back, err)
		}
		data, err = s.Marshal(3, reflect.TypeOf(float64(0)))
		if err != nil {
			t.Fatalf("%s: %v", s.Name(), err)
		}
		back, err = s.Unmarshal(data, reflect.TypeOf(float64(0)))
		if err != nil || back.(float64) != 3 {
			t.Fatalf("%s: expect 3, got %v (%v)", s.Name(), back, err)
		}
	}
}

func TestProtobufSerializer(t *testing.T) {
	s := ProtobufSerializer{}
	typ := reflect.TypeOf((*wrapperspb.Int32Value)(nil))

	data, err := s.Marshal(wrapperspb.Int32(30), typ)
	if err != nil {
		t.Fatal(err)
	}
	v, err := s.Unmarshal(data, typ)
	if err != nil {
		t.Fatal(err)
	}
	if v.(*wrapperspb.Int32Value).GetValue() != 30 {
		t.Fatalf("expect 30, got %v", v)
	}

	data, err = s.Marshal(nil, typ)
	if err != nil || data != nil {
		t.Fatalf("nil message should marshal to absent payload, got %v, %v", data, err)
	}
	v, _ = s.Unmarshal(nil, typ)
	if v.(*wrapperspb.Int32Value) != nil {
		t.Fatal("absent payload should unmarshal to typed nil")
	}

	if _, err := s.Marshal(1, reflect.TypeOf(0)); err == nil {
		t.Fatal("non-proto declared type should be rejected")
	}
}

func TestAutoSerializer(t *testing.T) {
	s := AutoSerializer{}
	if _, ok := s.pick(reflect.TypeOf((*wrapperspb.StringValue)(nil))).(ProtobufSerializer); !ok {
		t.Error("proto message type should use protobuf")
	}
	if _, ok := s.pick(reflect.TypeOf(point{})).(JSONSerializer); !ok {
		t.Error("plain struct should use JSON")
	}
}
