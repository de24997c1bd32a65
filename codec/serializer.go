package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// Serializer encodes single values by their declared static type rather than by the runtime
// value's type. A nil argument therefore still serializes correctly: the type comes from the
// contract, not from the value.
type Serializer interface {
	Marshal(v any, t reflect.Type) ([]byte, error)
	Unmarshal(data []byte, t reflect.Type) (any, error)
	Name() string
}

// coerce converts v to t when the runtime type differs but is assignable or convertible,
// e.g. an untyped constant 10 (int) passed for an int32 parameter.
func coerce(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.Type() == t:
		return rv, nil
	case rv.Type().AssignableTo(t):
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out, nil
	case rv.Type().ConvertibleTo(t) && rv.Kind() != reflect.String && t.Kind() != reflect.String:
		if lossy(rv, t) {
			return reflect.Value{}, fmt.Errorf("codec: value %v of type %s does not fit declared type %s", v, rv.Type(), t)
		}
		return rv.Convert(t), nil
	default:
		return reflect.Value{}, fmt.Errorf("codec: value of type %s does not match declared type %s", rv.Type(), t)
	}
}

// lossy reports whether converting the numeric value rv to t would change it. Floats never
// become integers.
func lossy(rv reflect.Value, t reflect.Type) bool {
	target := reflect.Zero(t)
	switch {
	case isInt(rv.Kind()):
		n := rv.Int()
		switch {
		case isInt(t.Kind()):
			return target.OverflowInt(n)
		case isUint(t.Kind()):
			return n < 0 || target.OverflowUint(uint64(n))
		}
	case isUint(rv.Kind()):
		n := rv.Uint()
		switch {
		case isInt(t.Kind()):
			return n > math.MaxInt64 || target.OverflowInt(int64(n))
		case isUint(t.Kind()):
			return target.OverflowUint(n)
		}
	case isFloat(rv.Kind()):
		if isFloat(t.Kind()) {
			return target.OverflowFloat(rv.Float())
		}
		return isInt(t.Kind()) || isUint(t.Kind())
	}
	return false
}

func isInt(k reflect.Kind) bool { return k >= reflect.Int && k <= reflect.Int64 }

func isUint(k reflect.Kind) bool { return k >= reflect.Uint && k <= reflect.Uintptr }

func isFloat(k reflect.Kind) bool { return k == reflect.Float32 || k == reflect.Float64 }

// JSONSerializer serializes values with encoding/json.
type JSONSerializer struct{}

func (JSONSerializer) Marshal(v any, t reflect.Type) ([]byte, error) {
	rv, err := coerce(v, t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rv.Interface())
}

func (JSONSerializer) Unmarshal(data []byte, t reflect.Type) (any, error) {
	ptr := reflect.New(t)
	if len(data) > 0 {
		if err := json.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return ptr.Elem().Interface(), nil
}

func (JSONSerializer) Name() string { return "json" }

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// ProtobufSerializer serializes proto.Message values (declared as pointer types, e.g.
// *wrapperspb.Int32Value). A nil message is sent as an absent payload and comes back as a
// typed nil pointer.
type ProtobufSerializer struct{}

var errNotProto = errors.New("codec: declared type does not implement proto.Message")

func (ProtobufSerializer) Marshal(v any, t reflect.Type) ([]byte, error) {
	if !t.Implements(protoMessageType) || t.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("%w: %s", errNotProto, t)
	}
	if v == nil {
		return nil, nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Ptr && rv.IsNil() {
		return nil, nil
	}
	msg, ok := v.(proto.Message)
	if !ok || reflect.TypeOf(v) != t {
		return nil, fmt.Errorf("codec: value of type %T does not match declared type %s", v, t)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (ProtobufSerializer) Unmarshal(data []byte, t reflect.Type) (any, error) {
	if !t.Implements(protoMessageType) || t.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("%w: %s", errNotProto, t)
	}
	if data == nil {
		return reflect.Zero(t).Interface(), nil
	}
	msg := reflect.New(t.Elem()).Interface().(proto.Message)
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

func (ProtobufSerializer) Name() string { return "protobuf" }

// AutoSerializer uses protobuf for proto.Message types and JSON for everything else, so one
// contract can mix both.
type AutoSerializer struct{}

func (AutoSerializer) pick(t reflect.Type) Serializer {
	if t.Kind() == reflect.Ptr && t.Implements(protoMessageType) {
		return ProtobufSerializer{}
	}
	return JSONSerializer{}
}

func (s AutoSerializer) Marshal(v any, t reflect.Type) ([]byte, error) {
	return s.pick(t).Marshal(v, t)
}

func (s AutoSerializer) Unmarshal(data []byte, t reflect.Type) (any, error) {
	return s.pick(t).Unmarshal(data, t)
}

func (AutoSerializer) Name() string { return "auto" }

// GetSerializer maps a config name to a Serializer.
func GetSerializer(name string) (Serializer, error) {
	switch name {
	case "", "auto":
		return AutoSerializer{}, nil
	case "json":
		return JSONSerializer{}, nil
	case "protobuf":
		return ProtobufSerializer{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown serializer %q", name)
	}
}
