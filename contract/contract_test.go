package contract

import (
	"errors"
	"reflect"
	"testing"
)

type tickArgs struct{ Count int }

func TestContractLookup(t *testing.T) {
	c := New("Calculator").
		Method("Calculate", TypeOf[int32](), TypeOf[int32](), TypeOf[int32]()).
		Method("Reset", Void).
		Event("Tick", TypeOf[tickArgs]()).
		Event("Ping", nil)

	m, err := c.LookupMethod("Calculate")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.ParamTypes) != 2 || m.ReturnType != reflect.TypeOf(int32(0)) || m.IsVoid() {
		t.Fatalf("unexpected descriptor %+v", m)
	}
	if r, _ := c.LookupMethod("Reset"); !r.IsVoid() || len(r.ParamTypes) != 0 {
		t.Fatalf("Reset should be a void method without params, got %+v", r)
	}

	if e, _ := c.LookupEvent("Tick"); e.PayloadKind != TypedPayload || e.PayloadType != reflect.TypeOf(tickArgs{}) {
		t.Fatalf("unexpected Tick descriptor %+v", e)
	}
	if e, _ := c.LookupEvent("Ping"); e.PayloadKind != NoPayload {
		t.Fatalf("Ping should carry no payload, got %v", e.PayloadKind)
	}

	_, err = c.LookupMethod("Divide")
	if !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expect ErrUnknownOperation, got %v", err)
	}
	var uo *UnknownOperationError
	if !errors.As(err, &uo) || uo.Name != "Divide" || uo.Kind != "method" {
		t.Fatalf("unexpected error %v", err)
	}
	if _, err := c.LookupEvent("Tock"); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expect ErrUnknownOperation, got %v", err)
	}

	if got := c.Methods(); !reflect.DeepEqual(got, []string{"Calculate", "Reset"}) {
		t.Fatalf("unexpected methods %v", got)
	}
	if got := c.Events(); !reflect.DeepEqual(got, []string{"Ping", "Tick"}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestTypeOfInterface(t *testing.T) {
	if TypeOf[error]().Kind() != reflect.Interface {
		t.Fatal("TypeOf must keep interface types")
	}
	if TypeOf[*tickArgs]().Kind() != reflect.Ptr {
		t.Fatal("TypeOf must keep pointer types")
	}
}

func TestDuplicateDeclarationPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expect panic on duplicate method")
		}
	}()
	New("x").Method("A", Void).Method("A", Void)
}
