// Package contract describes a remote service: the methods it offers and the events it raises,
// with the static types used to (de)serialize their values.
//
// A Contract is declared once and shared by the client and the service:
//
//	var Calculator = contract.New("Calculator").
//		Method("Calculate", contract.TypeOf[int32](), contract.TypeOf[int32](), contract.TypeOf[int32]()).
//		Event("Tick", contract.TypeOf[TickArgs]())
//
// Method takes the parameter types followed by the return type; use contract.Void for methods
// without a result.
package contract

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
)

// ErrUnknownOperation is matched by every UnknownOperationError.
var ErrUnknownOperation = errors.New("contract: unknown operation")

// UnknownOperationError names a method or event the contract does not declare.
type UnknownOperationError struct {
	Kind string // "method" or "event"
	Name string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("contract: unknown %s %q", e.Kind, e.Name)
}

func (e *UnknownOperationError) Is(target error) bool { return target == ErrUnknownOperation }

// Void marks a method without a return value.
var Void reflect.Type = nil

// TypeOf returns the reflect.Type of T, including interface and pointer types.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// MethodDesc describes one remote method.
type MethodDesc struct {
	Name       string
	ParamTypes []reflect.Type
	ReturnType reflect.Type // nil for void methods
}

// IsVoid reports whether the method returns nothing.
func (m *MethodDesc) IsVoid() bool { return m.ReturnType == nil }

// PayloadKind distinguishes events that carry data from pure notifications.
type PayloadKind int

const (
	NoPayload PayloadKind = iota
	TypedPayload
)

func (k PayloadKind) String() string {
	if k == NoPayload {
		return "none"
	}
	return "typed"
}

// EventDesc describes one event.
type EventDesc struct {
	Name        string
	PayloadKind PayloadKind
	PayloadType reflect.Type // set only for TypedPayload
}

// Contract is the immutable description of a service once built. Building is not
// goroutine-safe; lookups are.
type Contract struct {
	name    string
	methods map[string]*MethodDesc
	events  map[string]*EventDesc
}

func New(name string) *Contract {
	return &Contract{
		name:    name,
		methods: make(map[string]*MethodDesc),
		events:  make(map[string]*EventDesc),
	}
}

func (c *Contract) Name() string { return c.name }

// Method declares a method. types holds the parameter types followed by the return type
// (Void for none), so at least one element is required. Declaring a name twice panics.
func (c *Contract) Method(name string, types ...reflect.Type) *Contract {
	if len(types) == 0 {
		panic(fmt.Sprintf("contract: method %s needs a return type (use contract.Void)", name))
	}
	if _, ok := c.methods[name]; ok {
		panic(fmt.Sprintf("contract: method %s declared twice", name))
	}
	params := append([]reflect.Type(nil), types[:len(types)-1]...)
	for i, p := range params {
		if p == nil {
			panic(fmt.Sprintf("contract: method %s parameter %d has no type", name, i))
		}
	}
	c.methods[name] = &MethodDesc{Name: name, ParamTypes: params, ReturnType: types[len(types)-1]}
	return c
}

// Event declares an event with a payload of type payload, or a notification without payload
// when payload is nil. Declaring a name twice panics.
func (c *Contract) Event(name string, payload reflect.Type) *Contract {
	if _, ok := c.events[name]; ok {
		panic(fmt.Sprintf("contract: event %s declared twice", name))
	}
	d := &EventDesc{Name: name, PayloadKind: NoPayload}
	if payload != nil {
		d.PayloadKind, d.PayloadType = TypedPayload, payload
	}
	c.events[name] = d
	return c
}

// LookupMethod returns the descriptor of name or an *UnknownOperationError.
func (c *Contract) LookupMethod(name string) (*MethodDesc, error) {
	if m, ok := c.methods[name]; ok {
		return m, nil
	}
	return nil, &UnknownOperationError{Kind: "method", Name: name}
}

// LookupEvent returns the descriptor of name or an *UnknownOperationError.
func (c *Contract) LookupEvent(name string) (*EventDesc, error) {
	if e, ok := c.events[name]; ok {
		return e, nil
	}
	return nil, &UnknownOperationError{Kind: "event", Name: name}
}

// Methods returns the declared method names, sorted.
func (c *Contract) Methods() []string {
	names := make([]string, 0, len(c.methods))
	for n := range c.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Events returns the declared event names, sorted.
func (c *Contract) Events() []string {
	names := make([]string, 0, len(c.events))
	for n := range c.events {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
