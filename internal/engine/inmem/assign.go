package inmem

import (
	"errors"
	"reflect"
)

// assignReflect copies v into the value out points to. It exists because
// this in-memory engine passes activity/workflow results and signal
// payloads as `any` through channels, mirroring how the Temporal SDK
// decodes payloads into a caller-supplied out pointer.
func assignReflect(out, v any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.New("inmem: out must be a non-nil pointer")
	}
	if v == nil {
		return nil
	}
	val := reflect.ValueOf(v)
	elem := rv.Elem()
	if !val.Type().AssignableTo(elem.Type()) {
		return errors.New("inmem: result type not assignable to out")
	}
	elem.Set(val)
	return nil
}
