// Package nilcheck detects nil values hidden behind non-nil interfaces.
//
// Every With* option in the module checks its argument here, so a typed nil
// store, logger, tracer or meter provider leaves the component default in
// place instead of panicking on first use.
package nilcheck

import "reflect"

// Interface reports whether value is nil, including a typed nil stored in an
// interface such as a (*zap.Logger)(nil) passed as log.Logger.
func Interface(value any) bool {
	if value == nil {
		return true
	}

	v := reflect.ValueOf(value)

	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}
