package script

import (
	"github.com/dop251/goja"
	"github.com/pkg/errors"
)

func isString(v goja.Value) bool {
	if v == nil {
		return false
	}
	_, ok := v.Export().(string)
	return ok
}

// toBytes copies a JS value into a fresh payload. Strings are sent as UTF-8,
// ArrayBuffers and Uint8Arrays byte for byte.
func toBytes(v goja.Value) ([]byte, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	switch x := v.Export().(type) {
	case string:
		return []byte(x), nil
	case goja.ArrayBuffer:
		return append([]byte(nil), x.Bytes()...), nil
	case []byte:
		return append([]byte(nil), x...), nil
	default:
		return nil, errors.Errorf("cannot send %s, use a string or an ArrayBuffer", v.ExportType())
	}
}
