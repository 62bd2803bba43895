package procedure

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// normalizePayload reduces payload to plain JSON types, with numbers kept
// as json.Number so integers stay integers in Starlark.
func normalizePayload(payload map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON-serializable: %w", err)
	}
	out := map[string]interface{}{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

// toStarlarkValue maps JSON values onto Starlark. Dict keys are inserted in
// sorted order so scripts see a stable iteration order.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case string:
		return starlark.String(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float64:
		return starlark.Float(x), nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return starlark.MakeInt64(n), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", x, err)
		}
		return starlark.Float(f), nil
	case []interface{}:
		elems := make([]starlark.Value, 0, len(x))
		for _, item := range x {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]interface{}:
		d := starlark.NewDict(len(x))
		for _, k := range slices.Sorted(maps.Keys(x)) {
			sv, err := toStarlarkValue(x[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, fmt.Errorf("cannot pass %T to starlark", v)
}

// fromStarlarkValue maps a procedure's return value back to JSON values.
// Structs become objects.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Float:
		return float64(x), nil
	case starlark.Int:
		if n, ok := x.Int64(); ok {
			return n, nil
		}
		return nil, fmt.Errorf("integer %s overflows int64", x)
	case starlark.Tuple, *starlark.List:
		return fromIterable(x.(starlark.Iterable))
	case *starlark.Dict:
		obj := make(map[string]interface{}, x.Len())
		for _, kv := range x.Items() {
			k, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("dict keys must be strings, got %s", kv[0].Type())
			}
			val, err := fromStarlarkValue(kv[1])
			if err != nil {
				return nil, err
			}
			obj[k] = val
		}
		return obj, nil
	case *starlarkstruct.Struct:
		obj := map[string]interface{}{}
		for _, name := range x.AttrNames() {
			attr, err := x.Attr(name)
			if err != nil {
				continue
			}
			if obj[name], err = fromStarlarkValue(attr); err != nil {
				return nil, err
			}
		}
		return obj, nil
	}
	return nil, fmt.Errorf("cannot return starlark %s", v.Type())
}

func fromIterable(seq starlark.Iterable) ([]interface{}, error) {
	it := seq.Iterate()
	defer it.Done()

	out := []interface{}{}
	var item starlark.Value
	for it.Next(&item) {
		val, err := fromStarlarkValue(item)
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	return out, nil
}
