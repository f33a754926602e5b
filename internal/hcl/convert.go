package hcl

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// objectValue evaluates expr, which must be absent, an object or a map.
// An absent attribute evaluates to null and yields ok == false.
func objectValue(expr hcl.Expression) (val cty.Value, ok bool, err error) {
	if expr == nil {
		return cty.NilVal, false, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return cty.NilVal, false, diags
	}
	if val.IsNull() {
		return cty.NilVal, false, nil
	}
	ty := val.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return cty.NilVal, false, fmt.Errorf("expected an object, got %s", ty.FriendlyName())
	}
	if !val.IsWhollyKnown() {
		return cty.NilVal, false, fmt.Errorf("value must be known at load time")
	}
	return val, true, nil
}

// stringMap converts an object of primitives into a map of strings.
func stringMap(expr hcl.Expression) (map[string]string, error) {
	val, ok, err := objectValue(expr)
	if err != nil || !ok {
		return nil, err
	}

	out := make(map[string]string)
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		key := k.AsString()
		if v.IsNull() {
			continue
		}
		s, err := convert.Convert(v, cty.String)
		if err != nil {
			return nil, fmt.Errorf("value for '%s' must be a string, number or bool, got %s", key, v.Type().FriendlyName())
		}
		out[key] = s.AsString()
	}
	return out, nil
}

// pcommDefaults reads a `pcomms = { CMD = <default payload> }` object. The
// command names come back in key order. Non-empty defaults are JSON
// encoded; null and empty objects mean no default.
func pcommDefaults(expr hcl.Expression) ([]string, map[string]string, error) {
	val, ok, err := objectValue(expr)
	if err != nil || !ok {
		return nil, nil, err
	}

	var pcomms []string
	defaults := make(map[string]string)
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		name := k.AsString()
		pcomms = append(pcomms, name)

		if isEmpty(v) {
			continue
		}
		raw, err := ctyjson.Marshal(v, v.Type())
		if err != nil {
			return nil, nil, fmt.Errorf("default for '%s': %w", name, err)
		}
		defaults[name] = string(raw)
	}
	return pcomms, defaults, nil
}

func isEmpty(v cty.Value) bool {
	if v.IsNull() {
		return true
	}
	if !v.CanIterateElements() {
		return false
	}
	it := v.ElementIterator()
	return !it.Next()
}
