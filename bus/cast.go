// SPDX-License-Identifier: MIT

package bus

import (
	"strconv"

	"github.com/lightbus/lightbus/api"
)

// castKwargs coerces incoming values to the declared parameter types on a
// best-effort basis. Values that cannot be coerced pass through unchanged
// and are left for validation or the handler to reject.
func castKwargs(params []api.ParamSpec, kwargs map[string]any) map[string]any {
	if len(kwargs) == 0 {
		return kwargs
	}
	byName := make(map[string]api.Type, len(params))
	for _, p := range params {
		byName[p.Name] = p.Type
	}
	out := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		out[k] = castValue(byName[k], v)
	}
	return out
}

func castValue(t api.Type, v any) any {
	switch t {
	case api.TypeInteger:
		switch val := v.(type) {
		case float64:
			if val == float64(int64(val)) {
				return int64(val)
			}
		case string:
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				return n
			}
		}
	case api.TypeNumber:
		switch val := v.(type) {
		case string:
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				return f
			}
		case int64:
			return float64(val)
		}
	case api.TypeString:
		switch val := v.(type) {
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		case int64:
			return strconv.FormatInt(val, 10)
		case bool:
			return strconv.FormatBool(val)
		}
	case api.TypeBoolean:
		if val, ok := v.(string); ok {
			if b, err := strconv.ParseBool(val); err == nil {
				return b
			}
		}
	}
	return v
}
