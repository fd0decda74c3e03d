package query

import (
	"math"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/bastion/core"
)

// binding is the outcome of parameter validation: the values handed to the
// driver and their canonical form used for the cache key and the response.
type binding struct {
	values    map[string]interface{}
	canonical map[string]interface{}
}

// bindParameters validates supplied params against the declarations of def.
// Undeclared params are ignored. Missing required params are reported
// together, in declaration order.
func bindParameters(def *Definition, params map[string]interface{}) (*binding, error) {
	b := &binding{values: map[string]interface{}{}, canonical: map[string]interface{}{}}
	var missing []string
	for _, p := range def.Parameters {
		raw, ok := params[p.Name]
		if !ok || raw == nil {
			if p.Required {
				missing = append(missing, p.Name)
			}
			continue
		}
		value, canonical, err := coerce(p, raw)
		if err != nil {
			return nil, err
		}
		b.values[p.Name] = value
		b.canonical[p.Name] = canonical
	}
	if len(missing) > 0 {
		return nil, core.Errorf(core.KindMissingParameter, "missing required parameters").WithParams(missing...)
	}
	return b, nil
}

func mismatch(p Parameter, raw interface{}) error {
	return core.Errorf(core.KindTypeMismatch, "parameter '%s' expects a %s, got %v", p.Name, p.Type, raw).WithParams(p.Name)
}

// coerce converts raw into the driver value and canonical value of p
func coerce(p Parameter, raw interface{}) (interface{}, interface{}, error) {
	switch p.Type {
	case TypeString:
		switch v := raw.(type) {
		case string:
			return v, v, nil
		case json.Number:
			return v.String(), v.String(), nil
		case float64:
			s := strconv.FormatFloat(v, 'f', -1, 64)
			return s, s, nil
		case bool:
			s := strconv.FormatBool(v)
			return s, s, nil
		}
		return nil, nil, mismatch(p, raw)

	case TypeNumber:
		var f float64
		switch v := raw.(type) {
		case float64:
			f = v
		case int:
			f = float64(v)
		case int64:
			f = float64(v)
		case json.Number:
			parsed, err := strconv.ParseFloat(v.String(), 64)
			if err != nil {
				return nil, nil, mismatch(p, raw)
			}
			f = parsed
		case string:
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, nil, mismatch(p, raw)
			}
			f = parsed
		default:
			return nil, nil, mismatch(p, raw)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, nil, mismatch(p, raw)
		}
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f), f, nil
		}
		return f, f, nil

	case TypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, v, nil
		case string:
			switch v {
			case "true":
				return true, true, nil
			case "false":
				return false, false, nil
			}
		}
		return nil, nil, mismatch(p, raw)

	case TypeDate:
		s, ok := raw.(string)
		if !ok {
			return nil, nil, mismatch(p, raw)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, nil, mismatch(p, raw)
		}
		t = t.UTC()
		return t, t.Format(time.RFC3339Nano), nil
	}
	return nil, nil, mismatch(p, raw)
}
