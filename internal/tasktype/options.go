package tasktype

import (
	"fmt"
	"sort"
	"strconv"
)

// Option is one key/value run option.
type Option struct {
	Key   string
	Value any
}

// Options is an ordered option mapping. Order is preserved so the rendered
// command line is deterministic.
type Options []Option

// Set replaces the value of key in place, or appends it.
func (o Options) Set(key string, value any) Options {
	for i := range o {
		if o[i].Key == key {
			o[i].Value = value
			return o
		}
	}
	return append(o, Option{Key: key, Value: value})
}

// Get returns the value of key.
func (o Options) Get(key string) (any, bool) {
	for _, opt := range o {
		if opt.Key == key {
			return opt.Value, true
		}
	}
	return nil, false
}

// Merge returns a copy of o overridden by over. Keys keep their first
// position; new keys are appended in over's order.
func (o Options) Merge(over Options) Options {
	out := make(Options, len(o), len(o)+len(over))
	copy(out, o)
	for _, opt := range over {
		out = out.Set(opt.Key, opt.Value)
	}
	return out
}

// FromMap converts a config map. Map order is not meaningful so keys are
// sorted to keep the rendering stable.
func FromMap(m map[string]any) Options {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(Options, 0, len(m))
	for _, k := range keys {
		out = append(out, Option{Key: k, Value: m[k]})
	}
	return out
}

// Tokens renders the options as command-line tokens:
//
//	bool      --key (only when true)
//	float     --key 1.50000000000000e+00
//	sequence  --key elem1 elem2 ...
//	other     --key value
func (o Options) Tokens() []string {
	var out []string
	for _, opt := range o {
		flag := "--" + opt.Key
		switch v := opt.Value.(type) {
		case bool:
			if v {
				out = append(out, flag)
			}
		case []string:
			out = append(out, flag)
			out = append(out, v...)
		case []int:
			out = append(out, flag)
			for _, e := range v {
				out = append(out, strconv.Itoa(e))
			}
		case []float64:
			out = append(out, flag)
			for _, e := range v {
				out = append(out, formatScalar(e))
			}
		case []any:
			out = append(out, flag)
			for _, e := range v {
				out = append(out, formatScalar(e))
			}
		default:
			out = append(out, flag, formatScalar(v))
		}
	}
	return out
}

func formatScalar(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'e', 14, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'e', 14, 64)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
