// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package report

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
)

// Canonicalize converts a finding data tree into the shape the trend store
// and the findings file accept: scalars, ordered sequences and string-keyed
// maps only. Driver-specific values are normalized:
//
//   - arbitrary-precision decimals -> float64 (documented precision loss)
//   - timestamps -> RFC3339 strings
//   - durations -> seconds as float64
//   - NaN and infinities -> null
//   - []byte -> string
func Canonicalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil, bool, string, int, int32, int64, uint, uint32, uint64:
		return t, nil
	case float32:
		return sanitizeFloat(float64(t)), nil
	case float64:
		return sanitizeFloat(t), nil
	case decimal.Decimal:
		f, _ := t.Float64()
		return sanitizeFloat(f), nil
	case time.Time:
		return t.UTC().Format(time.RFC3339), nil
	case time.Duration:
		return t.Seconds(), nil
	case []byte:
		return string(t), nil
	case *connector.Row:
		out := make(map[string]interface{}, t.Len())
		for _, col := range t.Columns() {
			raw, _ := t.Get(col)
			cv, err := Canonicalize(raw)
			if err != nil {
				return nil, err
			}
			out[col] = cv
		}
		return out, nil
	case []*connector.Row:
		out := make([]interface{}, 0, len(t))
		for _, r := range t {
			cv, err := Canonicalize(r)
			if err != nil {
				return nil, err
			}
			out = append(out, cv)
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, item := range t {
			cv, err := Canonicalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, cv)
		}
		return out, nil
	case []string:
		out := make([]interface{}, 0, len(t))
		for _, s := range t {
			out = append(out, s)
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			cv, err := Canonicalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = cv
		}
		return out, nil
	case map[string]string:
		out := make(map[string]interface{}, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out, nil
	case map[string]float64:
		out := make(map[string]interface{}, len(t))
		for k, f := range t {
			out[k] = sanitizeFloat(f)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value of type %T in finding data", v)
	}
}

func sanitizeFloat(f float64) interface{} {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

// MarshalCanonical canonicalizes then JSON-encodes a data tree.
func MarshalCanonical(v interface{}) ([]byte, error) {
	cv, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cv)
}
