package store

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Conversion targets understood by ConvertValue, named as in the
// server's $convert operator.
const (
	TypeString   = "string"
	TypeInt      = "int"
	TypeLong     = "long"
	TypeDouble   = "double"
	TypeDecimal  = "decimal"
	TypeBool     = "bool"
	TypeDate     = "date"
	TypeObjectID = "objectId"
)

// ConvertValue converts v to the target type following $convert rules.
// nil converts to nil.
func ConvertValue(v interface{}, to string) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch to {
	case TypeString:
		return toString(v)
	case TypeInt:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if n > math.MaxInt32 || n < math.MinInt32 {
			return nil, fmt.Errorf("value %v overflows int", v)
		}
		return int32(n), nil
	case TypeLong:
		return toInt64(v)
	case TypeDouble:
		return toFloat64(v)
	case TypeDecimal:
		s, err := toString(v)
		if err != nil {
			return nil, err
		}
		d, err := primitive.ParseDecimal128(s)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %v to decimal: %w", v, err)
		}
		return d, nil
	case TypeBool:
		return toBool(v)
	case TypeDate:
		return toDate(v)
	case TypeObjectID:
		switch t := v.(type) {
		case primitive.ObjectID:
			return t, nil
		case string:
			id, err := primitive.ObjectIDFromHex(t)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to objectId: %w", t, err)
			}
			return id, nil
		}
		return nil, fmt.Errorf("cannot convert %T to objectId", v)
	}
	return nil, fmt.Errorf("unknown conversion target %q", to)
}

func toString(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case int:
		return strconv.Itoa(t), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case primitive.ObjectID:
		return t.Hex(), nil
	case primitive.Decimal128:
		return t.String(), nil
	case time.Time:
		return t.UTC().Format("2006-01-02T15:04:05.000Z"), nil
	case primitive.DateTime:
		return t.Time().UTC().Format("2006-01-02T15:04:05.000Z"), nil
	}
	return "", fmt.Errorf("cannot convert %T to string", v)
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || t > math.MaxInt64 || t < math.MinInt64 {
			return 0, fmt.Errorf("cannot convert %v to integer", t)
		}
		return int64(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to integer", t)
		}
		return n, nil
	case primitive.Decimal128:
		return toInt64Decimal(t)
	case time.Time:
		return t.UnixMilli(), nil
	case primitive.DateTime:
		return int64(t), nil
	}
	return 0, fmt.Errorf("cannot convert %T to integer", v)
}

func toInt64Decimal(d primitive.Decimal128) (int64, error) {
	f, err := strconv.ParseFloat(d.String(), 64)
	if err != nil {
		return 0, fmt.Errorf("cannot convert %s to integer", d)
	}
	return toInt64(f)
}

func toFloat64(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to double", t)
		}
		return f, nil
	case primitive.Decimal128:
		return strconv.ParseFloat(t.String(), 64)
	case time.Time:
		return float64(t.UnixMilli()), nil
	case primitive.DateTime:
		return float64(t), nil
	}
	return 0, fmt.Errorf("cannot convert %T to double", v)
}

func toBool(v interface{}) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case int32:
		return t != 0, nil
	case int64:
		return t != 0, nil
	case int:
		return t != 0, nil
	case float64:
		return t != 0, nil
	case string, primitive.ObjectID, time.Time, primitive.DateTime:
		return true, nil
	case primitive.Decimal128:
		f, err := strconv.ParseFloat(t.String(), 64)
		return err == nil && f != 0, nil
	}
	// Documents and arrays are truthy
	return true, nil
}

func toDate(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case primitive.DateTime:
		return t.Time().UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case primitive.ObjectID:
		return t.Timestamp().UTC(), nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot convert %q to date", t)
	}
	return time.Time{}, fmt.Errorf("cannot convert %T to date", v)
}
