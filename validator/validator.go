package validator

import (
	"fmt"
	"reflect"
)

// Validator checks a decoded value before it is accepted
type Validator interface {
	// Validate returns an error when data is not acceptable
	Validate(data interface{}) error
}

// RangeValidator checks that a numeric struct field lies within [Min, Max].
// Field matches either the Go field name or the field's `wire` tag.
type RangeValidator struct {
	Field string
	Min   float64
	Max   float64
}

// Validate checks the field of the given struct (or pointer to struct)
func (rv *RangeValidator) Validate(data interface{}) error {
	value, err := numericField(data, rv.Field)
	if err != nil {
		return err
	}
	if value < rv.Min || value > rv.Max {
		return fmt.Errorf("field %s value %g out of range [%g, %g]", rv.Field, value, rv.Min, rv.Max)
	}
	return nil
}

// CheckField returns an error unless name resolves to a numeric field of data
func CheckField(data interface{}, name string) error {
	_, err := numericField(data, name)
	return err
}

func numericField(data interface{}, name string) (float64, error) {
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("data must be a struct, got %s", v.Kind())
	}

	field, ok := lookupField(v, name)
	if !ok {
		return 0, fmt.Errorf("field %s does not exist", name)
	}

	switch field.Kind() {
	case reflect.Float32, reflect.Float64:
		return field.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(field.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(field.Uint()), nil
	default:
		return 0, fmt.Errorf("field %s is not numeric", name)
	}
}

func lookupField(v reflect.Value, name string) (reflect.Value, bool) {
	if f := v.FieldByName(name); f.IsValid() {
		return f, true
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Tag.Get("wire") == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// ValidateAll runs every validator and returns the first failure
func ValidateAll(data interface{}, validators []Validator) error {
	for _, v := range validators {
		if err := v.Validate(data); err != nil {
			return err
		}
	}
	return nil
}
