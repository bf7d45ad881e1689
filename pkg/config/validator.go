package config

import (
	"fmt"
	"reflect"
	"strings"
)

// field resolves a dot separated path such as "Server.URL" inside config,
// following pointers.
func field(config interface{}, path string) (reflect.Value, error) {
	current := reflect.ValueOf(config)
	for _, part := range strings.Split(path, ".") {
		for current.Kind() == reflect.Ptr {
			if current.IsNil() {
				return reflect.Value{}, fmt.Errorf("field %s not found", path)
			}
			current = current.Elem()
		}
		if current.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field %s not found", path)
		}
		current = current.FieldByName(part)
		if !current.IsValid() {
			return reflect.Value{}, fmt.Errorf("field %s not found", path)
		}
	}
	return current, nil
}

func numeric(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	default:
		return 0, false
	}
}

// RequiredFields validates that the named fields are not zero values.
// Nested fields use dot notation.
func RequiredFields(fields ...string) Validator {
	return ValidatorFunc(func(config interface{}) error {
		var missing []string
		for _, name := range fields {
			v, err := field(config, name)
			if err != nil {
				return err
			}
			if v.IsZero() {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("required fields are missing: %s", strings.Join(missing, ", "))
		}
		return nil
	})
}

// RangeValidator validates that a numeric field is within [min, max].
func RangeValidator(fieldName string, min, max float64) Validator {
	return ValidatorFunc(func(config interface{}) error {
		v, err := field(config, fieldName)
		if err != nil {
			return err
		}
		n, ok := numeric(v)
		if !ok {
			return fmt.Errorf("field %s is not numeric", fieldName)
		}
		if n < min || n > max {
			return fmt.Errorf("field %s value %g is out of range [%g, %g]", fieldName, n, min, max)
		}
		return nil
	})
}

// StringLengthValidator validates that a string field has a length in
// [minLen, maxLen].
func StringLengthValidator(fieldName string, minLen, maxLen int) Validator {
	return ValidatorFunc(func(config interface{}) error {
		v, err := field(config, fieldName)
		if err != nil {
			return err
		}
		if v.Kind() != reflect.String {
			return fmt.Errorf("field %s is not a string", fieldName)
		}
		if n := v.Len(); n < minLen || n > maxLen {
			return fmt.Errorf("field %s length %d is out of range [%d, %d]", fieldName, n, minLen, maxLen)
		}
		return nil
	})
}

// OneOfValidator validates that a field equals one of allowedValues.
func OneOfValidator(fieldName string, allowedValues ...interface{}) Validator {
	return ValidatorFunc(func(config interface{}) error {
		v, err := field(config, fieldName)
		if err != nil {
			return err
		}
		got := v.Interface()
		for _, allowed := range allowedValues {
			if reflect.DeepEqual(got, allowed) {
				return nil
			}
		}
		return fmt.Errorf("field %s value %v is not one of allowed values: %v", fieldName, got, allowedValues)
	})
}
