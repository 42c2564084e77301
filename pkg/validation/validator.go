// Package validation provides struct validation using go-playground/validator v10.
//
// Hyperparameter structs declare their constraints as `validate` tags; failures
// are translated into *errors.InvalidConfigurationError naming the parameter by
// its json tag, so callers see the same names as GetParams.
//
// Example usage:
//
//	type Params struct {
//	    Alpha float64 `json:"alpha" validate:"gte=0"`
//	}
//
//	if err := validation.ValidateStruct(&p); err != nil {
//	    return err // *errors.InvalidConfigurationError
//	}
package validation

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/YuminosukeSato/modl/pkg/errors"
)

// singleton validator instance
var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// GetValidator returns the singleton validator instance.
// Field names in errors are taken from the json tag when present.
// This function is thread-safe.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})

		// finite: NaN と ±Inf を拒否する
		_ = validate.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
			switch fl.Field().Kind() {
			case reflect.Float32, reflect.Float64:
				v := fl.Field().Float()
				return !math.IsNaN(v) && !math.IsInf(v, 0)
			default:
				return true
			}
		})
	})

	return validate
}

// ValidateStruct validates a struct using the singleton validator.
// Returns nil if validation passes, or an *errors.InvalidConfigurationError
// describing the first failing field.
func ValidateStruct(s interface{}) error {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		fe := validationErrs[0]
		return errors.NewInvalidConfigurationError(fe.Field(), describe(fe.Tag(), fe.Param()), fe.Value())
	}
	return errors.Wrap(err, "validation failed")
}

// describe turns a validator tag into the phrase used in error messages.
func describe(tag, param string) string {
	switch tag {
	case "gte", "min":
		return "must be >= " + param
	case "gt":
		return "must be > " + param
	case "lte", "max":
		return "must be <= " + param
	case "lt":
		return "must be < " + param
	case "ne":
		return "must not be " + param
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", strings.ReplaceAll(param, " ", ", "))
	case "finite":
		return "must be finite"
	case "required":
		return "is required"
	default:
		if param != "" {
			return fmt.Sprintf("failed %s=%s", tag, param)
		}
		return "failed " + tag
	}
}
