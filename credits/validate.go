package credits

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// NewValidator returns a validator that reports fields by their JSON names,
// so messages match what callers sent.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// InvalidFields converts a validator error into a VALIDATION_ERROR naming
// each failing field, e.g. "invalid request: kind must be one of [...]".
func InvalidFields(prefix string, err error) error {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return Validationf("%s", prefix)
	}
	msgs := make([]string, 0, len(fields))
	for _, fe := range fields {
		msgs = append(msgs, describeField(fe))
	}
	return Validationf("%s: %s", prefix, strings.Join(msgs, "; "))
}

func describeField(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s exceeds %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s is shorter than %s", fe.Field(), fe.Param())
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s fails %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag())
}
