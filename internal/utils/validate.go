package utils

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"ecotile-bknd/internal/apperr"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their query/json names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"query", "json"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})
	return v
}

// Validate checks struct tags and turns failures into a validation error
// listing each offending field.
func Validate[T any](value T) error {
	err := validate.Struct(value)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Validation(err.Error())
	}

	fields := make(map[string]string, len(verrs))
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = rule(fe)
		msgs = append(msgs, fe.Field()+" "+rule(fe))
	}
	return apperr.Validation(strings.Join(msgs, "; "), "fields", fields)
}

func rule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte", "min":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte", "max":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	case "len":
		return fmt.Sprintf("must have length %s", fe.Param())
	default:
		return "failed " + fe.Tag()
	}
}
