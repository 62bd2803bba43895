package specstore

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

// NewValidator returns a struct validator that knows the "smartcode" tag and
// reports fields by their json names.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("smartcode", func(fl validator.FieldLevel) bool {
		return engine.IsValidSmartCode(fl.Field().String())
	})
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// describeValidation flattens validator errors into readable problems.
func describeValidation(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required":
			problems = append(problems, fmt.Sprintf("%s: is required", field))
		case "min":
			problems = append(problems, fmt.Sprintf("%s: must have at least %s entries", field, fe.Param()))
		case "smartcode":
			problems = append(problems, fmt.Sprintf("%s: %q is not a valid smart code", field, fe.Value()))
		default:
			problems = append(problems, fmt.Sprintf("%s: failed %q check", field, fe.Tag()))
		}
	}
	return problems
}
