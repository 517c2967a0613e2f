package utils

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct runs struct tag validation and returns a KindValidation
// error listing every failing field.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return WrapError(KindValidation, "validate", err)
	}

	var problems []string
	for _, err := range validationErrs {
		field := strings.ToLower(err.Field())
		tag := err.Tag()
		param := err.Param()

		switch tag {
		case "required":
			problems = append(problems, field+" is required")
		case "min", "gte":
			problems = append(problems, field+" must be at least "+param)
		case "max", "lte":
			problems = append(problems, field+" must be at most "+param)
		case "email":
			problems = append(problems, field+" must be a valid email")
		case "oneof":
			problems = append(problems, field+" must be one of "+param)
		case "url":
			problems = append(problems, field+" must be a valid url")
		default:
			problems = append(problems, field+" is invalid")
		}
	}

	return NewError(KindValidation, "validate", strings.Join(problems, ", "))
}
