package sessionclient

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

type loginInput struct {
	Identifier string `json:"identifier" validate:"required"`
	Secret     string `json:"secret" validate:"required"`
}

type signupInput struct {
	Name       string `json:"name" validate:"required,max=128"`
	Identifier string `json:"identifier" validate:"required,email"`
	Secret     string `json:"secret" validate:"required,min=8"`
}

type profileInput struct {
	Username *string  `json:"username,omitempty" validate:"omitempty,min=1,max=64"`
	Bio      *string  `json:"bio,omitempty" validate:"omitempty,max=2000"`
	Links    []string `json:"links,omitempty" validate:"omitempty,max=20,dive,url"`
}

var (
	inputValidatorOnce sync.Once
	inputValidator     *validator.Validate
)

func sharedValidator() *validator.Validate {
	inputValidatorOnce.Do(func() {
		inputValidator = validator.New(validator.WithRequiredStructEnabled())
		inputValidator.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return inputValidator
}

// validateInput returns the first violation as a *ValidationError with a displayable message.
func validateInput(input any) error {
	validateErr := sharedValidator().Struct(input)
	if validateErr == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(validateErr, &fieldErrors) || len(fieldErrors) == 0 {
		return &ValidationError{Message: "The submitted data is invalid."}
	}
	first := fieldErrors[0]
	fieldName := first.Field()
	return &ValidationError{Field: fieldName, Message: describeViolation(fieldName, first.Tag(), first.Param())}
}

func describeViolation(fieldName string, tag string, param string) string {
	label := strings.ToUpper(fieldName[:1]) + fieldName[1:]
	switch tag {
	case "required":
		return fmt.Sprintf("%s is required.", label)
	case "email":
		return fmt.Sprintf("%s must be a valid email address.", label)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters.", label, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters.", label, param)
	case "url":
		return fmt.Sprintf("%s must contain valid URLs.", label)
	default:
		return fmt.Sprintf("%s is invalid.", label)
	}
}
