package handlers

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/fortexa/loginguard/internal/models"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their JSON name and knows the rule enums
// the admin API accepts.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("rule_action", func(fl validator.FieldLevel) bool {
		return models.Action(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("rule_type", func(fl validator.FieldLevel) bool {
		return models.RuleType(fl.Field().String()).Valid()
	})
	return v
}

// ValidateRequest checks req against its validate tags. The error names the
// first offending field and is safe to return to the client.
func ValidateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return fmt.Errorf("validation failed: %s: %s", ve[0].Field(), describe(ve[0]))
	}
	return fmt.Errorf("validation failed: %w", err)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "must be a valid email address"
	case "uuid":
		return "must be a UUID"
	case "numeric":
		return "must contain only digits"
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "min":
		return fmt.Sprintf("must have a minimum of %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must have a maximum of %s characters", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "rule_action":
		return "must be a known rule action"
	case "rule_type":
		return "must be a known rule type"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
