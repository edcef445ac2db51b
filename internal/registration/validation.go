package registration

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const notBlankTag = "notblank"

// newValidator reports field errors by their JSON names.
func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation(notBlankTag, notBlankValidation)
	return validate
}

func notBlankValidation(fl validator.FieldLevel) bool {
	if value, ok := fl.Field().Interface().(string); ok {
		return strings.TrimSpace(value) != ""
	}
	return false
}
