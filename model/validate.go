package model

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var recordValidator = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}()

// ValidateRecord checks a child record against its field constraints and
// returns a VALIDATION_ERROR naming every failing field.
func ValidateRecord(rec Record) error {
	err := recordValidator.Struct(rec)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewBadRequestError(fmt.Sprintf("invalid %s record", rec.Collection()))
	}
	details := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, FieldError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: fmt.Sprintf("%s fails %s", fe.Field(), strings.TrimSpace(fe.Tag()+" "+fe.Param())),
		})
	}
	return NewValidationError(details)
}
