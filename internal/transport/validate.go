package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/intake/model"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// --- Request bodies ---

type createSubmissionRequest struct {
	Vertical string `json:"vertical" validate:"omitempty,oneof=home_services healthcare professional_services retail restaurant_hospitality"`
}

type navigateRequest struct {
	Action string `json:"action" validate:"required,oneof=next prev jump"`
	Step   int    `json:"step" validate:"omitempty,min=1,max=10"`
}

type transitionRequest struct {
	Status  string `json:"status" validate:"required"`
	Comment string `json:"comment" validate:"max=2000"`
}

type generateRequest struct {
	Prompt string `json:"prompt" validate:"required,max=8000"`
	Tone   string `json:"tone" validate:"omitempty,oneof=CONVERSATIONAL PROFESSIONAL FORMAL FRIENDLY"`
}

// readBody reads at most maxBodyBytes of the request body.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, model.NewBadRequestError("could not read request body")
	}
	if len(body) > maxBodyBytes {
		return nil, model.NewBadRequestError("request body too large")
	}
	return body, nil
}

// decodeAndValidate decodes a JSON body into dst and runs its validate tags.
// An empty body decodes as {}.
func decodeAndValidate(r *http.Request, dst any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, dst); err != nil {
			return model.NewBadRequestError("invalid JSON body")
		}
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return model.NewBadRequestError("invalid request body")
	}
	details := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, model.FieldError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: fieldMessage(fe),
		})
	}
	return model.NewValidationError(details)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}
