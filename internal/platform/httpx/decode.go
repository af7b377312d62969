package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxBodyBytes caps request bodies decoded by Decode.
const MaxBodyBytes = 64 << 10

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// Decode reads a JSON body into dst and validates its struct tags. Failures
// are returned as a 400 Error listing offending fields.
func Decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, io.EOF):
			return NewError("invalid_request", "request body is required", http.StatusBadRequest)
		default:
			return NewError("invalid_request", fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		}
	}
	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return NewError("invalid_request", err.Error(), http.StatusBadRequest)
		}
		fields := make(map[string]string, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields[fe.Field()] = fe.Tag()
		}
		return NewError("validation_failed", "request validation failed", http.StatusBadRequest).
			WithDetails(map[string]any{"fields": fields})
	}
	return nil
}
