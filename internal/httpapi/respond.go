package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/safar/bookstore-fulfillment/internal/database"
	"github.com/safar/bookstore-fulfillment/internal/fulfillment"
	"github.com/safar/bookstore-fulfillment/internal/gateway"
	"github.com/safar/bookstore-fulfillment/internal/store"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// validationError is a malformed or invalid request body or parameter.
type validationError struct {
	msg     string
	details map[string]string
}

func (e *validationError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

var (
	errUnauthorized = errors.New("unauthorized")
	errForbidden    = errors.New("forbidden")
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

func (s *server) decode(r *http.Request, dest any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	if err := s.validate.Struct(dest); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) {
			details := make(map[string]string, len(errs))
			for _, fe := range errs {
				details[fe.Field()] = validationMessage(fe)
			}
			return &validationError{msg: "validation failed", details: details}
		}
		return badRequest("validation failed: %v", err)
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	}
	return "is invalid"
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// statusFor maps an error onto the response status, a stable code and
// optional details.
func statusFor(err error) (int, errorBody) {
	var (
		validation   *validationError
		insufficient *database.InsufficientInventoryError
		invalidState *database.InvalidStateError
	)

	switch {
	case errors.As(err, &validation):
		body := errorBody{Error: validation.msg, Code: "validation"}
		if len(validation.details) > 0 {
			body.Details = validation.details
		}
		return http.StatusBadRequest, body
	case errors.Is(err, store.ErrInvalidCursor), errors.Is(err, database.ErrInvalidQuantity):
		return http.StatusBadRequest, errorBody{Error: err.Error(), Code: "validation"}
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, errorBody{Error: "missing or invalid credentials", Code: "unauthorized"}
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, errorBody{Error: "admin role required", Code: "forbidden"}
	case errors.As(err, &insufficient):
		return http.StatusConflict, errorBody{
			Error: insufficient.Error(),
			Code:  "insufficient_inventory",
			Details: map[string]any{
				"book_id":   insufficient.BookID,
				"title":     insufficient.Title,
				"available": insufficient.Available,
				"requested": insufficient.Requested,
			},
		}
	case errors.As(err, &invalidState):
		return http.StatusUnprocessableEntity, errorBody{
			Error: invalidState.Error(),
			Code:  "invalid_state",
			Details: map[string]any{
				"order_id": invalidState.OrderID,
				"from":     invalidState.From,
				"to":       invalidState.To,
			},
		}
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"}
	case errors.Is(err, database.ErrConflict):
		return http.StatusConflict, errorBody{Error: err.Error(), Code: "conflict"}
	case errors.Is(err, fulfillment.ErrEmptyCart):
		return http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Code: "empty_cart"}
	case errors.Is(err, gateway.ErrSessionNotPaid):
		return http.StatusConflict, errorBody{Error: err.Error(), Code: "payment_incomplete"}
	case errors.Is(err, fulfillment.ErrInvalidEvent), errors.Is(err, gateway.ErrInvalidPayload):
		return http.StatusBadRequest, errorBody{Error: err.Error(), Code: "validation"}
	}
	return http.StatusInternalServerError, errorBody{Error: "internal server error", Code: "internal"}
}

func (s *server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	ctx := s.log.WithField(r.Context(), "status", status)
	if status >= http.StatusInternalServerError {
		s.log.Error(ctx, "request failed", err)
	} else {
		s.log.Warn(ctx, "request rejected", err)
	}
	respondJSON(w, status, body)
}

func isInsufficient(err error) bool {
	return errors.Is(err, database.ErrInsufficientInventory)
}
