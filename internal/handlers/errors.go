package handlers

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/friendlyfeed/friendlyfeed/internal/attachment"
	"github.com/friendlyfeed/friendlyfeed/internal/blob"
	"github.com/friendlyfeed/friendlyfeed/internal/chat"
	"github.com/friendlyfeed/friendlyfeed/internal/message"
	"github.com/friendlyfeed/friendlyfeed/internal/session"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Message string `json:"message"`
}

// toHTTPError maps domain errors onto status codes.
func toHTTPError(err error) error {
	var httpErr *echo.HTTPError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &httpErr):
		return httpErr
	case errors.Is(err, session.ErrInvalidSession):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, chat.ErrEmptyText),
		errors.Is(err, message.ErrInvalidScope),
		errors.Is(err, message.ErrInvalidKey),
		errors.Is(err, blob.ErrEmpty),
		errors.Is(err, blob.ErrPathTraversal):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, blob.ErrTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, message.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, message.ErrStoreUnavailable),
		errors.Is(err, blob.ErrProviderUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, attachment.ErrUploadFailed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// Validator plugs go-playground/validator into echo's c.Validate.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	return &Validator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (v *Validator) Validate(i any) error {
	if err := v.validate.Struct(i); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return echo.NewHTTPError(http.StatusBadRequest, verrs[0].Field()+" is "+verrs[0].Tag())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}
