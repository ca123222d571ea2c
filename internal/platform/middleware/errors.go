package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dialysis/dialysis/internal/platform/apperr"
)

// ErrorBody is the JSON shape of every failed request.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Render maps an error onto a status code and body. Storage failures hide
// the driver error from the client.
func Render(err error) (int, ErrorBody) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, ErrorBody{Kind: "http", Message: fmt.Sprint(he.Message)}
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.Kind.HTTPStatus(), ErrorBody{Kind: ae.Kind.String(), Message: ae.Message}
	}
	return http.StatusInternalServerError, ErrorBody{Kind: apperr.KindStorage.String(), Message: "internal server error"}
}

func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := Render(err)
		if status >= 500 {
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}
