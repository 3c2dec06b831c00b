package rest

import (
    "net/http"

    "github.com/labstack/echo/v4"

    "github.com/dedooxyz/btcindex/internal/errs"
)

// writeError translates a typed errs.Error into the REST status/body
// convention: NotFound -> 404, BadRequest -> 400, everything else -> 500,
// always as {"error": "<message>"}.
func writeError(c echo.Context, err error) error {
    status := http.StatusInternalServerError
    switch errs.KindOf(err) {
    case errs.NotFound:
        status = http.StatusNotFound
    case errs.BadRequest:
        status = http.StatusBadRequest
    }
    return c.JSON(status, map[string]string{"error": err.Error()})
}
