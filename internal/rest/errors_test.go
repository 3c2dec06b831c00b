package rest

import (
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "testing"

    "github.com/labstack/echo/v4"
    "github.com/stretchr/testify/require"

    "github.com/dedooxyz/btcindex/internal/errs"
)

func newTestContext() (echo.Context, *httptest.ResponseRecorder) {
    e := echo.New()
    req := httptest.NewRequest(http.MethodGet, "/", nil)
    rec := httptest.NewRecorder()
    return e.NewContext(req, rec), rec
}

func TestWriteErrorMapsNotFoundTo404(t *testing.T) {
    c, rec := newTestContext()

    err := writeError(c, errs.New(errs.NotFound, "transaction not found"))
    require.NoError(t, err)
    require.Equal(t, http.StatusNotFound, rec.Code)

    var body map[string]string
    require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
    require.Equal(t, "transaction not found", body["error"])
}

func TestWriteErrorMapsBadRequestTo400(t *testing.T) {
    c, rec := newTestContext()

    err := writeError(c, errs.New(errs.BadRequest, "invalid address"))
    require.NoError(t, err)
    require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteErrorDefaultsTo500(t *testing.T) {
    c, rec := newTestContext()

    err := writeError(c, errs.New(errs.Store, "pebble corruption"))
    require.NoError(t, err)
    require.Equal(t, http.StatusInternalServerError, rec.Code)
}
