package api

import (
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

type messageResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	ID      string `json:"id,omitempty"`
}

type insertResponse struct {
	Acknowledged bool   `json:"acknowledged"`
	InsertedID   string `json:"insertedId"`
}

type deleteResponse struct {
	Acknowledged bool  `json:"acknowledged"`
	DeletedCount int64 `json:"deletedCount"`
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, messageResponse{Message: "Unauthorized"})
}

func taskNotFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound, messageResponse{Message: "Task not found"})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, messageResponse{Message: msg})
}

// storeFault answers 500. The cause is only echoed when verbose errors are
// enabled.
func (a *App) storeFault(c echo.Context, msg string, err error) error {
	resp := messageResponse{Message: msg}
	if a.VerboseErrors && err != nil {
		resp.Error = err.Error()
	}
	return c.JSON(http.StatusInternalServerError, resp)
}

// JSONSerializer encodes echo responses with sonic.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (JSONSerializer) Deserialize(c echo.Context, i any) error {
	err := sonic.ConfigStd.NewDecoder(c.Request().Body).Decode(i)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body").SetInternal(err)
	}
	return nil
}
