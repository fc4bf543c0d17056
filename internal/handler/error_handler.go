package handler

import (
	"net/http"

	"github.com/go-errors/errors"
	"github.com/go-orz/orz"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ErrorHandler 统一错误响应
func ErrorHandler(logger *zap.Logger) func(next echo.HandlerFunc) echo.HandlerFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := next(c); err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					return c.JSON(he.Code, orz.Map{
						"code":    he.Code,
						"message": he.Message,
					})
				}

				var oe *orz.Error
				if errors.As(err, &oe) {
					return c.JSON(http.StatusBadRequest, orz.Map{
						"code":    oe.Code,
						"message": err.Error(),
					})
				}

				logger.Sugar().Errorf("[ERROR] %s", err.Error())

				return c.JSON(http.StatusInternalServerError, orz.Map{
					"code":    http.StatusInternalServerError,
					"message": "Internal Server Error",
				})
			}
			return nil
		}
	}
}
