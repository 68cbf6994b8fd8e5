package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// 错误代码常量
const (
	ErrCodeInternalServerError = http.StatusInternalServerError
	ErrCodeBadRequest          = http.StatusBadRequest
	ErrCodeNotFound            = http.StatusNotFound
)

// APIError 接口错误，Code同时作为HTTP状态码
type APIError struct {
	Code    int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func NewAPIError(code int, message string, err error) *APIError {
	return &APIError{Code: code, Message: message, Err: err}
}

// NewBadRequestError 请求参数错误
func NewBadRequestError(message string, err error) *APIError {
	return &APIError{Code: ErrCodeBadRequest, Message: message, Err: err}
}

// NewNotFoundError 资源不存在
func NewNotFoundError(message string) *APIError {
	return &APIError{Code: ErrCodeNotFound, Message: message}
}

func NewInternalServerError(err error) *APIError {
	return &APIError{Code: ErrCodeInternalServerError, Message: "服务器内部错误", Err: err}
}

// HandleError 统一错误处理函数
func HandleError(c echo.Context, err error) error {
	logrus.WithFields(logrus.Fields{
		"error":  err.Error(),
		"path":   c.Request().URL.Path,
		"method": c.Request().Method,
	}).Warn("API error")

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		resp := Response{
			Code:    apiErr.Code,
			Message: apiErr.Message,
		}
		if apiErr.Err != nil && logrus.IsLevelEnabled(logrus.DebugLevel) {
			resp.Data = map[string]string{
				"error_detail": apiErr.Err.Error(),
			}
		}
		return c.JSON(apiErr.Code, resp)
	}

	return c.JSON(http.StatusInternalServerError, Response{
		Code:    http.StatusInternalServerError,
		Message: "服务器内部错误",
	})
}
