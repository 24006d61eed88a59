// Package httputil holds the shared plumbing for the HTTP surface: the
// response envelope and the request logging middleware.
package httputil

import (
	"github.com/gofiber/fiber/v2"
)

// Code is a machine-readable error identifier carried alongside the HTTP
// status in error responses.
type Code string

// Error codes used by the HTTP surface.
const (
	CodeValidationError    Code = "validation_error"
	CodeUnauthorised       Code = "unauthorised"
	CodeNotFound           Code = "not_found"
	CodeRateLimited        Code = "rate_limited"
	CodePayloadTooLarge    Code = "payload_too_large"
	CodeServiceUnavailable Code = "service_unavailable"
	CodeInternalError      Code = "internal_error"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Data any `json:"data"`
}

// ErrorBody holds structured error details.
type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps failed API responses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Success sends a 200 JSON response with the given data.
func Success(c *fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Data: data})
}

// Fail sends a JSON error response with the given status, code, and message.
func Fail(c *fiber.Ctx, status int, code Code, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
		},
	})
}

// CodeForStatus maps an HTTP status from Fiber's built-in errors (404, 405,
// and so on) onto the closest error code.
func CodeForStatus(status int) Code {
	switch {
	case status == fiber.StatusNotFound:
		return CodeNotFound
	case status == fiber.StatusTooManyRequests:
		return CodeRateLimited
	case status == fiber.StatusRequestEntityTooLarge:
		return CodePayloadTooLarge
	case status == fiber.StatusServiceUnavailable:
		return CodeServiceUnavailable
	case status >= 400 && status < 500:
		return CodeValidationError
	default:
		return CodeInternalError
	}
}
