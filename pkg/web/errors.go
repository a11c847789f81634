package web

import (
	"errors"

	"github.com/dukex/orchestra/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// statusByCode maps protocol error codes onto HTTP statuses.
var statusByCode = map[string]int{
	services.CodeNotFound:               fiber.StatusNotFound,
	services.CodeInvalidStateTransition: fiber.StatusConflict,
	services.CodeInvalidDefinition:      fiber.StatusBadRequest,
	services.CodeInvalidRequest:         fiber.StatusBadRequest,
	services.CodeUnauthorized:           fiber.StatusUnauthorized,
	services.CodeTimeout:                fiber.StatusGatewayTimeout,
	services.CodeRateLimited:            fiber.StatusTooManyRequests,
	services.CodeInternal:               fiber.StatusInternalServerError,
}

func problem(c fiber.Ctx, code, detail string) error {
	status, ok := statusByCode[code]
	if !ok {
		status = fiber.StatusInternalServerError
	}

	body := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(code).
		WithDetail(detail)

	return c.Status(status).JSON(body)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, services.CodeInvalidRequest, detail)
}

func unauthorized(c fiber.Ctx) error {
	return problem(c, services.CodeUnauthorized, "missing or invalid API token")
}

func rateLimited(c fiber.Ctx) error {
	return problem(c, services.CodeRateLimited, "too many requests")
}

func internalError(c fiber.Ctx, err error) error {
	body := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType(services.CodeInternal).
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(body)
}

// handleServiceError provides typed error handling for service layer errors.
func handleServiceError(c fiber.Ctx, err error) error {
	code := services.Code(err)

	switch code {
	case services.CodeInternal:
		return internalError(c, err)
	case services.CodeNotFound:
		return problem(c, code, notFoundDetail(err))
	default:
		return problem(c, code, err.Error())
	}
}

func notFoundDetail(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}

		err = next
	}
}
