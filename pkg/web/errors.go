package web

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/dukex/durable/pkg/persistence"
)

// Problem types returned in the "type" member of error documents.
const (
	problemValidation  = "validation_error"
	problemNotFound    = "not_found"
	problemRunNotFound = "run_not_found"
	problemConflict    = "conflict"
	problemInternal    = "internal_error"
	problemUnavailable = "service_unavailable"
)

// respond writes an RFC 7807 document with the given status.
func respond(c fiber.Ctx, status int, problemType, detail string) error {
	problem := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(status).JSON(problem)
}

func badRequest(c fiber.Ctx, detail string) error {
	return respond(c, fiber.StatusBadRequest, problemValidation, detail)
}

func notFound(c fiber.Ctx, detail string) error {
	return respond(c, fiber.StatusNotFound, problemNotFound, detail)
}

func conflict(c fiber.Ctx, detail string) error {
	return respond(c, fiber.StatusConflict, problemConflict, detail)
}

func internalError(c fiber.Ctx, err error) error {
	return respond(c, fiber.StatusInternalServerError, problemInternal, err.Error())
}

// handleStoreError maps persistence errors to problem documents. A storage call
// that ran out of time surfaces as 503 so clients retry.
func handleStoreError(c fiber.Ctx, err error) error {
	switch {
	case persistence.IsRunNotFound(err):
		return respond(c, fiber.StatusNotFound, problemRunNotFound, "run not found")
	case persistence.IsVersionConflict(err):
		return conflict(c, "run was modified concurrently")
	case errors.Is(err, context.DeadlineExceeded):
		return respond(c, fiber.StatusServiceUnavailable, problemUnavailable, "storage unavailable")
	default:
		return internalError(c, err)
	}
}
