package errorutil

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
)

func TestToDomainError(t *testing.T) {
	assert.Nil(t, ToDomainError(nil))

	validation := NewValidationError("bad form", map[string]any{"field": "anonymize_logging"})
	wrapped := fmt.Errorf("handler: %w", validation)
	de := ToDomainError(wrapped)
	assert.Equal(t, "VALIDATION_FAILED", de.Code)
	assert.Equal(t, http.StatusBadRequest, de.HTTPStatus)

	de = ToDomainError(fiber.ErrNotFound)
	assert.Equal(t, "NOT_FOUND", de.Code)
	assert.Equal(t, http.StatusNotFound, de.HTTPStatus)

	cause := errors.New("encode failed")
	de = ToDomainError(cause)
	assert.Equal(t, http.StatusInternalServerError, de.HTTPStatus)
	assert.ErrorIs(t, de, cause)
	assert.Equal(t, "internal server error: encode failed", de.Error())
}
