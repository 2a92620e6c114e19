package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/Pollexy/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

var badRequestErrors = []error{
	models.ErrInvalidRule,
	models.ErrEmptyPersonName,
	models.ErrEmptyBody,
	models.ErrBodyTooLong,
	models.ErrInvalidTimeZone,
	models.ErrInvalidFrequency,
	models.ErrInvalidInterval,
	models.ErrInvalidCount,
	models.ErrWindowEndBeforeStart,
	models.ErrTooManyBots,
	models.ErrEmptyBotName,
	models.ErrRequiredBotNotListed,
	models.ErrEmptyLocationName,
	models.ErrEmptyWindowRule,
	models.ErrInvalidWindowDuration,
	models.ErrInvalidChannel,
	models.ErrInvalidOutcome,
	models.ErrInvalidStartDateTime,
	models.ErrInvalidEndDateTime,
	models.ErrMissingRecurrenceInput,
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrUnknownPerson), errors.Is(err, models.ErrUnknownMessage), errors.Is(err, models.ErrUnknownLocation):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrPublish):
		return http.StatusBadGateway
	}
	for _, target := range badRequestErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

// writeError logs err and writes it with the mapped status.
func writeError(w http.ResponseWriter, handler string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Server."+handler+": request failed", "error", err, "status", status)
	} else {
		slog.Warn("Server."+handler+": request rejected", "error", err, "status", status)
	}
	writeJSONResponse(w, status, models.Error(err.Error()))
}
