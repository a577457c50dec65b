// Package httperr maps domain errors to HTTP status codes.
package httperr

import (
	"errors"
	"net/http"

	"github.com/zhouzirui/coachfeed/backend/internal/feed"
	chatservice "github.com/zhouzirui/coachfeed/backend/internal/service/chat"
	"github.com/zhouzirui/coachfeed/backend/internal/store"
	"github.com/zhouzirui/coachfeed/backend/pkg/utils"
)

// Status returns the response code for err.
func Status(err error) int {
	switch {
	case errors.Is(err, feed.ErrValidation),
		errors.Is(err, store.ErrInvalidTurn),
		errors.Is(err, chatservice.ErrPersonaRequired):
		return http.StatusBadRequest
	case errors.Is(err, chatservice.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, feed.ErrSendInFlight):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Respond writes err as a JSON error body. Internal errors are not echoed.
func Respond(w http.ResponseWriter, err error) {
	status := Status(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		message = "message store unavailable"
	}
	utils.RespondError(w, status, message)
}
