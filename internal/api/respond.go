package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/mailroom/internal/database"
	"github.com/gotrs-io/mailroom/internal/email/inbound/fetch"
	"github.com/gotrs-io/mailroom/internal/emailaddr"
	"github.com/gotrs-io/mailroom/internal/service"
)

func success(c *gin.Context, code int, data any) {
	c.JSON(code, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"success": false, "error": message})
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	var connErr *fetch.ConnectionError
	switch {
	case errors.Is(err, service.ErrTicketNotFound),
		errors.Is(err, service.ErrMailboxNotFound),
		errors.Is(err, service.ErrCustomerNotFound),
		errors.Is(err, service.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrInvalidMessage),
		errors.Is(err, service.ErrSelfMerge),
		errors.Is(err, emailaddr.ErrInvalidAddress):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrTicketDeleted),
		errors.Is(err, fetch.ErrConcurrentFetch):
		return http.StatusConflict
	case errors.As(err, &connErr):
		return http.StatusBadGateway
	case database.IsConnectionError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Printf("api: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		fail(c, code, "internal error")
		return
	}
	fail(c, code, err.Error())
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}
