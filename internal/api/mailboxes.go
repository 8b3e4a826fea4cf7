package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/mailroom/internal/email/inbound/fetch"
	"github.com/gotrs-io/mailroom/internal/repository"
	"github.com/gotrs-io/mailroom/internal/service"
)

type failureView struct {
	UID   string `json:"uid"`
	Retry bool   `json:"retry"`
	Error string `json:"error"`
}

// handleFetch runs one fetch cycle. 200 means every message was handled,
// 207 that some failed or the batch broke off, 409 that a cycle is already
// running and 502 that the mailbox could not be reached.
func (s *Server) handleFetch(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if s.fetcher == nil {
		fail(c, http.StatusServiceUnavailable, "fetching is not configured")
		return
	}
	stats, err := s.fetcher.FetchCycle(c.Request.Context(), id)
	var partial *fetch.PartialBatchError
	switch {
	case err == nil:
		success(c, http.StatusOK, stats)
	case errors.As(err, &partial):
		failures := make([]failureView, len(partial.Failures))
		for i, f := range partial.Failures {
			failures[i] = failureView{UID: f.UID, Retry: f.Retry, Error: f.Err.Error()}
		}
		resp := gin.H{"success": false, "data": stats, "failures": failures, "error": err.Error()}
		if partial.Err != nil {
			resp["aborted"] = partial.Err.Error()
		}
		c.JSON(http.StatusMultiStatus, resp)
	default:
		s.fail(c, err)
	}
}

func (s *Server) handleFetchStatus(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if s.status == nil {
		fail(c, http.StatusNotFound, "fetch status is not recorded")
		return
	}
	st, err := s.status.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if st == nil {
		fail(c, http.StatusNotFound, "mailbox has not been fetched yet")
		return
	}
	success(c, http.StatusOK, st)
}

func (s *Server) requireMailbox(c *gin.Context, id int64) bool {
	_, err := repository.NewMailboxRepository(s.db).GetByID(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		s.fail(c, service.ErrMailboxNotFound)
		return false
	}
	if err != nil {
		s.fail(c, err)
		return false
	}
	return true
}

func (s *Server) handleReconcile(c *gin.Context) {
	id, ok := idParam(c)
	if !ok || !s.requireMailbox(c, id) {
		return
	}
	report, err := s.folders.Reconcile(c.Request.Context(), s.db, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, http.StatusOK, report)
}

func (s *Server) handleFolders(c *gin.Context) {
	id, ok := idParam(c)
	if !ok || !s.requireMailbox(c, id) {
		return
	}
	var userID int64
	if raw := c.Query("user_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, "invalid user_id")
			return
		}
		userID = v
	}
	views, err := s.folders.Views(c.Request.Context(), s.db, id, userID)
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, http.StatusOK, views)
}
