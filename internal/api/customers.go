package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleGetCustomer(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	customer, err := s.tickets.Customers().Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, http.StatusOK, customer)
}

func (s *Server) handleMergeCustomers(c *gin.Context) {
	var body struct {
		SourceID int64 `json:"source_id" binding:"required"`
		TargetID int64 `json:"target_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.merger.Merge(c.Request.Context(), body.SourceID, body.TargetID)
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, http.StatusOK, res)
}
