package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/mailroom/internal/models"
	"github.com/gotrs-io/mailroom/internal/repository"
	"github.com/gotrs-io/mailroom/internal/service"
)

type ticketView struct {
	*models.Ticket
	DisplayNumber string `json:"display_number"`
}

func (s *Server) view(t *models.Ticket) ticketView {
	return ticketView{Ticket: t, DisplayNumber: s.tickets.DisplayNumber(t)}
}

func (s *Server) handleListTickets(c *gin.Context) {
	mailboxID, ok := idParam(c)
	if !ok {
		return
	}
	filter := repository.ListFilter{
		Status: models.TicketStatus(c.Query("status")),
		Limit:  queryInt(c, "limit", 50),
		Offset: queryInt(c, "offset", 0),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		fail(c, http.StatusBadRequest, "invalid status")
		return
	}
	if name := c.Query("folder"); name != "" {
		folder, err := repository.NewFolderRepository(s.db).GetByType(c.Request.Context(), mailboxID, models.FolderType(name))
		if errors.Is(err, repository.ErrNotFound) {
			fail(c, http.StatusBadRequest, "unknown folder")
			return
		}
		if err != nil {
			s.fail(c, err)
			return
		}
		filter.FolderID = folder.ID
	}
	tickets, err := s.tickets.ListTickets(c.Request.Context(), mailboxID, filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]ticketView, len(tickets))
	for i := range tickets {
		out[i] = s.view(&tickets[i])
	}
	success(c, http.StatusOK, out)
}

func (s *Server) handleCreateTicket(c *gin.Context) {
	mailboxID, ok := idParam(c)
	if !ok {
		return
	}
	var req service.CreateTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.CustomerID == 0 && req.CustomerEmail == "" {
		fail(c, http.StatusBadRequest, "customer_id or customer_email is required")
		return
	}
	req.MailboxID = mailboxID
	ticket, msg, err := s.tickets.CreateTicket(c.Request.Context(), &req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": s.view(ticket), "message": msg})
}

func (s *Server) handleGetTicket(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ticket, err := s.tickets.GetTicket(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, http.StatusOK, s.view(ticket))
}

func (s *Server) handleListMessages(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	msgs, err := s.tickets.Messages(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, http.StatusOK, msgs)
}

func (s *Server) handleReply(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req service.ReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	req.TicketID = id
	msg, err := s.tickets.Reply(c.Request.Context(), &req)
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, http.StatusCreated, msg)
}

func (s *Server) handleChangeStatus(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var body struct {
		Status models.TicketStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	ticket, err := s.tickets.ChangeStatus(c.Request.Context(), id, body.Status)
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, http.StatusOK, s.view(ticket))
}

func (s *Server) handleChangeAssignee(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	// A null or missing assignee_id unassigns.
	var body struct {
		AssigneeID *int64 `json:"assignee_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	ticket, err := s.tickets.ChangeAssignee(c.Request.Context(), id, body.AssigneeID)
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, http.StatusOK, s.view(ticket))
}

func (s *Server) handleChangeFolder(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var body struct {
		Folder models.FolderType `json:"folder" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	ticket, err := s.tickets.ChangeFolder(c.Request.Context(), id, body.Folder)
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, http.StatusOK, s.view(ticket))
}

func (s *Server) handleDeleteTicket(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := s.tickets.SoftDelete(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleEditMessage(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var body struct {
		Body   string `json:"body" binding:"required"`
		UserID int64  `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := s.tickets.EditMessage(c.Request.Context(), id, body.Body, body.UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, http.StatusOK, msg)
}
