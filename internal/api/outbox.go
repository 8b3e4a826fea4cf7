package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gotrs-io/mailroom/internal/mailqueue"
)

// queueView is a queued outbound message without its raw bytes.
type queueView struct {
	ID        int64          `json:"id"`
	MailboxID int64          `json:"mailbox_id"`
	TicketID  *int64         `json:"ticket_id,omitempty"`
	ThreadID  *int64         `json:"thread_id,omitempty"`
	Kind      mailqueue.Kind `json:"kind"`
	Sender    string         `json:"sender"`
	Recipient string         `json:"recipient"`
	MessageID string         `json:"message_id"`
	Size      int            `json:"size"`
	Attempts  int            `json:"attempts"`
	LastError *string        `json:"last_error,omitempty"`
	DueAt     *time.Time     `json:"due_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func queueViews(items []mailqueue.Item) []queueView {
	out := make([]queueView, len(items))
	for i, it := range items {
		out[i] = queueView{
			ID:        it.ID,
			MailboxID: it.MailboxID,
			TicketID:  it.TicketID,
			ThreadID:  it.ThreadID,
			Kind:      it.Kind,
			Sender:    it.Sender,
			Recipient: it.Recipient,
			MessageID: it.MessageID,
			Size:      len(it.RawMessage),
			Attempts:  it.Attempts,
			LastError: it.LastError,
			DueAt:     it.DueAt,
			CreatedAt: it.CreatedAt,
		}
	}
	return out
}

// handleTicketOutbox lists the auto-replies and agent replies queued for a
// ticket.
func (s *Server) handleTicketOutbox(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.tickets.GetTicket(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	items, err := mailqueue.NewRepository(s.db).ListByTicket(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, http.StatusOK, queueViews(items))
}

// handleMailQueue lists the queue: state=pending (default) for what is due
// now, state=failed with max_attempts for what delivery keeps rejecting.
func (s *Server) handleMailQueue(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		fail(c, http.StatusBadRequest, "invalid limit")
		return
	}
	repo := mailqueue.NewRepository(s.db)
	var items []mailqueue.Item
	switch c.DefaultQuery("state", "pending") {
	case "pending":
		items, err = repo.GetPending(c.Request.Context(), time.Now(), limit)
	case "failed":
		maxAttempts, perr := strconv.Atoi(c.DefaultQuery("max_attempts", "5"))
		if perr != nil || maxAttempts <= 0 {
			fail(c, http.StatusBadRequest, "invalid max_attempts")
			return
		}
		items, err = repo.GetFailed(c.Request.Context(), maxAttempts, limit)
	default:
		fail(c, http.StatusBadRequest, "state must be pending or failed")
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	success(c, http.StatusOK, queueViews(items))
}
