package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailroom/internal/mailqueue"
	"github.com/gotrs-io/mailroom/internal/models"
	"github.com/gotrs-io/mailroom/internal/notifications"
	"github.com/gotrs-io/mailroom/internal/repository"
)

func TestCreateTicket(t *testing.T) {
	ctx := context.Background()

	t.Run("ReplyIsQueuedWithoutAutoReply", func(t *testing.T) {
		f := newFixture(t, autoReplyOn)
		tk, msg, err := f.svc.CreateTicket(ctx, &CreateTicketRequest{
			MailboxID:     f.mb.ID,
			CustomerEmail: "New.Customer@Example.org",
			Subject:       "Your order",
			Body:          "Your order **shipped**.",
			Cc:            "boss@example.org",
			UserID:        7,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, tk.Number)
		assert.Equal(t, "new.customer@example.org", tk.CustomerEmail)
		assert.Nil(t, tk.OpenKey)
		require.NotNil(t, tk.CreatedByUserID)
		assert.Equal(t, int64(7), *tk.CreatedByUserID)

		assert.Equal(t, models.MessageReply, msg.Type)
		require.NotNil(t, msg.UserID)
		assert.Nil(t, msg.CustomerID)
		assert.Equal(t, "new.customer@example.org", msg.ToAddresses)
		require.NotNil(t, msg.ExternalID)

		stored := f.ticket(t, tk.ID)
		assert.Equal(t, models.ReplyFromUser, stored.LastReplyFrom)
		assert.Equal(t, 1, stored.ThreadsCount)

		items, err := mailqueue.NewRepository(f.db).ListByTicket(ctx, tk.ID)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, mailqueue.KindReply, items[0].Kind)
		assert.Equal(t, *msg.ExternalID, items[0].MessageID)
		assert.Equal(t, "new.customer@example.org,boss@example.org", items[0].Recipient)

		types := []notifications.EventType{}
		for _, e := range f.hub.Events() {
			types = append(types, e.Type)
		}
		assert.Equal(t, []notifications.EventType{notifications.EventTicketCreated, notifications.EventMessageAppended}, types)
		f.assertNoDrift(t)
	})

	t.Run("NoteQueuesNothing", func(t *testing.T) {
		f := newFixture(t, autoReplyOn)
		c, err := f.svc.Customers().Resolve(ctx, "jane@example.net", models.ProfileHints{})
		require.NoError(t, err)

		tk, msg, err := f.svc.CreateTicket(ctx, &CreateTicketRequest{
			MailboxID: f.mb.ID, CustomerID: c.ID, Subject: "Call notes", Body: "Called Jane.", Note: true, UserID: 7,
		})
		require.NoError(t, err)
		assert.Equal(t, "jane@example.net", tk.CustomerEmail)
		assert.Equal(t, models.MessageNote, msg.Type)
		assert.Nil(t, msg.ExternalID)
		assert.Empty(t, f.ticket(t, tk.ID).LastReplyFrom)
		assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM mail_queue`))
	})

	t.Run("MergedCustomerIsResolvedAgain", func(t *testing.T) {
		f := newFixture(t, nil)
		stale, err := f.svc.Customers().Resolve(ctx, "jane@example.net", models.ProfileHints{})
		require.NoError(t, err)
		target, err := f.svc.Customers().Resolve(ctx, "jane.doe@work.example", models.ProfileHints{})
		require.NoError(t, err)
		_, err = NewCustomerMergeService(f.db, f.hub, nil).Merge(ctx, stale.ID, target.ID)
		require.NoError(t, err)

		req := &CreateTicketRequest{MailboxID: f.mb.ID, Subject: "Call notes", Body: "Called Jane.", Note: true, UserID: 7}
		_, _, err = f.svc.openAgentTicket(ctx, f.mb, stale, "jane@example.net", models.MessageNote, "", req)
		assert.ErrorIs(t, err, errCustomerGone)
		assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM tickets`))

		req.CustomerEmail = "jane@example.net"
		tk, _, err := f.svc.CreateTicket(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, target.ID, tk.CustomerID)
		assert.Equal(t, "jane@example.net", tk.CustomerEmail)
	})

	t.Run("Validation", func(t *testing.T) {
		f := newFixture(t, nil)
		_, _, err := f.svc.CreateTicket(ctx, &CreateTicketRequest{MailboxID: 999, CustomerEmail: "a@b.c", Body: "x", UserID: 1})
		assert.ErrorIs(t, err, ErrMailboxNotFound)
		_, _, err = f.svc.CreateTicket(ctx, &CreateTicketRequest{MailboxID: f.mb.ID, CustomerID: 999, Body: "x", UserID: 1})
		assert.ErrorIs(t, err, ErrCustomerNotFound)
		_, _, err = f.svc.CreateTicket(ctx, &CreateTicketRequest{MailboxID: f.mb.ID, CustomerEmail: "nope", Body: "x", UserID: 1})
		assert.Error(t, err)
		_, _, err = f.svc.CreateTicket(ctx, &CreateTicketRequest{MailboxID: f.mb.ID, CustomerEmail: "a@b.c", Body: " ", UserID: 1})
		assert.ErrorIs(t, err, ErrInvalidMessage)
		assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM tickets`))
	})
}

func TestReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, autoReplyOn)
	first := f.ingest(t, janeMessage("m1@example.net"))
	f.hub.Consume()

	note, err := f.svc.Reply(ctx, &ReplyRequest{TicketID: first.Ticket.ID, Body: "Checked the printer.", Type: models.MessageNote, UserID: 3})
	require.NoError(t, err)
	assert.Equal(t, models.MessageNote, note.Type)
	stored := f.ticket(t, first.Ticket.ID)
	assert.Equal(t, models.ReplyFromCustomer, stored.LastReplyFrom)
	assert.Equal(t, 2, stored.ThreadsCount)
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM mail_queue WHERE kind = 'reply'`))

	reply, err := f.svc.Reply(ctx, &ReplyRequest{TicketID: first.Ticket.ID, Body: "We sent a technician.", UserID: 3})
	require.NoError(t, err)
	assert.Equal(t, models.MessageReply, reply.Type)
	assert.Equal(t, "m1@example.net", reply.InReplyTo)
	stored = f.ticket(t, first.Ticket.ID)
	assert.Equal(t, models.ReplyFromUser, stored.LastReplyFrom)
	assert.Equal(t, 3, stored.ThreadsCount)

	items, err := mailqueue.NewRepository(f.db).ListByTicket(ctx, first.Ticket.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, mailqueue.KindReply, items[1].Kind)
	assert.Contains(t, string(items[1].RawMessage), "<m1@example.net>")

	// The customer answers the agent reply.
	answer := &InboundMessage{
		MessageID: "m2@example.net",
		InReplyTo: "<" + *reply.ExternalID + ">",
		From:      "jane@example.net",
		Subject:   "Re: Printer on fire",
		Body:      "Thanks!",
	}
	res := f.ingest(t, answer)
	assert.Equal(t, first.Ticket.ID, res.Ticket.ID)
	assert.Nil(t, res.AutoReply)

	events := f.hub.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, notifications.EventMessageAppended, events[0].Type)
	assert.Equal(t, "note", events[0].Field)

	_, err = f.svc.Reply(ctx, &ReplyRequest{TicketID: first.Ticket.ID, Body: "x", Type: models.MessageCustomer, UserID: 3})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = f.svc.Reply(ctx, &ReplyRequest{TicketID: 999, Body: "x", UserID: 3})
	assert.ErrorIs(t, err, ErrTicketNotFound)
}

func TestTicketMutations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	a := f.ingest(t, janeMessage("m1@example.net"))
	bob := janeMessage("m2@example.net")
	bob.From = "bob@example.org"
	b := f.ingest(t, bob)
	f.hub.Consume()

	t.Run("Status", func(t *testing.T) {
		tk, err := f.svc.ChangeStatus(ctx, a.Ticket.ID, models.StatusClosed)
		require.NoError(t, err)
		assert.NotNil(t, tk.ClosedAt)
		inbox := f.folder(t, models.FolderInbox)
		assert.Equal(t, 1, inbox.ActiveCount)
		assert.Equal(t, 2, inbox.TotalCount)

		_, err = f.svc.ChangeStatus(ctx, a.Ticket.ID, "archived")
		assert.ErrorIs(t, err, ErrInvalidTransition)

		tk, err = f.svc.ChangeStatus(ctx, a.Ticket.ID, models.StatusActive)
		require.NoError(t, err)
		assert.Nil(t, tk.ClosedAt)
		f.assertNoDrift(t)
	})

	t.Run("Assignee", func(t *testing.T) {
		user := int64(5)
		tk, err := f.svc.ChangeAssignee(ctx, b.Ticket.ID, &user)
		require.NoError(t, err)
		require.NotNil(t, tk.AssigneeID)

		views, err := f.svc.folders.Views(ctx, f.db, f.mb.ID, user)
		require.NoError(t, err)
		byType := map[models.FolderType]int{}
		for _, v := range views {
			byType[v.Type] = v.TotalCount
		}
		assert.Equal(t, 1, byType[models.FolderMine])
		assert.Equal(t, 1, byType[models.FolderAssigned])

		tk, err = f.svc.ChangeAssignee(ctx, b.Ticket.ID, nil)
		require.NoError(t, err)
		assert.Nil(t, tk.AssigneeID)
	})

	t.Run("Folder", func(t *testing.T) {
		_, err := f.svc.ChangeFolder(ctx, b.Ticket.ID, models.FolderSpam)
		require.NoError(t, err)
		spam := f.folder(t, models.FolderSpam)
		assert.Equal(t, 1, spam.ActiveCount)
		assert.Equal(t, 1, spam.TotalCount)
		assert.Equal(t, 1, f.folder(t, models.FolderInbox).TotalCount)

		_, err = f.svc.ChangeFolder(ctx, b.Ticket.ID, models.FolderStarred)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		f.assertNoDrift(t)
	})

	t.Run("SoftDelete", func(t *testing.T) {
		require.NoError(t, f.svc.SoftDelete(ctx, b.Ticket.ID))
		require.NoError(t, f.svc.SoftDelete(ctx, b.Ticket.ID))

		spam := f.folder(t, models.FolderSpam)
		assert.Zero(t, spam.ActiveCount)
		assert.Zero(t, spam.TotalCount)

		_, err := f.svc.GetTicket(ctx, b.Ticket.ID)
		assert.ErrorIs(t, err, ErrTicketNotFound)
		_, err = f.svc.ChangeStatus(ctx, b.Ticket.ID, models.StatusClosed)
		assert.ErrorIs(t, err, ErrTicketDeleted)
		assert.Zero(t, f.count(t, `SELECT COUNT(*) FROM threads WHERE ticket_id = ? AND state <> 'deleted'`, b.Ticket.ID))

		list, err := f.svc.ListTickets(ctx, f.mb.ID, repository.ListFilter{})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, a.Ticket.ID, list[0].ID)

		// A reply to the deleted conversation starts a new one.
		again := janeMessage("m3@example.org")
		again.From = "bob@example.org"
		again.InReplyTo = "m2@example.net"
		res := f.ingest(t, again)
		assert.Equal(t, OutcomeCreated, res.Outcome)
		f.assertNoDrift(t)
	})

	t.Run("Events", func(t *testing.T) {
		fields := map[string]int{}
		for _, e := range f.hub.Events() {
			if e.Type == notifications.EventTicketUpdated {
				fields[e.Field]++
			}
		}
		assert.Equal(t, 2, fields["status"])
		assert.Equal(t, 2, fields["assignee"])
		assert.Equal(t, 1, fields["folder"])
		assert.Equal(t, 1, fields["state"])
	})
}

func TestEditMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	res := f.ingest(t, janeMessage("m1@example.net"))

	m, err := f.svc.EditMessage(ctx, res.Message.ID, "It was a toaster.", 4)
	require.NoError(t, err)
	assert.Equal(t, "It was a toaster.", m.Body)
	require.NotNil(t, m.OriginalBody)
	assert.Equal(t, "It is still burning.", *m.OriginalBody)
	require.NotNil(t, m.EditedByUserID)
	assert.Equal(t, int64(4), *m.EditedByUserID)
	assert.NotNil(t, m.EditedAt)

	m, err = f.svc.EditMessage(ctx, res.Message.ID, "Second edit.", 4)
	require.NoError(t, err)
	assert.Equal(t, "It is still burning.", *m.OriginalBody)

	_, err = f.svc.EditMessage(ctx, 999, "x", 4)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}
