package connector

import (
	"context"
	"fmt"
)

// remoteMessage identifies one message waiting on the server.
type remoteMessage struct {
	// UID is stable across sessions: the IMAP UID or the POP3 UIDL.
	UID string
	// seq addresses the message within the current session.
	seq  uint32
	size int64
}

// session is one authenticated connection to a maildrop. drain walks it;
// the protocol files only say how to list, read and acknowledge.
type session interface {
	// pending lists waiting messages, oldest first.
	pending(ctx context.Context) ([]remoteMessage, error)
	retrieve(ctx context.Context, m remoteMessage) (*FetchedMessage, error)
	// ack records that m was handled; it must not be offered again.
	ack(ctx context.Context, m remoteMessage) error
	// finish commits the acks (expunge, QUIT) and ends the session.
	finish(ctx context.Context, acked []remoteMessage) error
}

// drain hands up to limit pending messages to handler and acknowledges the
// ones it accepts. Handler errors skip the message; protocol errors and
// cancellation stop the walk. finish always runs once pending was asked.
func drain(ctx context.Context, s session, account Account, limit int, handler Handler) (err error) {
	var acked []remoteMessage
	defer func() {
		// Acks already sent stay valid even when the walk broke off.
		if ferr := s.finish(context.WithoutCancel(ctx), acked); err == nil {
			err = ferr
		}
	}()

	msgs, err := s.pending(ctx)
	if err != nil {
		return err
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}

	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := s.retrieve(ctx, m)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		msg.RemoteID = buildRemoteID(account, m.UID)
		msg.WithAccount(account)
		if err := handler.Handle(ctx, msg); err != nil {
			continue
		}
		if err := s.ack(ctx, m); err != nil {
			return fmt.Errorf("ack %s: %w", m.UID, err)
		}
		acked = append(acked, m)
	}
	return nil
}

func buildRemoteID(account Account, uid string) string {
	if account.Username == "" {
		return fmt.Sprintf("%s:%s", account.Host, uid)
	}
	return fmt.Sprintf("%s@%s:%s", account.Username, account.Host, uid)
}
