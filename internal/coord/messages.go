package coord

import (
	"context"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/projection"
)

// Outgoing is a message to send. Importance defaults to normal.
type Outgoing struct {
	From        string
	To          []string
	Subject     string
	Body        string
	ThreadID    string
	Importance  core.Importance
	AckRequired bool
}

// SendMessage records message_sent and returns the new message id.
func (c *Coordinator) SendMessage(ctx context.Context, msg Outgoing) (int64, error) {
	res, err := c.Append(ctx, &core.MessageSent{
		From:        msg.From,
		To:          msg.To,
		Subject:     msg.Subject,
		Body:        msg.Body,
		ThreadID:    msg.ThreadID,
		Importance:  msg.Importance,
		AckRequired: msg.AckRequired,
	})
	if err != nil {
		return 0, err
	}
	return res.Effect.MessageID, nil
}

// Inbox lists agent's messages newest first, 5 by default and at most 50.
func (c *Coordinator) Inbox(ctx context.Context, agent string, opts projection.InboxOptions) ([]core.InboxEntry, error) {
	return c.read.Inbox(ctx, c.project, agent, opts)
}

// ReadMessage records message_read. It fails with core.ErrNotFound when
// agent is not a recipient, and nothing is recorded.
func (c *Coordinator) ReadMessage(ctx context.Context, agent string, messageID int64) error {
	return c.appendOnly(ctx, &core.MessageRead{MessageID: messageID, Agent: agent})
}

// AckMessage records message_acked; it also marks the message read.
func (c *Coordinator) AckMessage(ctx context.Context, agent string, messageID int64) error {
	return c.appendOnly(ctx, &core.MessageAcked{MessageID: messageID, Agent: agent})
}

func (c *Coordinator) Message(ctx context.Context, id int64) (core.Message, error) {
	return c.read.Message(ctx, c.project, id)
}

// Thread returns a thread's messages oldest first.
func (c *Coordinator) Thread(ctx context.Context, threadID string) ([]core.Message, error) {
	return c.read.ThreadMessages(ctx, c.project, threadID)
}

func (c *Coordinator) RecipientStatus(ctx context.Context, messageID int64) ([]core.Recipient, error) {
	return c.read.RecipientStatus(ctx, c.project, messageID)
}
