// Package mailbox abstracts the source of shipment notification emails.
// The scanner only needs sender, subject and body; where the messages come
// from (a spool directory, an IMAP bridge) is an implementation detail.
package mailbox

import (
	"context"
	"time"
)

type Message struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Reader returns messages not yet handed out, oldest first, up to limit.
// A message is handed out exactly once per Reader lifetime.
type Reader interface {
	Fetch(ctx context.Context, limit int) ([]Message, error)
}
