package runs

import (
	"context"

	"github.com/nats-io/nats.go"
)

// ConnRequester adapts a core NATS connection to the Requester interface.
type ConnRequester struct {
	Conn *nats.Conn
}

// Request implements Requester.
func (r ConnRequester) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := r.Conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}
