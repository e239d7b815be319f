package smtppool

import (
	"context"
	"fmt"
	"time"
)

// Send drives one MAIL/RCPT/DATA transaction on a leased session. Each
// protocol command runs under cmdTimeout via the connection deadline,
// and ctx cancellation aborts between commands. Any error leaves the
// session in a state the caller must treat as unhealthy on Release.
func (s *Session) Send(ctx context.Context, from string, rcpts []string, data []byte, cmdTimeout time.Duration) error {
	deadline := func() {
		if cmdTimeout > 0 {
			s.conn.SetDeadline(time.Now().Add(cmdTimeout))
		}
	}
	defer s.conn.SetDeadline(time.Time{})

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline()
	if err := s.client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}

	for _, rcpt := range rcpts {
		if err := ctx.Err(); err != nil {
			return err
		}
		deadline()
		if err := s.client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	deadline()
	w, err := s.client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("DATA write: %w", err)
	}
	// Close flushes the terminating dot and reads the final reply; the
	// 2xx here is the acknowledgement that makes the send observable.
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}

	s.lastUsedAt = time.Now()
	return nil
}
