// Package retry classifies SMTP outcomes and computes backoff
// schedules.
package retry

import (
	"errors"
	"net"
	"net/textproto"
	"os"
	"strings"

	"github.com/sony/gobreaker"
)

// Outcome is the result of one delivery attempt.
type Outcome int

const (
	Success Outcome = iota
	TransientFailure
	PermanentFailure
)

// String implements fmt.Stringer for logging.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Classification is the classifier's verdict plus a human-readable reason.
type Classification struct {
	Outcome         Outcome
	Reason          string
	NeedsAttention  bool // set for SMTP 535: permanent, but account needs attention
}

// Classify maps err (nil means DATA returned 2xx) to an Outcome, per
// the reply-code rules below.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Outcome: Success}
	}

	if isTransportError(err) {
		return Classification{Outcome: TransientFailure, Reason: err.Error()}
	}

	if code, ok := smtpCode(err); ok {
		switch {
		case code >= 200 && code < 300:
			return Classification{Outcome: Success}
		case code >= 400 && code < 500:
			return Classification{Outcome: TransientFailure, Reason: err.Error()}
		case code == 535:
			return Classification{Outcome: PermanentFailure, Reason: err.Error(), NeedsAttention: true}
		case code >= 500 && code < 600:
			return Classification{Outcome: PermanentFailure, Reason: err.Error()}
		}
	}

	if isAuthOrTLSError(err) {
		return Classification{Outcome: PermanentFailure, Reason: err.Error()}
	}

	// Unclassified errors (unexpected shapes) are treated as transient so
	// a single unexpected error variant cannot permanently fail a message.
	return Classification{Outcome: TransientFailure, Reason: err.Error()}
}

func isTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "eof")
}

func isAuthOrTLSError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "tls") ||
		strings.Contains(msg, "x509") ||
		strings.Contains(msg, "certificate") ||
		strings.Contains(msg, "auth")
}

// smtpCode extracts the three-digit SMTP reply code from err, if any.
// net/smtp surfaces protocol failures as *textproto.Error, whose Code
// field carries the reply code directly; other errors are parsed from
// their "NNN message" textual form as a fallback.
func smtpCode(err error) (int, bool) {
	var tpe *textproto.Error
	if errors.As(err, &tpe) {
		return tpe.Code, true
	}

	msg := err.Error()
	if len(msg) < 3 {
		return 0, false
	}
	code := 0
	for i := 0; i < 3; i++ {
		c := msg[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		code = code*10 + int(c-'0')
	}
	return code, true
}

// IsBreakerOpen reports whether err originated from a gobreaker circuit
// that is currently open, meaning the pool never even attempted to dial.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
