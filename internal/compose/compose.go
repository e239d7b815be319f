// Package compose builds the RFC 5322 wire form of a queued message:
// encoded headers, the X-Mail-ID correlation header, and the multipart
// structure for attachments and plain+html bodies.
package compose

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/elemta-relay/relaycore/internal/attachment"
	"github.com/elemta-relay/relaycore/internal/store"
)

// HeaderMailID carries the message's surrogate key so later bounce
// processing can correlate a DSN back to the queue row.
const HeaderMailID = "X-Mail-ID"

// Build renders msg plus its resolved attachments into a complete
// message ready for SMTP DATA. Exactly one X-Mail-ID header is
// emitted, holding the surrogate key.
func Build(msg store.Message, attachments []attachment.Resolved, now time.Time) ([]byte, error) {
	var buf bytes.Buffer

	p := msg.Payload

	writeHeader(&buf, "From", p.From)
	writeHeader(&buf, "To", strings.Join(p.To, ", "))
	if len(p.Cc) > 0 {
		writeHeader(&buf, "Cc", strings.Join(p.Cc, ", "))
	}
	if p.ReplyTo != "" {
		writeHeader(&buf, "Reply-To", p.ReplyTo)
	}
	returnPath := p.ReturnPath
	if returnPath == "" {
		returnPath = p.From
	}
	writeHeader(&buf, "Return-Path", "<"+returnPath+">")
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", p.Subject))
	writeHeader(&buf, "Date", now.UTC().Format(time.RFC1123Z))
	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, HeaderMailID, msg.PK)

	// Custom headers in a stable order; reserved names cannot be
	// overridden by the caller.
	names := make([]string, 0, len(p.Headers))
	for name := range p.Headers {
		if isReservedHeader(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeHeader(&buf, name, mime.QEncoding.Encode("utf-8", p.Headers[name]))
	}

	if len(attachments) == 0 && p.AltHTML == "" {
		writeBodyOnly(&buf, p)
		return buf.Bytes(), nil
	}

	if len(attachments) == 0 {
		// plain + html with no attachments: top level is the
		// alternative itself.
		aw := multipart.NewWriter(&buf)
		writeHeader(&buf, "Content-Type", `multipart/alternative; boundary=`+aw.Boundary())
		buf.WriteString("\r\n")
		if err := writeAlternative(aw, p); err != nil {
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("compose: close alternative: %w", err)
		}
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", `multipart/mixed; boundary=`+mw.Boundary())
	buf.WriteString("\r\n")

	if p.AltHTML != "" {
		var altBuf bytes.Buffer
		aw := multipart.NewWriter(&altBuf)
		if err := writeAlternative(aw, p); err != nil {
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("compose: close alternative: %w", err)
		}
		altWrap := textproto.MIMEHeader{}
		altWrap.Set("Content-Type", `multipart/alternative; boundary=`+aw.Boundary())
		part, err := mw.CreatePart(altWrap)
		if err != nil {
			return nil, fmt.Errorf("compose: alternative wrapper: %w", err)
		}
		part.Write(altBuf.Bytes())
	} else {
		bodyHeader := textproto.MIMEHeader{}
		bodyHeader.Set("Content-Type", bodyContentType(p.ContentType))
		bodyHeader.Set("Content-Transfer-Encoding", "base64")
		part, err := mw.CreatePart(bodyHeader)
		if err != nil {
			return nil, fmt.Errorf("compose: body part: %w", err)
		}
		writeBase64(part, []byte(p.Body))
	}

	for _, a := range attachments {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", a.MimeType)
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-Disposition", fmt.Sprintf("attachment; filename*=UTF-8''%s", url.PathEscape(a.Filename)))
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("compose: attachment part %q: %w", a.Filename, err)
		}
		writeBase64(part, a.Bytes)
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("compose: close multipart: %w", err)
	}
	return buf.Bytes(), nil
}

// Recipients flattens to/cc/bcc into the envelope recipient set. Bcc
// never appears in the rendered headers, only in RCPT commands.
func Recipients(p store.Payload) []string {
	out := make([]string, 0, len(p.To)+len(p.Cc)+len(p.Bcc))
	out = append(out, p.To...)
	out = append(out, p.Cc...)
	out = append(out, p.Bcc...)
	return out
}

// writeAlternative emits the text/plain part followed by text/html,
// least-preferred first per RFC 2046.
func writeAlternative(aw *multipart.Writer, p store.Payload) error {
	plainHeader := textproto.MIMEHeader{}
	plainHeader.Set("Content-Type", `text/plain; charset=utf-8`)
	plainHeader.Set("Content-Transfer-Encoding", "base64")
	part, err := aw.CreatePart(plainHeader)
	if err != nil {
		return fmt.Errorf("compose: plain part: %w", err)
	}
	writeBase64(part, []byte(p.Body))

	htmlHeader := textproto.MIMEHeader{}
	htmlHeader.Set("Content-Type", `text/html; charset=utf-8`)
	htmlHeader.Set("Content-Transfer-Encoding", "base64")
	part, err = aw.CreatePart(htmlHeader)
	if err != nil {
		return fmt.Errorf("compose: html part: %w", err)
	}
	writeBase64(part, []byte(p.AltHTML))
	return nil
}

func bodyContentType(ct store.ContentType) string {
	if ct == store.ContentHTML {
		return `text/html; charset=utf-8`
	}
	return `text/plain; charset=utf-8`
}

func writeBodyOnly(buf *bytes.Buffer, p store.Payload) {
	writeHeader(buf, "Content-Type", bodyContentType(p.ContentType))
	writeHeader(buf, "Content-Transfer-Encoding", "base64")
	buf.WriteString("\r\n")
	writeBase64(buf, []byte(p.Body))
}

type byteWriter interface {
	Write(p []byte) (int, error)
}

// writeBase64 emits data base64-encoded in RFC 2045 76-column lines.
func writeBase64(w byteWriter, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 0 {
		n := 76
		if len(encoded) < n {
			n = len(encoded)
		}
		w.Write([]byte(encoded[:n]))
		w.Write([]byte("\r\n"))
		encoded = encoded[n:]
	}
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func isReservedHeader(name string) bool {
	switch textproto.CanonicalMIMEHeaderKey(name) {
	case "From", "To", "Cc", "Bcc", "Subject", "Date", "Mime-Version",
		"Content-Type", "Content-Transfer-Encoding", HeaderMailID, "Return-Path", "Reply-To":
		return true
	}
	return false
}
