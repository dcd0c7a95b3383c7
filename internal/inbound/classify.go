package inbound

import (
	"net/mail"
	"strings"

	"google.golang.org/api/gmail/v1"
)

// parsedMessage is the subset of a Gmail message's metadata the
// classification rules of spec §4.8 need, extracted once per message
// so the rules themselves stay pure and easy to test. Grounded on
// jhjaggars-package-tracking's parseGmailMessage/parseGmailMessageMetadata
// header-loop pattern.
type parsedMessage struct {
	id              string
	threadID        string
	labels          []string
	from            string
	contentType     string
	messageID       string
	inReplyTo       string
	references      []string
	failedRecipient string
}

func parseMessage(msg *gmail.Message) parsedMessage {
	pm := parsedMessage{id: msg.Id, threadID: msg.ThreadId, labels: msg.LabelIds}
	if msg.Payload == nil {
		return pm
	}
	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			pm.from = h.Value
		case "content-type":
			pm.contentType = h.Value
		case "message-id":
			pm.messageID = h.Value
		case "in-reply-to":
			pm.inReplyTo = h.Value
		case "references":
			pm.references = strings.Fields(h.Value)
		case "x-failed-recipients":
			pm.failedRecipient = h.Value
		}
	}
	return pm
}

func hasLabel(labels []string, name string) bool {
	for _, l := range labels {
		if l == name {
			return true
		}
	}
	return false
}

// fromAddress extracts the bare email address out of a From header that
// may be in either "addr" or "Display Name <addr>" form.
func fromAddress(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.TrimSpace(from))
}

// shouldSkip applies spec §4.8's reply-classification early-return
// rules: a message still sitting in Drafts or that we ourselves sent
// (From == the connected mailbox) is never itself a reply or bounce
// signal.
func shouldSkip(pm parsedMessage, ownerEmail string) bool {
	if hasLabel(pm.labels, "DRAFT") || hasLabel(pm.labels, "SENT") {
		return true
	}
	return fromAddress(pm.from) == strings.ToLower(ownerEmail)
}

// isBounce recognizes the standard delivery-failure signals spec §4.8
// lists: an X-Failed-Recipients header, a multipart/report Content-Type
// (the MDN/DSN wire format), or a Mailer-Daemon sender.
func isBounce(pm parsedMessage) bool {
	if pm.failedRecipient != "" {
		return true
	}
	if strings.Contains(strings.ToLower(pm.contentType), "multipart/report") {
		return true
	}
	return strings.Contains(fromAddress(pm.from), "mailer-daemon")
}

// referencedMessageIDs returns every Message-ID this message points
// back to, References first (oldest to newest) then In-Reply-To if it
// wasn't already the last entry of References (the common case where
// they're identical).
func referencedMessageIDs(pm parsedMessage) []string {
	refs := pm.references
	if pm.inReplyTo == "" {
		return refs
	}
	if len(refs) > 0 && refs[len(refs)-1] == pm.inReplyTo {
		return refs
	}
	return append(append([]string{}, refs...), pm.inReplyTo)
}

// lastReference returns the most recent Message-ID this message
// references, used for the secondary open-classification signal.
func lastReference(pm parsedMessage) string {
	refs := referencedMessageIDs(pm)
	if len(refs) == 0 {
		return ""
	}
	return refs[len(refs)-1]
}

// collectMessageIDs extracts every distinct message id touched by one
// history.list record, across both requested history types.
func collectMessageIDs(h *gmail.History) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(m *gmail.Message) {
		if m == nil || m.Id == "" || seen[m.Id] {
			return
		}
		seen[m.Id] = true
		ids = append(ids, m.Id)
	}
	for _, a := range h.MessagesAdded {
		add(a.Message)
	}
	for _, a := range h.LabelsAdded {
		add(a.Message)
	}
	return ids
}
