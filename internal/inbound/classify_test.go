package inbound

import (
	"testing"

	"google.golang.org/api/gmail/v1"
)

func header(name, value string) *gmail.MessagePartHeader {
	return &gmail.MessagePartHeader{Name: name, Value: value}
}

func TestParseMessage_ExtractsHeaders(t *testing.T) {
	msg := &gmail.Message{
		Id:       "msg-1",
		ThreadId: "thread-1",
		LabelIds: []string{"INBOX"},
		Payload: &gmail.MessagePart{
			Headers: []*gmail.MessagePartHeader{
				header("From", "Prospect <prospect@example.com>"),
				header("Content-Type", "text/plain"),
				header("Message-ID", "<reply@example.com>"),
				header("In-Reply-To", "<root@sequencer.outreach-hq.local>"),
				header("References", "<root@sequencer.outreach-hq.local> <step2@sequencer.outreach-hq.local>"),
			},
		},
	}

	pm := parseMessage(msg)

	if pm.id != "msg-1" || pm.threadID != "thread-1" {
		t.Fatalf("unexpected id/threadID: %+v", pm)
	}
	if pm.from != "Prospect <prospect@example.com>" {
		t.Errorf("from = %q", pm.from)
	}
	if len(pm.references) != 2 {
		t.Errorf("references = %v, want 2 entries", pm.references)
	}
	if pm.inReplyTo != "<root@sequencer.outreach-hq.local>" {
		t.Errorf("inReplyTo = %q", pm.inReplyTo)
	}
}

func TestShouldSkip_DraftLabel(t *testing.T) {
	pm := parsedMessage{labels: []string{"DRAFT"}, from: "rep@example.com"}
	if !shouldSkip(pm, "rep@example.com") {
		t.Error("expected a DRAFT-labeled message to be skipped")
	}
}

func TestShouldSkip_SentLabel(t *testing.T) {
	pm := parsedMessage{labels: []string{"SENT"}, from: "rep@example.com"}
	if !shouldSkip(pm, "rep@example.com") {
		t.Error("expected a SENT-labeled message to be skipped")
	}
}

func TestShouldSkip_FromOwnerMailbox(t *testing.T) {
	pm := parsedMessage{from: "Rep Name <Rep@Example.com>"}
	if !shouldSkip(pm, "rep@example.com") {
		t.Error("expected a message From the connected mailbox itself to be skipped")
	}
}

func TestShouldSkip_GenuineInboundReplyNotSkipped(t *testing.T) {
	pm := parsedMessage{labels: []string{"INBOX"}, from: "prospect@example.com"}
	if shouldSkip(pm, "rep@example.com") {
		t.Error("did not expect a genuine inbound reply to be skipped")
	}
}

func TestIsBounce_XFailedRecipientsHeader(t *testing.T) {
	pm := parsedMessage{failedRecipient: "prospect@example.com"}
	if !isBounce(pm) {
		t.Error("expected an X-Failed-Recipients header to classify as a bounce")
	}
}

func TestIsBounce_MultipartReportContentType(t *testing.T) {
	pm := parsedMessage{contentType: `multipart/report; report-type=delivery-status; boundary="x"`}
	if !isBounce(pm) {
		t.Error("expected a multipart/report Content-Type to classify as a bounce")
	}
}

func TestIsBounce_MailerDaemonFrom(t *testing.T) {
	pm := parsedMessage{from: "Mail Delivery Subsystem <mailer-daemon@example.com>"}
	if !isBounce(pm) {
		t.Error("expected a Mailer-Daemon sender to classify as a bounce")
	}
}

func TestIsBounce_OrdinaryReplyIsNotABounce(t *testing.T) {
	pm := parsedMessage{from: "prospect@example.com", contentType: "text/plain"}
	if isBounce(pm) {
		t.Error("did not expect an ordinary reply to classify as a bounce")
	}
}

func TestReferencedMessageIDs_AppendsInReplyToWhenDistinct(t *testing.T) {
	pm := parsedMessage{
		references: []string{"<root@x>"},
		inReplyTo:  "<distinct@x>",
	}
	got := referencedMessageIDs(pm)
	want := []string{"<root@x>", "<distinct@x>"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("referencedMessageIDs() = %v, want %v", got, want)
	}
}

func TestReferencedMessageIDs_DoesNotDuplicateInReplyTo(t *testing.T) {
	pm := parsedMessage{
		references: []string{"<root@x>", "<step2@x>"},
		inReplyTo:  "<step2@x>",
	}
	got := referencedMessageIDs(pm)
	if len(got) != 2 {
		t.Errorf("referencedMessageIDs() = %v, want no duplicate of the trailing reference", got)
	}
}

func TestLastReference_PrefersMostRecentReference(t *testing.T) {
	pm := parsedMessage{references: []string{"<root@x>", "<step2@x>"}}
	if got := lastReference(pm); got != "<step2@x>" {
		t.Errorf("lastReference() = %q, want <step2@x>", got)
	}
}

func TestLastReference_FallsBackToInReplyTo(t *testing.T) {
	pm := parsedMessage{inReplyTo: "<root@x>"}
	if got := lastReference(pm); got != "<root@x>" {
		t.Errorf("lastReference() = %q, want <root@x>", got)
	}
}

func TestCollectMessageIDs_DedupesAcrossHistoryTypes(t *testing.T) {
	h := &gmail.History{
		MessagesAdded: []*gmail.HistoryMessageAdded{
			{Message: &gmail.Message{Id: "a"}},
			{Message: &gmail.Message{Id: "b"}},
		},
		LabelsAdded: []*gmail.HistoryLabelAdded{
			{Message: &gmail.Message{Id: "b"}},
			{Message: &gmail.Message{Id: "c"}},
		},
	}

	got := collectMessageIDs(h)
	if len(got) != 3 {
		t.Errorf("collectMessageIDs() = %v, want 3 distinct ids", got)
	}
}
