package sendworker

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/outreach-hq/sequencer/internal/domain"
	"github.com/outreach-hq/sequencer/internal/queue"
)

func TestResolveThreadHeaders_FirstSendInSequence(t *testing.T) {
	h := resolveThreadHeaders(nil, "Hello there")

	if h.messageID == "" {
		t.Error("expected a generated Message-ID")
	}
	if !strings.HasPrefix(h.messageID, "<") || !strings.HasSuffix(h.messageID, ">") {
		t.Errorf("Message-ID %q is not angle-bracketed", h.messageID)
	}
	if h.inReplyTo != "" {
		t.Errorf("In-Reply-To = %q, want empty for the first send", h.inReplyTo)
	}
	if h.references != "" {
		t.Errorf("References = %q, want empty for the first send", h.references)
	}
	if h.subject != "Hello there" {
		t.Errorf("subject = %q, want passthrough for ASCII", h.subject)
	}
}

func TestResolveThreadHeaders_FollowUpReferencesPriorMessages(t *testing.T) {
	thread := &domain.EmailThread{
		RootMessageID:  "<root@sequencer.outreach-hq.local>",
		ReferenceChain: []string{"<root@sequencer.outreach-hq.local>", "<step2@sequencer.outreach-hq.local>"},
	}

	h := resolveThreadHeaders(thread, "Re: Hello there")

	if h.inReplyTo != "<step2@sequencer.outreach-hq.local>" {
		t.Errorf("In-Reply-To = %q, want the most recent chain entry", h.inReplyTo)
	}
	want := "<root@sequencer.outreach-hq.local> <step2@sequencer.outreach-hq.local>"
	if h.references != want {
		t.Errorf("References = %q, want %q", h.references, want)
	}
}

func TestResolveThreadHeaders_FollowUpWithNoChainFallsBackToRoot(t *testing.T) {
	thread := &domain.EmailThread{RootMessageID: "<root@sequencer.outreach-hq.local>"}

	h := resolveThreadHeaders(thread, "Re: Hello there")

	if h.inReplyTo != "<root@sequencer.outreach-hq.local>" {
		t.Errorf("In-Reply-To = %q, want root message id", h.inReplyTo)
	}
	if h.references != "<root@sequencer.outreach-hq.local>" {
		t.Errorf("References = %q, want root message id", h.references)
	}
}

func TestEncodeSubject_PassesThroughASCII(t *testing.T) {
	got := encodeSubject("Quick question about your rollout")
	if got != "Quick question about your rollout" {
		t.Errorf("encodeSubject() = %q, want unchanged ASCII subject", got)
	}
}

func TestEncodeSubject_RFC2047EncodesNonASCII(t *testing.T) {
	got := encodeSubject("Bonjour, ça va ?")
	if !strings.HasPrefix(got, "=?UTF-8?") {
		t.Errorf("encodeSubject() = %q, want an RFC 2047 encoded-word", got)
	}
}

func TestBuildRawMessage_IncludesThreadingHeaders(t *testing.T) {
	h := threadHeaders{
		messageID:  "<new@sequencer.outreach-hq.local>",
		inReplyTo:  "<prior@sequencer.outreach-hq.local>",
		references: "<root@sequencer.outreach-hq.local> <prior@sequencer.outreach-hq.local>",
		subject:    "Re: Hello",
	}

	raw, err := buildRawMessage("prospect@example.com", h, "<html><body>hi</body></html>")
	if err != nil {
		t.Fatalf("buildRawMessage() error = %v", err)
	}
	decoded := mustBase64URLDecode(t, raw)

	for _, want := range []string{
		"To: prospect@example.com",
		"Subject: Re: Hello",
		"Message-ID: <new@sequencer.outreach-hq.local>",
		"In-Reply-To: <prior@sequencer.outreach-hq.local>",
		"References: <root@sequencer.outreach-hq.local> <prior@sequencer.outreach-hq.local>",
		"Content-Type: text/html; charset=UTF-8",
	} {
		if !strings.Contains(decoded, want) {
			t.Errorf("raw message missing %q\ngot:\n%s", want, decoded)
		}
	}
}

func TestBuildRawMessage_OmitsThreadingHeadersWhenAbsent(t *testing.T) {
	h := threadHeaders{messageID: "<new@sequencer.outreach-hq.local>", subject: "Hello"}

	raw, err := buildRawMessage("prospect@example.com", h, "<html></html>")
	if err != nil {
		t.Fatalf("buildRawMessage() error = %v", err)
	}
	decoded := mustBase64URLDecode(t, raw)

	if strings.Contains(decoded, "In-Reply-To:") {
		t.Error("did not expect an In-Reply-To header on a first send")
	}
	if strings.Contains(decoded, "References:") {
		t.Error("did not expect a References header on a first send")
	}
}

func TestInjectTracking_AppendsPixelAndRewritesLinks(t *testing.T) {
	p := &Pool{TrackingBaseURL: "https://track.example.com"}
	body := `<html><body><p>See <a href="https://vendor.example.com/pricing">pricing</a>.</p></body></html>`

	html, links := p.injectTracking(body, "abc123")

	if len(links) != 1 {
		t.Fatalf("expected 1 tracked link, got %d", len(links))
	}
	if links[0].TargetURL != "https://vendor.example.com/pricing" {
		t.Errorf("TargetURL = %q, want the original link", links[0].TargetURL)
	}
	wantClickPrefix := "https://track.example.com/api/track/abc123/click?lid="
	if !strings.Contains(html, wantClickPrefix+links[0].LID) {
		t.Errorf("rewritten html missing tracked click url, got:\n%s", html)
	}
	wantPixel := `<img src="https://track.example.com/api/track/abc123.png" width="1" height="1" style="display:none" />`
	if !strings.Contains(html, wantPixel) {
		t.Errorf("rewritten html missing tracking pixel, got:\n%s", html)
	}
	if !strings.Contains(html, wantPixel+"</body>") {
		t.Error("expected the tracking pixel to be injected immediately before </body>")
	}
}

func TestInjectTracking_SkipsAlreadyTrackedLinks(t *testing.T) {
	p := &Pool{TrackingBaseURL: "https://track.example.com"}
	body := `<a href="https://track.example.com/api/track/abc123/click?lid=xyz">already tracked</a>`

	html, links := p.injectTracking(body, "abc123")

	if len(links) != 0 {
		t.Errorf("expected no new tracked links for an already-tracked href, got %d", len(links))
	}
	if !strings.Contains(html, `href="https://track.example.com/api/track/abc123/click?lid=xyz"`) {
		t.Error("already-tracked link should be left untouched")
	}
}

func TestStripTracking_RemovesPixelAndRevertsLinks(t *testing.T) {
	p := &Pool{TrackingBaseURL: "https://track.example.com"}
	link := domain.TrackedLink{ID: uuid.New(), LID: "xyz", TargetURL: "https://vendor.example.com/pricing"}
	tracked := `<html><body><a href="https://track.example.com/api/track/abc123/click?lid=xyz">pricing</a>` +
		`<img src="https://track.example.com/api/track/abc123.png" width="1" height="1" style="display:none" /></body></html>`

	untracked := p.stripTracking(tracked, "abc123", []domain.TrackedLink{link})

	if strings.Contains(untracked, "/api/track/") {
		t.Errorf("expected all tracking markup removed, got:\n%s", untracked)
	}
	if !strings.Contains(untracked, `href="https://vendor.example.com/pricing"`) {
		t.Errorf("expected the original link restored, got:\n%s", untracked)
	}
}

func TestFindStep_ReturnsFalseWhenStepWasDeleted(t *testing.T) {
	seq := &domain.Sequence{Steps: []domain.SequenceStep{{ID: uuid.New()}}}

	_, ok := findStep(seq, uuid.New())
	if ok {
		t.Error("expected findStep to report false for an id not present in the sequence")
	}
}

func TestFindStep_FindsExistingStep(t *testing.T) {
	stepID := uuid.New()
	seq := &domain.Sequence{Steps: []domain.SequenceStep{{ID: stepID, Subject: "Intro"}}}

	step, ok := findStep(seq, stepID)
	if !ok {
		t.Fatal("expected findStep to find the step")
	}
	if step.Subject != "Intro" {
		t.Errorf("Subject = %q, want %q", step.Subject, "Intro")
	}
}

func TestResolveRecipient_TestModeRedirectsToTestEmail(t *testing.T) {
	job := queue.EmailJob{To: "prospect@example.com", TestMode: true}
	if got := resolveRecipient(job, "qa@outreach-hq.local"); got != "qa@outreach-hq.local" {
		t.Errorf("resolveRecipient() = %q, want the configured test address", got)
	}
}

func TestResolveRecipient_TestModeWithoutConfiguredAddressFallsBackToReal(t *testing.T) {
	job := queue.EmailJob{To: "prospect@example.com", TestMode: true}
	if got := resolveRecipient(job, ""); got != "prospect@example.com" {
		t.Errorf("resolveRecipient() = %q, want the real recipient when TEST_EMAIL is unset", got)
	}
}

func TestResolveRecipient_NonTestModeUsesRealRecipient(t *testing.T) {
	job := queue.EmailJob{To: "prospect@example.com"}
	if got := resolveRecipient(job, "qa@outreach-hq.local"); got != "prospect@example.com" {
		t.Errorf("resolveRecipient() = %q, want the real recipient outside test mode", got)
	}
}

func mustBase64URLDecode(t *testing.T, s string) string {
	t.Helper()
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("base64 decode failed: %v", err)
	}
	return string(b)
}
