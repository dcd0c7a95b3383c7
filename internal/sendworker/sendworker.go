// Package sendworker is the email-send worker pool of spec §4.5: it
// claims due rows from the email job queue, resolves RFC 5322 thread
// headers, injects tracked HTML (open pixel + rewritten links), sends
// through the Gmail API, and rewrites the sent-folder copy to an
// untracked mirror. Grounded on the teacher's
// internal/worker/send_worker.go claim-batch worker pool, adapted from
// ESP-send semantics to Gmail's users.messages API, and on
// internal/mailing/tracking.go's replaceLinks scan for the tracked-link
// rewrite, adapted to per-link persisted ids instead of stateless
// HMAC-encoded URLs.
package sendworker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/outreach-hq/sequencer/internal/domain"
	"github.com/outreach-hq/sequencer/internal/gmailclient"
	"github.com/outreach-hq/sequencer/internal/pkg/logger"
	"github.com/outreach-hq/sequencer/internal/queue"
	"github.com/outreach-hq/sequencer/internal/ratelimit"
	"github.com/outreach-hq/sequencer/internal/store"
)

// sentFolderRewriteDelay is spec §4.5's "delay of at least 1s" before
// the untracked sent-folder mirror is built, giving Gmail time to index
// the just-sent message so users.messages.get can retrieve it.
const sentFolderRewriteDelay = time.Second

// sentFolderRewriteRetries bounds the "bounded retry up to 3x1s" spec
// §4.5 allows for the sent-folder rewrite once it starts.
const sentFolderRewriteRetries = 3

// messageIDDomain is the right-hand side of the locally generated RFC
// 5322 Message-ID we stamp on every outbound message.
const messageIDDomain = "sequencer.outreach-hq.local"

// Pool claims and sends due email_jobs rows, mirroring the teacher's
// SendWorkerPool shape: a fixed number of goroutines each looping
// claim-batch -> process -> sleep-if-empty.
type Pool struct {
	Emails    *queue.EmailQueue
	Sequences store.SequenceStore
	Contacts  store.SequenceContactStore
	Tracking  store.TrackingStore
	Gmail     *gmailclient.Factory
	Limiter   *ratelimit.Limiter
	NumWorkers int
	BatchSize  int
	PollInterval time.Duration

	// TrackingBaseURL is the externally reachable origin the tracking
	// pixel and click-redirect URLs are built against, e.g.
	// "https://track.example.com".
	TrackingBaseURL string

	// TestEmail is the fixed mailbox every job with TestMode set is
	// redirected to instead of its real recipient, per spec §6's
	// TEST_EMAIL environment variable.
	TestEmail string

	Clock func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	totalSent   int64
	totalFailed int64
}

// New builds a send worker Pool. Unlike the teacher's TrackingService,
// which bakes an HMAC-signed payload into the tracking URL itself, the
// tracking hash and link ids here are opaque lookup keys: the
// redirector verifies them against store.TrackingStore rather than a
// signature, so no signing key is needed at this layer.
func New(emails *queue.EmailQueue, sequences store.SequenceStore, contacts store.SequenceContactStore, tracking store.TrackingStore, gm *gmailclient.Factory, limiter *ratelimit.Limiter, trackingBaseURL string) *Pool {
	return &Pool{
		Emails:          emails,
		Sequences:       sequences,
		Contacts:        contacts,
		Tracking:        tracking,
		Gmail:           gm,
		Limiter:         limiter,
		NumWorkers:      4,
		BatchSize:       25,
		PollInterval:    2 * time.Second,
		TrackingBaseURL: trackingBaseURL,
		Clock:           time.Now,
	}
}

// Start launches NumWorkers claim loops.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	n := p.NumWorkers
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop signals every worker to exit and waits for them to drain.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Stats returns lifetime sent/failed counters.
func (p *Pool) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":   atomic.LoadInt64(&p.totalSent),
		"total_failed": atomic.LoadInt64(&p.totalFailed),
	}
}

func (p *Pool) worker(ctx context.Context, workerNum int) {
	defer p.wg.Done()
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = 25
	}
	pollInterval := p.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobs, err := p.Emails.ClaimBatch(ctx, batchSize)
		if err != nil {
			logger.Warn("sendworker: claim batch failed", "worker", workerNum, "error", err.Error())
			time.Sleep(time.Second)
			continue
		}
		if len(jobs) == 0 {
			time.Sleep(pollInterval)
			continue
		}

		for _, job := range jobs {
			if err := p.processJob(ctx, job); err != nil {
				logger.Warn("sendworker: process job failed", "worker", workerNum, "job_id", job.ID.String(), "error", err.Error())
			}
		}
	}
}

// processJob runs spec §4.5's send pipeline for one claimed job and
// finalizes the job row (done, retried, or exhausted) accordingly.
func (p *Pool) processJob(ctx context.Context, job queue.EmailJob) error {
	seq, err := p.Sequences.Get(ctx, job.SequenceID)
	if err != nil {
		return p.failJob(ctx, job, fmt.Errorf("load sequence: %w", err))
	}
	step, ok := findStep(seq, job.StepID)
	if !ok {
		// The step was deleted after the job was enqueued; there is
		// nothing left to send, so drop the job rather than retry it
		// forever.
		return p.Emails.MarkDone(ctx, job.ID)
	}

	thread, err := p.Tracking.GetThread(ctx, job.SequenceID, job.ContactID)
	if err != nil && err != domain.ErrNotFound {
		return p.failJob(ctx, job, fmt.Errorf("load thread: %w", err))
	}
	if err == domain.ErrNotFound {
		thread = nil
	}

	headers := resolveThreadHeaders(thread, job.Subject)

	html, links := p.injectTracking(step.HTMLContent, headers.trackingHash)

	raw, err := buildRawMessage(resolveRecipient(job, p.TestEmail), headers, html)
	if err != nil {
		return p.failJob(ctx, job, fmt.Errorf("build message: %w", err))
	}

	msg := &gmail.Message{Raw: raw}
	if job.ThreadID != "" {
		msg.ThreadId = job.ThreadID
	}

	var sent *gmail.Message
	err = p.Gmail.Do(ctx, job.UserID, func(svc *gmail.Service) error {
		var sendErr error
		sent, sendErr = svc.Users.Messages.Send("me", msg).Context(ctx).Do()
		return sendErr
	})
	if err != nil {
		if err == domain.ErrTokenExpired {
			return p.failJob(ctx, job, err)
		}
		return p.failJob(ctx, job, fmt.Errorf("gmail send: %w", err))
	}

	now := p.Clock().UTC()
	tracking := domain.EmailTracking{
		ID:             uuid.New(),
		Hash:           headers.trackingHash,
		SequenceID:     job.SequenceID,
		ContactID:      job.ContactID,
		StepID:         job.StepID,
		GmailMessageID: sent.Id,
		GmailThreadID:  sent.ThreadId,
		SentAt:         now,
	}
	if err := p.Tracking.CreateTracking(ctx, tracking); err != nil {
		logger.Warn("sendworker: persist tracking row failed", "job_id", job.ID.String(), "error", err.Error())
	}
	for _, l := range links {
		l.TrackingID = tracking.ID
		if err := p.Tracking.CreateTrackedLink(ctx, l); err != nil {
			logger.Warn("sendworker: persist tracked link failed", "job_id", job.ID.String(), "error", err.Error())
		}
	}
	if _, err := p.Tracking.AppendEvent(ctx, domain.EmailEvent{
		ID:             uuid.New(),
		SequenceID:     job.SequenceID,
		ContactID:      job.ContactID,
		EventType:      domain.EventSent,
		GmailMessageID: sent.Id,
		OccurredAt:     now,
	}); err != nil {
		logger.Warn("sendworker: append sent event failed", "job_id", job.ID.String(), "error", err.Error())
	}

	p.updateThread(ctx, job, thread, headers, sent.ThreadId)
	p.stampContactThreadID(ctx, job, sent.ThreadId)

	go p.rewriteSentFolder(job.UserID, sent.Id, sent.ThreadId, html, headers.trackingHash, links)

	atomic.AddInt64(&p.totalSent, 1)
	return p.Emails.MarkDone(ctx, job.ID)
}

// failJob applies spec §4.5's failure semantics: a failed send retries
// through MarkFailed's attempt budget; once exhausted, it records a
// failed event and marks the SequenceContact row failed so the sweeper
// stops scheduling further steps for it. The sequence processor's
// ListActive still returns failed rows, so a relaunch picks them up.
func (p *Pool) failJob(ctx context.Context, job queue.EmailJob, sendErr error) error {
	atomic.AddInt64(&p.totalFailed, 1)

	exhausted, err := p.Emails.MarkFailed(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if !exhausted {
		if p.Limiter != nil {
			if err := p.Limiter.RecordSendError(ctx, job.UserID.String(), job.SequenceID.String(), job.ContactID.String()); err != nil {
				logger.Warn("sendworker: start send-error cooldown failed", "job_id", job.ID.String(), "error", err.Error())
			}
		}
		return sendErr
	}

	now := p.Clock().UTC()
	if _, err := p.Tracking.AppendEvent(ctx, domain.EmailEvent{
		ID:         uuid.New(),
		SequenceID: job.SequenceID,
		ContactID:  job.ContactID,
		EventType:  domain.EventFailed,
		OccurredAt: now,
	}); err != nil {
		logger.Warn("sendworker: append failed event failed", "job_id", job.ID.String(), "error", err.Error())
	}

	sc, err := p.Contacts.Get(ctx, job.SequenceID, job.ContactID)
	if err != nil {
		logger.Warn("sendworker: load contact for failure mark failed", "job_id", job.ID.String(), "error", err.Error())
		return sendErr
	}
	expectedStep := sc.CurrentStep
	expectedNext := sc.NextScheduledAt
	updated := *sc
	updated.Status = domain.StatusFailed
	updated.NextScheduledAt = nil
	if _, err := p.Contacts.AdvanceIfUnchanged(ctx, updated, expectedStep, expectedNext); err != nil {
		logger.Warn("sendworker: mark contact failed failed", "job_id", job.ID.String(), "error", err.Error())
	}
	return sendErr
}

func (p *Pool) stampContactThreadID(ctx context.Context, job queue.EmailJob, gmailThreadID string) {
	if job.ThreadID != "" {
		return
	}
	sc, err := p.Contacts.Get(ctx, job.SequenceID, job.ContactID)
	if err != nil {
		logger.Warn("sendworker: load contact to stamp thread id failed", "job_id", job.ID.String(), "error", err.Error())
		return
	}
	expectedStep := sc.CurrentStep
	expectedNext := sc.NextScheduledAt
	updated := *sc
	updated.ThreadID = gmailThreadID
	if _, err := p.Contacts.AdvanceIfUnchanged(ctx, updated, expectedStep, expectedNext); err != nil {
		logger.Warn("sendworker: stamp contact thread id failed", "job_id", job.ID.String(), "error", err.Error())
	}
}

func (p *Pool) updateThread(ctx context.Context, job queue.EmailJob, existing *domain.EmailThread, headers threadHeaders, gmailThreadID string) {
	th := domain.EmailThread{
		SequenceID:    job.SequenceID,
		ContactID:     job.ContactID,
		GmailThreadID: gmailThreadID,
		RootMessageID: headers.messageID,
	}
	if existing != nil {
		th.RootMessageID = existing.RootMessageID
		th.ReferenceChain = append(append([]string{}, existing.ReferenceChain...), headers.messageID)
	} else {
		th.ReferenceChain = []string{headers.messageID}
	}
	if err := p.Tracking.UpsertThread(ctx, th); err != nil {
		logger.Warn("sendworker: upsert thread failed", "job_id", job.ID.String(), "error", err.Error())
	}
}

// rewriteSentFolder implements spec §4.5 step 7: the copy Gmail keeps
// in the user's own Sent folder should read naturally, without tracking
// markup, so after a short delay we re-insert an untracked copy and
// delete the tracked original. Bounded retry absorbs the case where
// Gmail hasn't indexed the just-sent message yet.
func (p *Pool) rewriteSentFolder(userID uuid.UUID, gmailMessageID, gmailThreadID, trackedHTML, trackingHash string, links []domain.TrackedLink) {
	time.Sleep(sentFolderRewriteDelay)
	ctx := context.Background()

	untracked := p.stripTracking(trackedHTML, trackingHash, links)

	var lastErr error
	for attempt := 0; attempt < sentFolderRewriteRetries; attempt++ {
		err := p.Gmail.Do(ctx, userID, func(svc *gmail.Service) error {
			original, err := svc.Users.Messages.Get("me", gmailMessageID).Format("raw").Context(ctx).Do()
			if err != nil {
				return err
			}
			rawBytes, err := base64.URLEncoding.DecodeString(original.Raw)
			if err != nil {
				return fmt.Errorf("decode original raw message: %w", err)
			}
			rewritten := replaceHTMLBody(string(rawBytes), untracked)

			inserted := &gmail.Message{
				Raw:      base64.URLEncoding.EncodeToString([]byte(rewritten)),
				ThreadId: gmailThreadID,
				LabelIds: []string{"SENT"},
			}
			if _, err := svc.Users.Messages.Insert("me", inserted).Context(ctx).Do(); err != nil {
				return fmt.Errorf("insert untracked sent copy: %w", err)
			}
			return svc.Users.Messages.Delete("me", gmailMessageID).Context(ctx).Do()
		})
		if err == nil {
			return
		}
		lastErr = err
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 401 {
			break
		}
		time.Sleep(time.Second)
	}
	if lastErr != nil {
		logger.Warn("sendworker: sent-folder rewrite abandoned", "message_id", gmailMessageID, "error", lastErr.Error())
	}
}

// threadHeaders holds the RFC 5322 identifiers for one outbound send.
type threadHeaders struct {
	messageID    string
	inReplyTo    string
	references   string
	subject      string
	trackingHash string
}

// resolveThreadHeaders implements spec §4.5 step 2: a fresh Message-ID
// is always minted locally; In-Reply-To and References are only set
// when an earlier step already established a thread.
func resolveThreadHeaders(thread *domain.EmailThread, subject string) threadHeaders {
	h := threadHeaders{
		messageID:    fmt.Sprintf("<%s@%s>", uuid.New().String(), messageIDDomain),
		subject:      encodeSubject(subject),
		trackingHash: strings.ReplaceAll(uuid.New().String(), "-", ""),
	}
	if thread == nil {
		return h
	}
	refs := append(append([]string{}, thread.ReferenceChain...))
	if len(refs) == 0 && thread.RootMessageID != "" {
		refs = []string{thread.RootMessageID}
	}
	if len(refs) > 0 {
		h.inReplyTo = refs[len(refs)-1]
	} else {
		h.inReplyTo = thread.RootMessageID
	}
	h.references = strings.Join(refs, " ")
	return h
}

// encodeSubject RFC 2047-encodes a subject when it contains non-ASCII
// characters as a base64 encoded-word. Go's mime package writes it as
// "=?UTF-8?b?...?=", and RFC 2047 treats the lowercase "b" the same as
// "B". Pure ASCII subjects are passed through unchanged.
func encodeSubject(subject string) string {
	for _, r := range subject {
		if r > 127 {
			return mime.BEncoding.Encode("UTF-8", subject)
		}
	}
	return subject
}

// buildRawMessage assembles the base64url-encoded RFC 5322 message
// Gmail's users.messages.send expects, mirroring rvaidun-email-automater's
// CreateEmailMessage header block with the addition of the threading
// headers spec §4.5 requires.
func buildRawMessage(to string, h threadHeaders, html string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", h.subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", h.messageID)
	if h.inReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", h.inReplyTo)
	}
	if h.references != "" {
		fmt.Fprintf(&b, "References: %s\r\n", h.references)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(html)
	return base64.URLEncoding.EncodeToString([]byte(b.String())), nil
}

// injectTracking implements spec §4.5 step 3: an open pixel is
// appended and every outbound http(s) link is rewritten to a
// click-redirect URL, with each rewritten link persisted as a
// domain.TrackedLink keyed by a short per-link id. Adapted from the
// teacher's TrackingService.replaceLinks href scan, which instead bakes
// a stateless HMAC-signed payload into the URL; here the URL only
// carries the tracking hash and a link id, and the target is resolved
// from the TrackedLink row at redirect time.
func (p *Pool) injectTracking(body, hash string) (string, []domain.TrackedLink) {
	var links []domain.TrackedLink
	rewritten := rewriteLinks(body, func(url string) string {
		lid := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
		links = append(links, domain.TrackedLink{ID: uuid.New(), LID: lid, TargetURL: url})
		return fmt.Sprintf("%s/api/track/%s/click?lid=%s", p.TrackingBaseURL, hash, lid)
	})

	pixel := fmt.Sprintf(`<img src="%s/api/track/%s.png" width="1" height="1" style="display:none" />`, p.TrackingBaseURL, hash)
	if strings.Contains(rewritten, "</body>") {
		rewritten = strings.Replace(rewritten, "</body>", pixel+"</body>", 1)
	} else {
		rewritten += pixel
	}
	return rewritten, links
}

// findStep locates job's step within seq by id; StepID is resolved at
// send time rather than carried in the job payload so an edit to a
// step's content made after the job was enqueued is still reflected in
// the email that goes out.
func findStep(seq *domain.Sequence, stepID uuid.UUID) (domain.SequenceStep, bool) {
	for _, s := range seq.Steps {
		if s.ID == stepID {
			return s, true
		}
	}
	return domain.SequenceStep{}, false
}

// resolveRecipient applies spec §6's TEST_EMAIL override: a job enqueued
// from a sequence in test mode is sent to testEmail instead of its real
// recipient, so a sequence can be dry-run against a single inbox.
func resolveRecipient(job queue.EmailJob, testEmail string) string {
	if job.TestMode && testEmail != "" {
		return testEmail
	}
	return job.To
}

// rewriteLinks scans html for href="http..." attributes and replaces
// each with the URL returned by rewrite, the same linear scan the
// teacher's replaceLinks uses rather than a full HTML parse.
func rewriteLinks(html string, rewrite func(originalURL string) string) string {
	var b strings.Builder
	rest := html
	for {
		idx := strings.Index(rest, `href="http`)
		if idx == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])
		b.WriteString(`href="`)

		afterQuote := rest[idx+len(`href="`):]
		end := strings.IndexByte(afterQuote, '"')
		if end == -1 {
			b.WriteString(afterQuote)
			break
		}
		originalURL := afterQuote[:end]
		if strings.Contains(originalURL, "/api/track/") {
			b.WriteString(originalURL)
		} else {
			b.WriteString(rewrite(originalURL))
		}
		b.WriteByte('"')
		rest = afterQuote[end+1:]
	}
	return b.String()
}

// stripTracking removes the injected pixel and reverts every tracked
// link back to its original destination so the sender's own Sent
// folder shows the email exactly as composed.
func (p *Pool) stripTracking(trackedHTML, trackingHash string, links []domain.TrackedLink) string {
	html := trackedHTML
	from := 0
	for {
		rel := strings.Index(html[from:], `<img src="`)
		if rel == -1 {
			break
		}
		start := from + rel
		end := strings.IndexByte(html[start:], '>')
		if end == -1 {
			break
		}
		end += start + 1
		if strings.Contains(html[start:end], "/api/track/") {
			html = html[:start] + html[end:]
			from = start
		} else {
			from = end
		}
	}

	for _, l := range links {
		trackedURL := fmt.Sprintf("%s/api/track/%s/click?lid=%s", p.TrackingBaseURL, trackingHash, l.LID)
		html = strings.ReplaceAll(html, trackedURL, l.TargetURL)
	}
	return html
}

// replaceHTMLBody swaps the text/html MIME part of a raw RFC 5322
// message for untrackedHTML, preserving every other header line.
func replaceHTMLBody(raw, untrackedHTML string) string {
	sep := "\r\n\r\n"
	idx := strings.Index(raw, sep)
	if idx == -1 {
		return raw
	}
	return raw[:idx+len(sep)] + untrackedHTML
}
