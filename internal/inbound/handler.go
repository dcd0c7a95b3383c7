package inbound

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/api/idtoken"

	"github.com/outreach-hq/sequencer/internal/domain"
	"github.com/outreach-hq/sequencer/internal/pkg/httputil"
	"github.com/outreach-hq/sequencer/internal/pkg/logger"
)

// Verifier checks a Pub/Sub push endpoint's bearer JWT. Pulled out as
// an interface so tests can stub verification instead of round-
// tripping to Google's JWKS endpoint.
type Verifier interface {
	Verify(ctx context.Context, idToken, audience string) error
}

// googleVerifier verifies against Google's OIDC token infrastructure,
// the same `google.golang.org/api` family the teacher already depends
// on for its own OAuth login flow.
type googleVerifier struct{}

func (googleVerifier) Verify(ctx context.Context, token, audience string) error {
	_, err := idtoken.Validate(ctx, token, audience)
	return err
}

// NewGoogleVerifier returns the production Verifier.
func NewGoogleVerifier() Verifier { return googleVerifier{} }

// pushEnvelope is the outer Pub/Sub push body: {message: {data: base64(JSON)}}.
type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
}

// pushPayload is the decoded inner JSON spec §4.8 and §6 describe.
type pushPayload struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// notificationProcessor is the subset of *EventProcessor the handler
// needs, pulled out so tests can stub the history walk without a live
// Gmail round trip.
type notificationProcessor interface {
	ProcessNotification(ctx context.Context, emailAddress string) error
}

// Handler exposes POST /api/gmail/notifications.
type Handler struct {
	Processor notificationProcessor
	Verifier  Verifier
	Audience  string
}

// NewHandler builds a Handler.
func NewHandler(p *EventProcessor, v Verifier, audience string) *Handler {
	return &Handler{Processor: p, Verifier: v, Audience: audience}
}

// HandleNotification verifies the push JWT, decodes the envelope, and
// drives the history walk. Per spec §6: 401 on an invalid JWT, 404 if
// the pushed mailbox has no connected account, 200 once processed.
func (h *Handler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		httputil.Error(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if err := h.Verifier.Verify(r.Context(), token, h.Audience); err != nil {
		httputil.Error(w, http.StatusUnauthorized, "invalid push token")
		return
	}

	var envelope pushEnvelope
	if !httputil.Decode(w, r, &envelope) {
		return
	}
	payload, err := decodePushData(envelope.Message.Data)
	if err != nil {
		httputil.BadRequest(w, "invalid push data: "+err.Error())
		return
	}
	if payload.EmailAddress == "" {
		httputil.BadRequest(w, "push data missing emailAddress")
		return
	}

	if err := h.Processor.ProcessNotification(r.Context(), payload.EmailAddress); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			httputil.NotFound(w, "no connected gmail account for "+payload.EmailAddress)
			return
		}
		logger.Warn("inbound: process notification failed", "email", payload.EmailAddress, "error", err.Error())
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, map[string]string{"status": "processed"})
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return ""
	}
	return strings.TrimPrefix(authz, prefix)
}

func decodePushData(data string) (*pushPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	var payload pushPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
