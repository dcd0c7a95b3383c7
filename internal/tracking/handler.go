// Package tracking is the open/click redirector of spec §4.7: a small
// chi router serving the 1x1 pixel and click-redirect endpoints
// embedded in outbound emails by internal/sendworker. Grounded on the
// teacher's internal/tracking/handler.go chi.Router shape, adapted from
// its base64|signature-encoded-payload scheme to a hash+lid lookup
// against store.TrackingStore (see DESIGN.md for why).
package tracking

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/outreach-hq/sequencer/internal/domain"
	"github.com/outreach-hq/sequencer/internal/pkg/httputil"
	"github.com/outreach-hq/sequencer/internal/pkg/logger"
	"github.com/outreach-hq/sequencer/internal/store"
)

// pixelGIF is the 43-byte 1x1 transparent GIF of spec §4.7/§6: a
// GIF89a header, a global color table, a graphic control extension
// marking index 0 transparent, and a single-pixel image block.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61,
	0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0xff, 0xff,
	0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00,
	0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00,
	0x02, 0x02, 0x44, 0x01, 0x00,
	0x3b,
}

// gmailProxyUserAgentMarker identifies Gmail's own image-proxy, which
// prefetches every pixel the instant a message is opened in the Gmail
// web/app client. Spec §4.7 asks the redirector to recognize this case
// (so an open isn't double-counted by a real client fetch moments
// later) rather than to treat it as a genuine open signal.
const gmailProxyUserAgentMarker = "GoogleImageProxy"

// Handler serves the pixel and click-redirect endpoints.
type Handler struct {
	Tracking store.TrackingStore
	Clock    func() time.Time
}

// NewHandler builds a Handler.
func NewHandler(tracking store.TrackingStore) *Handler {
	return &Handler{Tracking: tracking, Clock: time.Now}
}

// Routes mounts the redirector's endpoints, matching the teacher's
// Handler.Routes shape.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/api/track/{hash}.png", h.HandleOpen)
	r.Get("/api/track/{hash}/click", h.HandleClick)
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleOpen records an open event idempotently and serves the pixel.
// Per spec §4.7, a request whose referrer or user agent indicates
// Gmail's own compose-view preview or backend image proxy (rather than
// a recipient actually viewing the message) is bounced with a 307
// self-redirect instead of being counted, and always serves the pixel
// when the hash is unknown or the first-open CAS loses a race, so a
// tracking failure never surfaces to the recipient's mail client as a
// broken image.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	if isGmailImageProxy(r) {
		http.Redirect(w, r, r.URL.RequestURI(), http.StatusTemporaryRedirect)
		return
	}

	hash := strings.TrimSuffix(chi.URLParam(r, "hash"), ".png")

	tr, err := h.Tracking.GetTrackingByHash(r.Context(), hash)
	if err != nil {
		h.servePixel(w)
		return
	}

	now := h.Clock().UTC()
	first, err := h.Tracking.RecordFirstOpen(r.Context(), hash, now)
	if err != nil {
		logger.Warn("tracking: record first open failed", "hash", hash, "error", err.Error())
		h.servePixel(w)
		return
	}
	if !first {
		if err := h.Tracking.IncrementOpenCount(r.Context(), hash); err != nil {
			logger.Warn("tracking: increment open count failed", "hash", hash, "error", err.Error())
		}
	}
	if _, err := h.Tracking.AppendEvent(r.Context(), domain.EmailEvent{
		SequenceID: tr.SequenceID,
		ContactID:  tr.ContactID,
		EventType:  domain.EventOpen,
		OccurredAt: now,
	}); err != nil {
		logger.Warn("tracking: append open event failed", "hash", hash, "error", err.Error())
	}

	h.servePixel(w)
}

// HandleClick records a click event and 302-redirects to the original
// URL. Per spec §4.7, a missing or unknown lid never records a click
// and returns 400 rather than risk redirecting to an attacker-
// controlled URL.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	lid := r.URL.Query().Get("lid")
	if lid == "" {
		httputil.BadRequest(w, "missing lid")
		return
	}

	link, err := h.Tracking.GetTrackedLinkByLID(r.Context(), hash, lid)
	if err != nil {
		httputil.BadRequest(w, "unknown tracked link")
		return
	}

	now := h.Clock().UTC()
	first, err := h.Tracking.RecordClick(r.Context(), domain.LinkClick{
		TrackedLinkID: link.ID,
		ClickedAt:     now,
		IP:            realIP(r),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		logger.Warn("tracking: record click failed", "hash", hash, "lid", lid, "error", err.Error())
	} else if first {
		tr, err := h.Tracking.GetTrackingByHash(r.Context(), hash)
		if err == nil {
			if _, err := h.Tracking.AppendEvent(r.Context(), domain.EmailEvent{
				SequenceID: tr.SequenceID,
				ContactID:  tr.ContactID,
				EventType:  domain.EventClick,
				OccurredAt: now,
			}); err != nil {
				logger.Warn("tracking: append click event failed", "hash", hash, "error", err.Error())
			}
		}
	}

	http.Redirect(w, r, link.TargetURL, http.StatusFound)
}

// HandleHealth is a trivial liveness probe, matching the teacher's.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "max-age=60, private")
	w.Write(pixelGIF)
}

// realIP mirrors the teacher's X-Forwarded-For/X-Real-Ip precedence.
func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// isGmailImageProxy reports whether the request was made by Gmail's own
// prefetching image proxy or from its compose-view preview, rather than
// a recipient actually viewing the message, per spec §4.7.
func isGmailImageProxy(r *http.Request) bool {
	if strings.Contains(r.UserAgent(), gmailProxyUserAgentMarker) {
		return true
	}
	referrer := r.Header.Get("Referer")
	return strings.Contains(referrer, "mail.google.com/mail/") && strings.Contains(referrer, "compose")
}
