package tracking

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/outreach-hq/sequencer/internal/domain"
)

type fakeTrackingStore struct {
	tracking     map[string]*domain.EmailTracking
	links        map[string]*domain.TrackedLink // keyed by hash+"|"+lid
	events       []domain.EmailEvent
	firstOpen    map[string]bool
	openIncr     map[string]int
	clickCount   map[uuid.UUID]int
}

func newFakeTrackingStore() *fakeTrackingStore {
	return &fakeTrackingStore{
		tracking:   map[string]*domain.EmailTracking{},
		links:      map[string]*domain.TrackedLink{},
		firstOpen:  map[string]bool{},
		openIncr:   map[string]int{},
		clickCount: map[uuid.UUID]int{},
	}
}

func (f *fakeTrackingStore) CreateTracking(ctx context.Context, t domain.EmailTracking) error {
	cp := t
	f.tracking[t.Hash] = &cp
	return nil
}

func (f *fakeTrackingStore) GetTrackingByHash(ctx context.Context, hash string) (*domain.EmailTracking, error) {
	tr, ok := f.tracking[hash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return tr, nil
}

func (f *fakeTrackingStore) RecordFirstOpen(ctx context.Context, hash string, at time.Time) (bool, error) {
	if f.firstOpen[hash] {
		return false, nil
	}
	f.firstOpen[hash] = true
	return true, nil
}

func (f *fakeTrackingStore) IncrementOpenCount(ctx context.Context, hash string) error {
	f.openIncr[hash]++
	return nil
}

func (f *fakeTrackingStore) CreateTrackedLink(ctx context.Context, l domain.TrackedLink) error {
	cp := l
	f.links[l.TrackingID.String()+"|"+l.LID] = &cp
	return nil
}

func (f *fakeTrackingStore) GetTrackedLinkByLID(ctx context.Context, trackingHash, lid string) (*domain.TrackedLink, error) {
	tr, ok := f.tracking[trackingHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	l, ok := f.links[tr.ID.String()+"|"+lid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return l, nil
}

func (f *fakeTrackingStore) RecordClick(ctx context.Context, c domain.LinkClick) (bool, error) {
	f.clickCount[c.TrackedLinkID]++
	return f.clickCount[c.TrackedLinkID] == 1, nil
}

func (f *fakeTrackingStore) AppendEvent(ctx context.Context, e domain.EmailEvent) (bool, error) {
	f.events = append(f.events, e)
	return true, nil
}

func (f *fakeTrackingStore) HasEvent(ctx context.Context, sequenceID, contactID uuid.UUID, eventType domain.EmailEventType, gmailMessageID string) (bool, error) {
	return false, nil
}

func (f *fakeTrackingStore) UpsertThread(ctx context.Context, th domain.EmailThread) error { return nil }

func (f *fakeTrackingStore) GetThread(ctx context.Context, sequenceID, contactID uuid.UUID) (*domain.EmailThread, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeTrackingStore) GetThreadByGmailThreadID(ctx context.Context, userID, gmailThreadID string) (*domain.EmailThread, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeTrackingStore) GetThreadByMessageID(ctx context.Context, userID, messageID string) (*domain.EmailThread, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeTrackingStore) Stats(ctx context.Context, sequenceID uuid.UUID) (domain.SequenceStats, error) {
	return domain.SequenceStats{}, nil
}

func (f *fakeTrackingStore) Health(ctx context.Context, sequenceID uuid.UUID) (domain.SequenceHealth, error) {
	return domain.SequenceHealth{}, nil
}

func newTestHandler() (*Handler, *fakeTrackingStore) {
	store := newFakeTrackingStore()
	h := NewHandler(store)
	h.Clock = func() time.Time { return time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC) }
	return h, store
}

func routerFor(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Mount("/", h.Routes())
	return r
}

func TestHandleOpen_GmailImageProxyUserAgentBypassesCounting(t *testing.T) {
	h, store := newTestHandler()
	sequenceID, contactID := uuid.New(), uuid.New()
	store.tracking["abc123"] = &domain.EmailTracking{Hash: "abc123", SequenceID: sequenceID, ContactID: contactID}

	req := httptest.NewRequest(http.MethodGet, "/api/track/abc123.png", nil)
	req.Header.Set("User-Agent", "GoogleImageProxy")
	rec := httptest.NewRecorder()

	routerFor(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTemporaryRedirect)
	}
	if len(store.events) != 0 {
		t.Errorf("expected no open event recorded, got %d", len(store.events))
	}
}

func TestHandleOpen_GmailComposePreviewReferrerBypassesCounting(t *testing.T) {
	h, store := newTestHandler()
	store.tracking["abc123"] = &domain.EmailTracking{Hash: "abc123"}

	req := httptest.NewRequest(http.MethodGet, "/api/track/abc123.png", nil)
	req.Header.Set("Referer", "https://mail.google.com/mail/u/0/#compose")
	rec := httptest.NewRecorder()

	routerFor(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTemporaryRedirect)
	}
	if len(store.events) != 0 {
		t.Error("expected no open event recorded for a compose-preview referrer")
	}
}

func TestHandleOpen_RecordsFirstOpenAndServesPixel(t *testing.T) {
	h, store := newTestHandler()
	sequenceID, contactID := uuid.New(), uuid.New()
	store.tracking["abc123"] = &domain.EmailTracking{Hash: "abc123", SequenceID: sequenceID, ContactID: contactID}

	req := httptest.NewRequest(http.MethodGet, "/api/track/abc123.png", nil)
	rec := httptest.NewRecorder()

	routerFor(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "image/gif" {
		t.Errorf("Content-Type = %q, want image/gif", rec.Header().Get("Content-Type"))
	}
	if len(rec.Body.Bytes()) != len(pixelGIF) {
		t.Error("expected the response body to be the tracking pixel")
	}
	if len(store.events) != 1 || store.events[0].EventType != domain.EventOpen {
		t.Fatalf("expected a single open event, got %+v", store.events)
	}
	if store.openIncr["abc123"] != 0 {
		t.Error("did not expect IncrementOpenCount on the first open")
	}
}

func TestHandleOpen_SubsequentOpenIncrementsCountAndRecordsEventPerRequest(t *testing.T) {
	h, store := newTestHandler()
	store.tracking["abc123"] = &domain.EmailTracking{Hash: "abc123"}

	router := routerFor(h)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/track/abc123.png", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
	}

	if store.openIncr["abc123"] != 1 {
		t.Errorf("IncrementOpenCount calls = %d, want 1 (only for the second open)", store.openIncr["abc123"])
	}
	if len(store.events) != 2 {
		t.Errorf("expected an open event per request, got %d", len(store.events))
	}
}

func TestHandleOpen_UnknownHashStillServesPixel(t *testing.T) {
	h, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/track/unknown.png", nil)
	rec := httptest.NewRecorder()

	routerFor(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 even for an unknown hash", rec.Code)
	}
	if len(rec.Body.Bytes()) != len(pixelGIF) {
		t.Error("expected the pixel to be served regardless")
	}
}

func TestHandleClick_MissingLidReturns400AndRecordsNothing(t *testing.T) {
	h, store := newTestHandler()
	store.tracking["abc123"] = &domain.EmailTracking{Hash: "abc123"}

	req := httptest.NewRequest(http.MethodGet, "/api/track/abc123/click", nil)
	rec := httptest.NewRecorder()

	routerFor(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(store.events) != 0 {
		t.Error("expected no click event for a missing lid")
	}
}

func TestHandleClick_UnknownLidReturns400AndRecordsNothing(t *testing.T) {
	h, store := newTestHandler()
	store.tracking["abc123"] = &domain.EmailTracking{Hash: "abc123"}

	req := httptest.NewRequest(http.MethodGet, "/api/track/abc123/click?lid=nosuch", nil)
	rec := httptest.NewRecorder()

	routerFor(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(store.events) != 0 {
		t.Error("expected no click event for an unknown lid")
	}
}

func TestHandleClick_KnownLidRedirectsAndRecordsFirstClickEvent(t *testing.T) {
	h, store := newTestHandler()
	sequenceID, contactID := uuid.New(), uuid.New()
	trackingID := uuid.New()
	store.tracking["abc123"] = &domain.EmailTracking{ID: trackingID, Hash: "abc123", SequenceID: sequenceID, ContactID: contactID}
	link := domain.TrackedLink{ID: uuid.New(), TrackingID: trackingID, LID: "xyz", TargetURL: "https://vendor.example.com/pricing"}
	store.links[trackingID.String()+"|xyz"] = &link

	router := routerFor(h)

	req := httptest.NewRequest(http.MethodGet, "/api/track/abc123/click?lid=xyz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Errorf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://vendor.example.com/pricing" {
		t.Errorf("Location = %q, want the original URL", loc)
	}
	if len(store.events) != 1 || store.events[0].EventType != domain.EventClick {
		t.Fatalf("expected a single click event, got %+v", store.events)
	}

	// A second click on the same link should redirect again but not record
	// a second event: HandleClick appends a click event only when
	// RecordClick reports the first click on the tracking row.
	req2 := httptest.NewRequest(http.MethodGet, "/api/track/abc123/click?lid=xyz", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusFound {
		t.Errorf("second click status = %d, want 302", rec2.Code)
	}
	if len(store.events) != 1 {
		t.Errorf("expected no additional click event on repeat click, got %d total", len(store.events))
	}
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	h, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	routerFor(h).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
