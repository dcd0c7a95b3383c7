// Package httpapi is the Control API of spec §6: four user-facing
// endpoints that launch, pause, resume and reset a Sequence. Grounded
// on the teacher's internal/api/campaign_builder_actions.go
// (HandlePauseCampaign/HandleResumeCampaign/HandleResetCampaign), with
// its direct db.ExecContext calls replaced by the store interfaces the
// rest of this module is built on, and its raw http.Error/json.Encoder
// calls replaced by internal/pkg/httputil, matching internal/tracking
// and internal/inbound.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/outreach-hq/sequencer/internal/domain"
	"github.com/outreach-hq/sequencer/internal/pkg/httputil"
	"github.com/outreach-hq/sequencer/internal/pkg/logger"
	"github.com/outreach-hq/sequencer/internal/queue"
	"github.com/outreach-hq/sequencer/internal/store"
)

// Handler serves the Control API.
type Handler struct {
	Sequences store.SequenceStore
	Contacts  store.SequenceContactStore
	Jobs      *queue.SequenceQueue
}

// NewHandler builds a Handler.
func NewHandler(sequences store.SequenceStore, contacts store.SequenceContactStore, jobs *queue.SequenceQueue) *Handler {
	return &Handler{Sequences: sequences, Contacts: contacts, Jobs: jobs}
}

// Routes mounts the Control API's endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/sequences/{id}/launch", h.HandleLaunch)
	r.Post("/sequences/{id}/pause", h.HandlePause)
	r.Post("/sequences/{id}/resume", h.HandleResume)
	r.Post("/sequences/{id}/reset", h.HandleReset)
	return r
}

type launchRequest struct {
	UserID   uuid.UUID `json:"userId"`
	TestMode bool      `json:"testMode"`
}

type userRequest struct {
	UserID uuid.UUID `json:"userId"`
}

// HandleLaunch implements spec §6's launch endpoint: validate ownership
// and that the sequence has steps and active contacts, flip it to
// active, persist testMode, and enqueue a sequence-job for the
// processor to fan out asynchronously.
func (h *Handler) HandleLaunch(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSequenceID(w, r)
	if !ok {
		return
	}
	var req launchRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	seq, err := h.loadOwned(w, r, id, req.UserID)
	if err != nil {
		return
	}
	if len(seq.Steps) == 0 {
		httputil.BadRequest(w, "sequence has no steps")
		return
	}

	contacts, err := h.Contacts.ListActive(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if len(contacts) == 0 {
		httputil.BadRequest(w, "sequence has no active contacts")
		return
	}

	if err := h.Sequences.SetTestMode(r.Context(), id, req.TestMode); err != nil {
		httputil.InternalError(w, err)
		return
	}
	if err := h.Sequences.SetStatus(r.Context(), id, domain.SequenceActive); err != nil {
		httputil.InternalError(w, err)
		return
	}

	jobID, err := h.Jobs.Enqueue(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	logger.Info("control api: sequence launched", "sequence_id", id.String(), "job_id", jobID.String(), "test_mode", req.TestMode)
	httputil.OK(w, map[string]any{
		"success":      true,
		"jobId":        jobID,
		"contactCount": len(contacts),
		"stepCount":    len(seq.Steps),
	})
}

// HandlePause implements spec §6's pause endpoint. The sweeper and
// sequence processor both check status before acting, so flipping it
// here is enough: per spec §5, a paused sequence stops scheduling
// within one sweeper tick and any email job already handed to Gmail is
// allowed to complete.
func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.SequencePaused)
}

// HandleResume implements spec §6's resume endpoint.
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.SequenceActive)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request, status domain.SequenceStatus) {
	id, ok := parseSequenceID(w, r)
	if !ok {
		return
	}
	var req userRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if _, err := h.loadOwned(w, r, id, req.UserID); err != nil {
		return
	}
	if err := h.Sequences.SetStatus(r.Context(), id, status); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"success": true, "status": status})
}

// HandleReset implements spec §6/§8's reset semantics: synchronous and
// destructive. ResetProgress deletes every tracking/event/thread row for
// the sequence, re-initializes every SequenceContact row, and returns
// the sequence itself to (draft, testMode=false) in one transaction.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	id, ok := parseSequenceID(w, r)
	if !ok {
		return
	}
	var req userRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if _, err := h.loadOwned(w, r, id, req.UserID); err != nil {
		return
	}
	if err := h.Sequences.ResetProgress(r.Context(), id); err != nil {
		httputil.InternalError(w, err)
		return
	}
	logger.Info("control api: sequence reset", "sequence_id", id.String())
	httputil.OK(w, map[string]any{"success": true, "status": domain.SequenceDraft})
}

// loadOwned loads the sequence and writes the appropriate error
// response if it does not exist or is not owned by userID, matching
// spec §6's "404 if not owned by user" for launch (applied consistently
// to every Control API endpoint, since they all take a userId body).
func (h *Handler) loadOwned(w http.ResponseWriter, r *http.Request, id, userID uuid.UUID) (*domain.Sequence, error) {
	seq, err := h.Sequences.Get(r.Context(), id)
	if err == domain.ErrNotFound || (err == nil && seq.OwnerUserID != userID) {
		httputil.NotFound(w, "sequence not found")
		return nil, domain.ErrNotFound
	}
	if err != nil {
		httputil.InternalError(w, err)
		return nil, err
	}
	return seq, nil
}

func parseSequenceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.BadRequest(w, "invalid sequence id")
		return uuid.UUID{}, false
	}
	return id, true
}
