// Package api exposes the orchestrator over HTTP and pushes job updates to
// browsers over a websocket.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fpang/topic-explorer/internal/jobs"
	"github.com/fpang/topic-explorer/internal/navigation"
	"github.com/fpang/topic-explorer/internal/orchestrator"
	"github.com/fpang/topic-explorer/internal/session"
	"github.com/fpang/topic-explorer/internal/tree"
)

// Options configure the HTTP surface.
type Options struct {
	// OriginVerifySecret, when set, must arrive in x-origin-verify.
	OriginVerifySecret string
	// MetricsNamespace enables per-endpoint EMF metrics.
	MetricsNamespace string
	// MaxBodyBytes caps request bodies (and so uploaded images).
	MaxBodyBytes int64
	// Saver persists the session on demand (POST /api/session/save).
	Saver func(ctx context.Context, s session.Snapshot) error
	// Reload, when set, brings the session up to date with the shared
	// store before each request.
	Reload func(ctx context.Context) error
}

// Server routes API requests to one orchestrator.
type Server struct {
	orch *orchestrator.Orchestrator
	hub  *Hub
	opts Options
}

// New creates a server. hub may be nil, which disables /api/jobs/stream.
func New(orch *orchestrator.Orchestrator, hub *Hub, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 << 20
	}
	return &Server{orch: orch, hub: hub, opts: opts}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("GET /api/session", s.handleSession)
	mux.HandleFunc("PUT /api/session/preferences", s.handlePreferences)
	mux.HandleFunc("POST /api/session/save", s.handleSave)
	mux.HandleFunc("GET /api/tree", s.handleTree)
	mux.HandleFunc("GET /api/overview", s.handleOverview)

	mux.HandleFunc("POST /api/topics", s.handleInitialTopic)
	mux.HandleFunc("GET /api/nodes/{id}", s.handleNode)
	mux.HandleFunc("POST /api/nodes/{id}/topics", s.handleNewTopic)
	mux.HandleFunc("POST /api/nodes/{id}/questions", s.handleQuestion)
	mux.HandleFunc("POST /api/nodes/{id}/quiz", s.handleQuiz)
	mux.HandleFunc("POST /api/nodes/{id}/reflection", s.handleReflection)
	mux.HandleFunc("POST /api/nodes/{id}/select", s.handleSelect)
	mux.HandleFunc("PATCH /api/nodes/{id}/segment", s.handleSegment)
	mux.HandleFunc("GET /api/nodes/{id}/path", s.handlePath)
	mux.HandleFunc("GET /api/nodes/{id}/children", s.handleChildren)
	mux.HandleFunc("GET /api/nodes/{id}/next", s.handleNext)
	mux.HandleFunc("GET /api/nodes/{id}/previous", s.handlePrevious)

	mux.HandleFunc("GET /api/jobs", s.handleJobs)
	mux.HandleFunc("GET /api/jobs/stream", s.handleStream)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDismiss)

	var h http.Handler = mux
	if s.opts.Reload != nil {
		h = withReload(s.opts.Reload, h)
	}
	return withMetrics(s.opts.MetricsNamespace, withOriginVerify(s.opts.OriginVerifySecret, h))
}

// --- Session ---

type sessionResponse struct {
	ID            string          `json:"id"`
	Context       session.Context `json:"context"`
	CurrentNodeID string          `json:"currentNodeId,omitempty"`
	NodeCount     int             `json:"nodeCount"`
	Revision      uint64          `json:"revision"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	ActiveJobs    []jobs.Job      `json:"activeJobs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	snap := s.orch.Snapshot()
	respondJSON(w, http.StatusOK, sessionResponse{
		ID:            snap.ID,
		Context:       snap.Context,
		CurrentNodeID: snap.Tree.CurrentNodeID,
		NodeCount:     snap.Tree.Len(),
		Revision:      snap.Revision,
		CreatedAt:     snap.CreatedAt,
		UpdatedAt:     snap.UpdatedAt,
		ActiveJobs:    s.orch.ListActiveJobs(),
	})
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesRequest
	if !s.decode(w, r, &req) {
		return
	}
	respondJSON(w, http.StatusOK, s.orch.UpdatePreferences(req.Style, req.VoiceID))
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if s.opts.Saver == nil {
		httpError(w, http.StatusNotImplemented, "session persistence is not configured")
		return
	}
	snap := s.orch.Snapshot()
	if err := s.opts.Saver(r.Context(), snap); err != nil {
		httpError(w, http.StatusInternalServerError, "failed to save session", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": snap.ID, "revision": snap.Revision})
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, tree.ToDocument(s.orch.Snapshot().Tree))
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, navigation.Overview(s.orch.Snapshot().Tree))
}

// --- Intents ---

func (s *Server) handleInitialTopic(w http.ResponseWriter, r *http.Request) {
	p, ok := s.topicPrompt(w, r)
	if !ok {
		return
	}
	sub, err := s.orch.SubmitInitialTopic(r.Context(), p)
	s.respondSubmission(w, sub, err)
}

func (s *Server) handleNewTopic(w http.ResponseWriter, r *http.Request) {
	p, ok := s.topicPrompt(w, r)
	if !ok {
		return
	}
	sub, err := s.orch.SubmitNewTopicBranch(r.Context(), r.PathValue("id"), p)
	s.respondSubmission(w, sub, err)
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	p, ok := s.topicPrompt(w, r)
	if !ok {
		return
	}
	sub, err := s.orch.SubmitQuestionBranch(r.Context(), r.PathValue("id"), p)
	s.respondSubmission(w, sub, err)
}

func (s *Server) handleQuiz(w http.ResponseWriter, r *http.Request) {
	var req quizRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.orch.SubmitQuizRemediation(r.Context(), r.PathValue("id"), req.WasCorrect, req.Question, req.Answer, req.Reasoning)
	s.respondSubmission(w, sub, err)
}

func (s *Server) handleReflection(w http.ResponseWriter, r *http.Request) {
	sub, err := s.orch.SubmitClosingReflection(r.Context(), r.PathValue("id"))
	s.respondSubmission(w, sub, err)
}

func (s *Server) respondSubmission(w http.ResponseWriter, sub orchestrator.Submission, err error) {
	if err != nil {
		respondErr(w, err)
		return
	}
	if sub.Cached() {
		respondJSON(w, http.StatusOK, sub)
		return
	}
	respondJSON(w, http.StatusAccepted, sub)
}

// --- Nodes ---

type nodeResponse struct {
	*tree.Node
	Number string `json:"number"`
	Depth  int    `json:"depth"`
	IsLeaf bool   `json:"isLeaf"`
}

type stepResponse struct {
	Node *tree.Node `json:"node"`
	// End is true when there is nothing in that direction.
	End bool `json:"end"`
}

func (s *Server) describe(t *tree.Tree, id string) (nodeResponse, error) {
	n, ok := t.Node(id)
	if !ok {
		return nodeResponse{}, tree.ErrNotFound
	}
	number, err := navigation.NodeNumber(t, id)
	if err != nil {
		return nodeResponse{}, err
	}
	depth, err := navigation.Depth(t, id)
	if err != nil {
		return nodeResponse{}, err
	}
	return nodeResponse{Node: n, Number: number, Depth: depth, IsLeaf: len(n.ChildIDs) == 0}, nil
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	resp, err := s.describe(s.orch.Snapshot().Tree, r.PathValue("id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Select(id); err != nil {
		respondErr(w, err)
		return
	}
	s.handleNode(w, r)
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	var req segmentPatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.orch.UpdateSegment(r.PathValue("id"), req.patch()); err != nil {
		respondErr(w, err)
		return
	}
	s.handleNode(w, r)
}

func (s *Server) handlePath(w http.ResponseWriter, r *http.Request) {
	path, err := navigation.PathFromRoot(s.orch.Snapshot().Tree, r.PathValue("id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, path)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	children, err := navigation.Children(s.orch.Snapshot().Tree, r.PathValue("id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, children)
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	n, ok, err := navigation.Next(s.orch.Snapshot().Tree, r.PathValue("id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stepResponse{Node: n, End: !ok})
}

func (s *Server) handlePrevious(w http.ResponseWriter, r *http.Request) {
	n, ok, err := navigation.Previous(s.orch.Snapshot().Tree, r.PathValue("id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stepResponse{Node: n, End: !ok})
}

// --- Jobs ---

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.orch.ListActiveJobs())
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.orch.Job(r.PathValue("id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, j)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DismissJob(r.PathValue("id")); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		httpError(w, http.StatusNotImplemented, "job stream is not enabled")
		return
	}
	active := s.orch.ListActiveJobs()
	initial := make([]Message, 0, len(active)+1)
	sum := summarize(s.orch.Snapshot())
	initial = append(initial, Message{Type: MessageSession, Session: &sum})
	for i := range active {
		initial = append(initial, Message{Type: MessageJob, Job: &active[i], JobID: active[i].ID})
	}
	s.hub.ServeWS(w, r, initial...)
}

// --- Request decoding ---

// decode reads and validates a JSON body, answering 400 itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := decodeJSON(r, dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := requestValidate.Struct(dst); err != nil {
		httpError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func (s *Server) topicPrompt(w http.ResponseWriter, r *http.Request) (jobs.Prompt, bool) {
	var req topicRequest
	if !s.decode(w, r, &req) {
		return jobs.Prompt{}, false
	}
	p, err := req.prompt(s.opts.MaxBodyBytes)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return jobs.Prompt{}, false
	}
	return p, true
}
