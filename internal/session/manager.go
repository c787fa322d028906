// Package session owns cart sessions: it starts the worker pipeline for each
// one, tracks its progress, and applies the reviewer's approval.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cartpilot/internal/action"
	"cartpilot/internal/cart"
	"cartpilot/internal/config"
	"cartpilot/internal/coordinator"
	"cartpilot/internal/provenance"
	"cartpilot/internal/recorder"
	"cartpilot/internal/resilience"
	"cartpilot/internal/tracking"
	"cartpilot/internal/workers"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

var errShutDown = errors.New("session manager shut down")

// Runner is the per-session pipeline bound to one live page.
type Runner interface {
	Run(ctx context.Context, sessionID string, req coordinator.Request, cb coordinator.Callbacks, stop func() bool) (*cart.ReviewPack, error)
	Apply(ctx context.Context, pack *cart.ReviewPack, mods []cart.Modification, stop func() bool) ([]cart.ModificationResult, []tracking.DecisionReasoning, error)
	CartURL() string
}

// PopupCounter is implemented by runners whose page dismisses site popups.
type PopupCounter interface {
	PopupCounts() map[string]int
}

// RunnerFactory opens a page session and returns its runner. release closes
// the page; it is called exactly once, when the session becomes terminal.
type RunnerFactory func(ctx context.Context, sessionID string, obs action.Observer) (r Runner, release func(), err error)

// Recorder receives the session timeline.
type Recorder interface {
	Start(sessionID string, data interface{}) error
	Log(sessionID, eventType string, data interface{})
	End(sessionID string, data interface{}) error
}

// Provenance stores decision facts and reports attention items.
type Provenance interface {
	RecordDecision(ctx context.Context, sessionID string, d tracking.DecisionReasoning) error
	RecordPack(ctx context.Context, sessionID string, pack *cart.ReviewPack) error
	Attention(ctx context.Context, sessionID string) ([]provenance.Attention, error)
}

// Approval is the reviewer's answer to a review pack.
type Approval struct {
	Approve       bool                `json:"approve"`
	Modifications []cart.Modification `json:"modifications,omitempty"`
}

// ApprovalResult reports what an approval did. It carries the cart URL for
// the human to finish checkout; there is no order or payment field.
type ApprovalResult struct {
	Success bool                      `json:"success"`
	Status  Status                    `json:"status"`
	CartURL string                    `json:"cart_url,omitempty"`
	Applied []cart.ModificationResult `json:"applied,omitempty"`
	Message string                    `json:"message,omitempty"`
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID          string                           `json:"id"`
	Status      Status                           `json:"status"`
	Request     coordinator.Request              `json:"request"`
	Progress    tracking.ProgressState           `json:"progress"`
	ReviewPack  *cart.ReviewPack                 `json:"review_pack,omitempty"`
	Decisions   []tracking.DecisionReasoning     `json:"decisions"`
	Preferences []tracking.PreferenceApplication `json:"preferences"`
	Attention   []provenance.Attention           `json:"attention,omitempty"`
	Popups      map[string]int                   `json:"popups_dismissed,omitempty"`
	Error       string                           `json:"error,omitempty"`
	StartTime   time.Time                        `json:"start_time"`
	EndTime     *time.Time                       `json:"end_time,omitempty"`
}

// Summary is one row of ListSessions.
type Summary struct {
	ID        string         `json:"id"`
	Status    Status         `json:"status"`
	Phase     tracking.Phase `json:"phase"`
	Overall   float64        `json:"overall"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
}

type session struct {
	id        string
	req       coordinator.Request
	status    Status
	tracker   *tracking.Tracker
	decisions tracking.ReasoningLog
	prefs     []tracking.PreferenceApplication
	pack      *cart.ReviewPack
	err       string
	start     time.Time
	end       *time.Time

	runner   Runner
	release  func()
	running  bool
	applying bool
	done     chan struct{}
}

// takeRelease hands out the page release exactly once. Callers hold m.mu.
func (s *session) takeRelease() func() {
	rel := s.release
	s.release = nil
	return rel
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

func WithProvenance(p Provenance) Option {
	return func(m *Manager) { m.prov = p }
}

// Manager is the only owner of session state.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session

	factory  RunnerFactory
	logger   *zap.Logger
	recorder Recorder
	prov     Provenance

	baseCtx context.Context
	cancel  context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewManager(factory RunnerFactory, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sessions: make(map[string]*session),
		factory:  factory,
		logger:   zap.NewNop(),
		baseCtx:  ctx,
		cancel:   cancel,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSession registers a session and launches its pipeline in the
// background. It returns as soon as the session exists, in initializing.
func (m *Manager) StartSession(ctx context.Context, req coordinator.Request) (*Snapshot, error) {
	if err := req.Validate(); err != nil {
		return nil, resilience.Wrap(resilience.CodeValidation, err, err.Error())
	}
	s := &session{
		id:      uuid.NewString(),
		req:     req,
		status:  StatusInitializing,
		tracker: tracking.NewTracker(config.WorkerCartBuilder, config.WorkerSubstitutionFinder, config.WorkerStockPruner, config.WorkerSlotScout),
		start:   m.now(),
		running: true,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errShutDown
	}
	m.sessions[s.id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	if m.recorder != nil {
		if err := m.recorder.Start(s.id, req); err != nil {
			m.logger.Warn("flight recorder unavailable", zap.String("session", s.id), zap.Error(err))
		}
	}
	m.logger.Info("session started", zap.String("session", s.id))

	snap, err := m.GetSessionStatus(ctx, s.id)
	if err != nil {
		m.wg.Done()
		return nil, err
	}
	go m.run(s)
	return snap, nil
}

func (m *Manager) run(s *session) {
	defer m.wg.Done()
	defer close(s.done)

	ctx := m.baseCtx
	log := m.logger.With(zap.String("session", s.id))

	runner, release, err := m.factory(ctx, s.id, &observer{m: m, s: s})
	if err != nil {
		m.fail(s, fmt.Errorf("open page: %w", err))
		m.finishRun(s)
		return
	}
	m.mu.Lock()
	s.runner, s.release = runner, release
	m.mu.Unlock()

	cb := coordinator.Callbacks{
		OnPhase: func(p tracking.Phase) { m.onPhase(s, p) },
		OnWorker: func(wp tracking.WorkerProgress) {
			m.live(s, func() { s.tracker.SetWorker(wp) })
		},
		OnDecision:   func(d tracking.DecisionReasoning) { m.onDecision(ctx, s, d) },
		OnPreference: func(a tracking.PreferenceApplication) { m.onPreference(s, a) },
	}
	pack, err := runner.Run(ctx, s.id, s.req, cb, func() bool { return m.terminal(s) })
	switch {
	case err == nil:
		m.mu.Lock()
		ready := canTransition(s.status, StatusAwaitingReview)
		if ready {
			s.pack = pack
			s.status = StatusAwaitingReview
			s.tracker.SetPhase(tracking.PhaseReviewReady)
		}
		m.mu.Unlock()
		if ready {
			if m.prov != nil {
				if perr := m.prov.RecordPack(ctx, s.id, pack); perr != nil {
					log.Warn("record pack provenance", zap.Error(perr))
				}
			}
			m.logEvent(s, recorder.EventPhase, StatusAwaitingReview)
			log.Info("review pack ready", zap.Float64("confidence", pack.Confidence))
		}
	case errors.Is(err, coordinator.ErrStopped) && m.terminal(s):
		log.Info("pipeline stopped", zap.String("status", string(m.status(s))))
	default:
		m.fail(s, err)
	}
	m.finishRun(s)
}

// finishRun marks the pipeline as finished and releases the page if the
// session already ended.
func (m *Manager) finishRun(s *session) {
	m.mu.Lock()
	s.running = false
	var rel func()
	if s.status.Terminal() && !s.applying {
		rel = s.takeRelease()
	}
	m.mu.Unlock()
	if rel != nil {
		rel()
	}
}

func (m *Manager) onPhase(s *session, p tracking.Phase) {
	to, ok := statusForPhase(p)
	m.mu.Lock()
	if s.status.Terminal() {
		m.mu.Unlock()
		return
	}
	s.tracker.SetPhase(p)
	if ok && canTransition(s.status, to) {
		s.status = to
	}
	m.mu.Unlock()
	m.logEvent(s, recorder.EventPhase, p)
}

// live runs fn under m.mu unless the session has ended, so nothing changes
// a terminal session. It reports whether fn ran.
func (m *Manager) live(s *session, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	fn()
	return true
}

func (m *Manager) onDecision(ctx context.Context, s *session, d tracking.DecisionReasoning) {
	ok := m.live(s, func() {
		s.decisions.Append(d)
		if m.prov != nil {
			if err := m.prov.RecordDecision(ctx, s.id, d); err != nil {
				m.logger.Debug("record decision provenance", zap.String("session", s.id), zap.Error(err))
			}
		}
	})
	if ok {
		m.logEvent(s, recorder.EventDecision, d)
	}
}

func (m *Manager) onPreference(s *session, a tracking.PreferenceApplication) {
	if m.live(s, func() { s.prefs = append(s.prefs, a) }) {
		m.logEvent(s, recorder.EventPreference, a)
	}
}

func (m *Manager) fail(s *session, err error) {
	m.mu.Lock()
	if !canTransition(s.status, StatusError) {
		m.mu.Unlock()
		return
	}
	s.status = StatusError
	s.err = err.Error()
	s.tracker.SetPhase(tracking.PhaseError)
	m.endLocked(s)
	m.mu.Unlock()
	m.logger.Error("session failed", zap.String("session", s.id), zap.Error(err))
	m.closeTrace(s)
}

func (m *Manager) endLocked(s *session) {
	t := m.now()
	s.end = &t
}

func (m *Manager) terminal(s *session) bool {
	return m.status(s).Terminal()
}

func (m *Manager) status(s *session) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return s.status
}

func (m *Manager) lookup(id string) (*session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// GetSessionStatus returns a snapshot without waiting on the pipeline. The
// review pack stays nil until the session reaches awaiting_review.
func (m *Manager) GetSessionStatus(ctx context.Context, id string) (*Snapshot, error) {
	m.mu.RLock()
	s, err := m.lookup(id)
	if err != nil {
		m.mu.RUnlock()
		return nil, err
	}
	snap := &Snapshot{
		ID:          s.id,
		Status:      s.status,
		Request:     s.req,
		Progress:    s.tracker.Snapshot(),
		ReviewPack:  s.pack.Clone(),
		Preferences: append([]tracking.PreferenceApplication{}, s.prefs...),
		Error:       s.err,
		StartTime:   s.start,
		EndTime:     s.end,
	}
	runner := s.runner
	m.mu.RUnlock()

	if pc, ok := runner.(PopupCounter); ok {
		if counts := pc.PopupCounts(); len(counts) > 0 {
			snap.Popups = counts
		}
	}
	snap.Decisions = s.decisions.Entries()
	if snap.Decisions == nil {
		snap.Decisions = []tracking.DecisionReasoning{}
	}
	if m.prov != nil {
		att, err := m.prov.Attention(ctx, id)
		if err != nil {
			m.logger.Debug("attention query failed", zap.String("session", id), zap.Error(err))
		}
		snap.Attention = att
	}
	return snap, nil
}

// SubmitApproval applies the reviewer's decision. Outside awaiting_review it
// returns Success=false and changes nothing. A rejection cancels the session
// without touching the cart. Modifications that fail are reported in Applied
// and do not stop the approval; only a lost login or cancellation does.
func (m *Manager) SubmitApproval(ctx context.Context, id string, a Approval) (*ApprovalResult, error) {
	m.mu.Lock()
	s, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if s.status != StatusAwaitingReview || s.applying {
		res := &ApprovalResult{Status: s.status, Message: fmt.Sprintf("session is %s, not awaiting review", s.status)}
		if s.applying {
			res.Message = "an approval is already being applied"
		}
		m.mu.Unlock()
		return res, nil
	}

	if !a.Approve {
		s.status = StatusCancelled
		s.tracker.SetPhase(tracking.PhaseCancelled)
		m.endLocked(s)
		rel := s.takeRelease()
		m.mu.Unlock()
		if rel != nil {
			rel()
		}
		m.logEvent(s, recorder.EventApproval, a)
		m.closeTrace(s)
		return &ApprovalResult{Success: true, Status: StatusCancelled, Message: "review rejected; cart left unchanged"}, nil
	}

	s.applying = true
	runner, pack := s.runner, s.pack
	m.mu.Unlock()

	m.logEvent(s, recorder.EventApproval, a)
	results, decisions, applyErr := runner.Apply(ctx, pack, a.Modifications, func() bool { return m.terminal(s) })
	for _, d := range decisions {
		m.onDecision(ctx, s, d)
	}

	m.mu.Lock()
	s.applying = false
	res := &ApprovalResult{Applied: results}
	switch {
	case errors.Is(applyErr, workers.ErrStopped) && s.status.Terminal():
		res.Message = fmt.Sprintf("session became %s while the approval was applied; %d of %d modifications ran",
			s.status, len(results), len(a.Modifications))
	case applyErr != nil && canTransition(s.status, StatusError):
		s.status = StatusError
		s.err = applyErr.Error()
		s.tracker.SetPhase(tracking.PhaseError)
		res.Message = fmt.Sprintf("approval aborted: %v", applyErr)
	case canTransition(s.status, StatusApproved):
		s.status = StatusApproved
		s.tracker.SetPhase(tracking.PhaseApproved)
		res.Success = true
		res.CartURL = runner.CartURL()
		res.Message = approvalMessage(results)
	default:
		res.Message = fmt.Sprintf("session became %s while the approval was applied", s.status)
	}
	res.Status = s.status
	if s.end == nil && s.status.Terminal() {
		m.endLocked(s)
	}
	var rel func()
	if s.status.Terminal() && !s.running {
		rel = s.takeRelease()
	}
	m.mu.Unlock()
	if rel != nil {
		rel()
	}
	m.closeTrace(s)
	return res, nil
}

func approvalMessage(results []cart.ModificationResult) string {
	failed := 0
	for _, r := range results {
		if !r.Applied {
			failed++
		}
	}
	if failed == 0 {
		return "cart is ready for checkout"
	}
	return fmt.Sprintf("cart is ready for checkout; %d of %d modifications failed", failed, len(results))
}

// CancelSession cancels a live session. It returns false when the session
// already ended. In-flight actions finish; the pipeline stops before its
// next step.
func (m *Manager) CancelSession(id string) (bool, error) {
	m.mu.Lock()
	s, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	if !canTransition(s.status, StatusCancelled) {
		m.mu.Unlock()
		return false, nil
	}
	s.status = StatusCancelled
	s.tracker.SetPhase(tracking.PhaseCancelled)
	m.endLocked(s)
	var rel func()
	if !s.running && !s.applying {
		rel = s.takeRelease()
	}
	m.mu.Unlock()
	if rel != nil {
		rel()
	}
	m.logger.Info("session cancelled", zap.String("session", id))
	m.closeTrace(s)
	return true, nil
}

// ListSessions returns summaries ordered by start time.
func (m *Manager) ListSessions() []Summary {
	m.mu.RLock()
	out := make([]Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		p := s.tracker.Snapshot()
		out = append(out, Summary{
			ID:        s.id,
			Status:    s.status,
			Phase:     p.Phase,
			Overall:   p.Overall,
			StartTime: s.start,
			EndTime:   s.end,
		})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Wait blocks until the session's pipeline goroutine has returned.
func (m *Manager) Wait(ctx context.Context, id string) error {
	m.mu.RLock()
	s, err := m.lookup(id)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown ends every live session in error with "session manager shut
// down", cancels the pipelines, waits for them, and closes all pages. No
// session can start afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var ended []*session
	for _, s := range m.sessions {
		if canTransition(s.status, StatusError) {
			s.status = StatusError
			s.err = errShutDown.Error()
			s.tracker.SetPhase(tracking.PhaseError)
			m.endLocked(s)
			ended = append(ended, s)
		}
	}
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for pipelines: %w", ctx.Err())
	}

	m.mu.Lock()
	var rels []func()
	for _, s := range m.sessions {
		if rel := s.takeRelease(); rel != nil {
			rels = append(rels, rel)
		}
	}
	m.mu.Unlock()

	for _, rel := range rels {
		rel()
	}
	for _, s := range ended {
		m.closeTrace(s)
	}
	return nil
}

func (m *Manager) logEvent(s *session, eventType string, data interface{}) {
	if m.recorder != nil {
		m.recorder.Log(s.id, eventType, data)
	}
}

func (m *Manager) closeTrace(s *session) {
	if m.recorder == nil {
		return
	}
	m.mu.RLock()
	summary := map[string]interface{}{"status": s.status, "error": s.err}
	m.mu.RUnlock()
	if err := m.recorder.End(s.id, summary); err != nil {
		m.logger.Debug("close trace", zap.String("session", s.id), zap.Error(err))
	}
}

// observer forwards action progress into the session tracker.
type observer struct {
	m *Manager
	s *session
}

func (o *observer) ActionStarted(name string) {
	o.m.live(o.s, func() { o.s.tracker.SetAction(name) })
}

func (o *observer) ActionFinished(name string, success bool, d time.Duration, te *resilience.ToolError) {
	if !o.m.live(o.s, func() { o.s.tracker.SetAction("") }) {
		return
	}
	evt := map[string]interface{}{"action": name, "success": success, "duration_ms": d.Milliseconds()}
	if te != nil {
		evt["error"] = te
	}
	o.m.logEvent(o.s, recorder.EventAction, evt)
}
