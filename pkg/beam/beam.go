// Package beam runs one conversation turn against several models in parallel
// and merges a single winning candidate back into the conversation.
//
// A beam moves closed -> open -> merged|cancelled -> closed. Rays (one per
// model call) are independent: a ray failing or being stopped never touches
// another ray. Nothing a ray produces reaches the conversation except through
// Merge.
package beam

import (
	"context"
	"sync"

	"github.com/go-go-golems/confab/pkg/backend"
	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/go-go-golems/confab/pkg/events"
	"github.com/go-go-golems/confab/pkg/helpers"
	"github.com/go-go-golems/confab/pkg/stream"
	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrConfigIssue is returned by Open when the history cannot seed a beam.
	ErrConfigIssue     = errors.New("beam configuration issue")
	ErrBeamNotOpen     = errors.New("beam is not open")
	ErrBeamAlreadyOpen = errors.New("beam is already open")
	ErrRayNotFound     = errors.New("ray not found")
	ErrRayNotMergeable = errors.New("ray has no successful candidate")

	errStaleSnapshot = errors.New("stale snapshot")
)

type Phase string

const (
	PhaseClosed    Phase = "closed"
	PhaseOpen      Phase = "open"
	PhaseMerged    Phase = "merged"
	PhaseCancelled Phase = "cancelled"
)

type RayStatus string

const (
	RayEmpty      RayStatus = "empty"
	RayScattering RayStatus = "scattering"
	RaySuccess    RayStatus = "success"
	RayError      RayStatus = "error"
	RayStopped    RayStatus = "stopped"
)

type RayID string

// Candidate is the content a ray offers for merging.
type Candidate struct {
	RayID     RayID
	Fragments []conversation.Fragment
	Generator *conversation.Generator
}

func (c Candidate) Text() string {
	m := conversation.Message{Fragments: c.Fragments}
	return m.Text()
}

// SuccessFunc writes the merged candidate into the conversation.
type SuccessFunc func(c Candidate) error

// RequestBuilder turns the seed history into the backend request of a ray.
type RequestBuilder func(llmID string, history []*conversation.Message) backend.Request

func DefaultRequestBuilder(llmID string, history []*conversation.Message) backend.Request {
	return backend.Request{ModelID: llmID, Messages: backend.MessagesFromHistory(history)}
}

type RaySnapshot struct {
	ID        RayID
	LLMID     string
	Status    RayStatus
	Text      string
	OriginLLM string
	Error     string
	Imported  bool
}

// Snapshot is an immutable view of the beam.
type Snapshot struct {
	Version       uint64
	Phase         Phase
	ConfigIssue   string
	HistoryLength int
	Rays          []RaySnapshot
}

type ray struct {
	id        RayID
	llmID     string
	status    RayStatus
	text      string
	originLLM string
	errText   string
	imported  bool
	candidate *Candidate
	// run identifies the current generation of the ray; updates of older
	// runs are dropped
	run    uint64
	cancel context.CancelFunc
}

func (r *ray) snapshot() RaySnapshot {
	return RaySnapshot{
		ID:        r.id,
		LLMID:     r.llmID,
		Status:    r.status,
		Text:      r.text,
		OriginLLM: r.originLLM,
		Error:     r.errText,
		Imported:  r.imported,
	}
}

type Store struct {
	mu           sync.Mutex
	streamer     stream.Streamer
	buildRequest RequestBuilder
	sink         events.EventSink
	conversation string

	phase       Phase
	configIssue string
	history     []*conversation.Message
	rays        []*ray
	onSuccess   SuccessFunc
	runs        uint64
	version     uint64
	// session counts Open calls; merging is set while a Merge of the current
	// session runs its success callback
	session uint64
	merging bool
	// group holds the ray goroutines of the current session
	group *errgroup.Group

	state *helpers.Observable[*Snapshot]
}

type Option func(*Store)

func WithRequestBuilder(b RequestBuilder) Option {
	return func(s *Store) {
		s.buildRequest = b
	}
}

func WithEventSink(sink events.EventSink) Option {
	return func(s *Store) {
		s.sink = sink
	}
}

// WithConversationID tags published events with the owning conversation.
func WithConversationID(id conversation.ConversationID) Option {
	return func(s *Store) {
		s.conversation = string(id)
	}
}

func NewStore(streamer stream.Streamer, options ...Option) *Store {
	s := &Store{
		streamer:     streamer,
		buildRequest: DefaultRequestBuilder,
		phase:        PhaseClosed,
		state:        helpers.NewObservable(&Snapshot{Phase: PhaseClosed}),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Store) Snapshot() *Snapshot {
	return s.state.Get()
}

func (s *Store) Subscribe(fn func(*Snapshot)) (unsubscribe func()) {
	return s.state.Subscribe(fn)
}

func (s *Store) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == PhaseOpen
}

// Open seeds the beam with a deep copy of history, which must end with a user
// message. importMessages become rays that already succeeded, so an existing
// answer competes with the new ones.
func (s *Store) Open(history []*conversation.Message, importMessages []*conversation.Message, onSuccess SuccessFunc) error {
	s.mu.Lock()
	if s.phase == PhaseOpen {
		s.mu.Unlock()
		return ErrBeamAlreadyOpen
	}

	if issue := validateHistory(history); issue != "" {
		s.configIssue = issue
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.publish(snap)
		log.Debug().Str("conversation_id", s.conversation).Str("issue", issue).Msg("beam not opened")
		return errors.Wrap(ErrConfigIssue, issue)
	}

	s.configIssue = ""
	s.session++
	s.merging = false
	s.group = &errgroup.Group{}
	s.history = clone.Clone(append([]*conversation.Message(nil), history...)).([]*conversation.Message)
	s.onSuccess = onSuccess
	s.rays = nil
	for _, m := range importMessages {
		if m == nil {
			continue
		}
		s.rays = append(s.rays, importedRay(m))
	}
	s.phase = PhaseOpen
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	s.emit(events.NewBeamOpenEvent(s.metadata(""), len(history)))
	return nil
}

func validateHistory(history []*conversation.Message) string {
	if len(history) == 0 {
		return "there is no history to beam"
	}
	last := history[len(history)-1]
	if last == nil || last.Role != conversation.RoleUser {
		return "the last message must be a user message"
	}
	return ""
}

func importedRay(m *conversation.Message) *ray {
	frags := make([]conversation.Fragment, 0, len(m.Fragments))
	for _, f := range m.Fragments {
		if f == nil || conversation.IsPlaceholder(f) {
			continue
		}
		frags = append(frags, conversation.RekeyFragment(f))
	}
	var gen *conversation.Generator
	if m.Generator != nil {
		g := *m.Generator
		gen = &g
	}
	r := &ray{
		id:       newRayID(),
		status:   RaySuccess,
		imported: true,
		text:     m.Text(),
	}
	if gen != nil {
		r.llmID = gen.ModelID
		r.originLLM = gen.ModelID
	}
	r.candidate = &Candidate{RayID: r.id, Fragments: frags, Generator: gen}
	return r
}

func newRayID() RayID {
	return RayID(uuid.NewString())
}

// AddRays adds one empty ray per model id.
func (s *Store) AddRays(llmIDs ...string) ([]RayID, error) {
	s.mu.Lock()
	if s.phase != PhaseOpen {
		s.mu.Unlock()
		return nil, ErrBeamNotOpen
	}
	ids := make([]RayID, 0, len(llmIDs))
	for _, llmID := range llmIDs {
		r := &ray{id: newRayID(), llmID: llmID, status: RayEmpty}
		s.rays = append(s.rays, r)
		ids = append(ids, r.id)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return ids, nil
}

// RemoveRay stops and drops a ray.
func (s *Store) RemoveRay(id RayID) error {
	s.mu.Lock()
	idx := s.rayIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return errors.Wrapf(ErrRayNotFound, "ray %s", id)
	}
	r := s.rays[idx]
	if r.cancel != nil {
		r.cancel()
	}
	s.rays = append(s.rays[:idx:idx], s.rays[idx+1:]...)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return nil
}

// StartAll starts every ray that is not running and has no imported answer.
func (s *Store) StartAll(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseOpen {
		s.mu.Unlock()
		return ErrBeamNotOpen
	}
	var starts []func()
	for _, r := range s.rays {
		if r.status == RayScattering || r.imported {
			continue
		}
		starts = append(starts, s.prepareRunLocked(ctx, r))
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	for _, start := range starts {
		start()
	}
	return nil
}

// StartRay (re)starts one ray, cancelling its current run if any.
func (s *Store) StartRay(ctx context.Context, id RayID) error {
	s.mu.Lock()
	if s.phase != PhaseOpen {
		s.mu.Unlock()
		return ErrBeamNotOpen
	}
	idx := s.rayIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return errors.Wrapf(ErrRayNotFound, "ray %s", id)
	}
	start := s.prepareRunLocked(ctx, s.rays[idx])
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	start()
	return nil
}

// prepareRunLocked marks the ray as scattering and returns the function that
// launches it once the lock is released.
func (s *Store) prepareRunLocked(ctx context.Context, r *ray) func() {
	if r.cancel != nil {
		r.cancel()
	}
	s.runs++
	run := s.runs
	rayCtx, cancel := context.WithCancel(ctx)
	r.run = run
	r.cancel = cancel
	r.status = RayScattering
	r.text = ""
	r.errText = ""
	r.originLLM = ""
	r.imported = false
	r.candidate = nil

	req := s.buildRequest(r.llmID, s.history)
	id := r.id
	group := s.group
	return func() {
		group.Go(func() error {
			defer cancel()
			final := s.streamer.Generate(rayCtx, req, func(u stream.Update) {
				if !u.Done {
					s.rayUpdate(id, run, u)
				}
			})
			s.rayFinish(id, run, final)
			return nil
		})
	}
}

func (s *Store) currentRayLocked(id RayID, run uint64) *ray {
	idx := s.rayIndexLocked(id)
	if idx < 0 || s.rays[idx].run != run || s.phase != PhaseOpen {
		return nil
	}
	return s.rays[idx]
}

func (s *Store) rayUpdate(id RayID, run uint64, u stream.Update) {
	s.mu.Lock()
	r := s.currentRayLocked(id, run)
	if r == nil {
		s.mu.Unlock()
		return
	}
	r.text = u.TextSoFar
	if u.OriginLLM != "" {
		r.originLLM = u.OriginLLM
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
}

func (s *Store) rayFinish(id RayID, run uint64, u stream.Update) {
	s.mu.Lock()
	r := s.currentRayLocked(id, run)
	if r == nil {
		s.mu.Unlock()
		return
	}
	r.cancel = nil
	r.text = u.TextSoFar
	if u.OriginLLM != "" {
		r.originLLM = u.OriginLLM
	}

	switch {
	case u.Aborted:
		r.status = RayStopped
	case u.Err != nil:
		r.status = RayError
		if stream.IsModerationFailure(u.Err) {
			r.errText = u.TextSoFar
		} else {
			r.errText = backend.Explain(u.Err)
		}
	case u.TextSoFar == "":
		r.status = RayError
		r.errText = "The model returned an empty answer."
	default:
		r.status = RaySuccess
		model := r.originLLM
		if model == "" {
			model = r.llmID
		}
		r.candidate = &Candidate{
			RayID:     r.id,
			Fragments: []conversation.Fragment{conversation.NewTextFragment(u.TextSoFar)},
			Generator: conversation.ModelGenerator(model),
		}
	}
	rs := r.snapshot()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	s.emit(events.NewBeamRayEvent(s.metadata(string(rs.ID)).WithModel(rs.OriginLLM), string(rs.Status), rs.Text, rs.Error))
	log.Debug().
		Str("conversation_id", s.conversation).
		Str("ray_id", string(rs.ID)).
		Str("model", rs.LLMID).
		Str("status", string(rs.Status)).
		Msg("ray finished")
}

// StopRay cancels a running ray. Its partial text is kept.
func (s *Store) StopRay(id RayID) error {
	s.mu.Lock()
	idx := s.rayIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return errors.Wrapf(ErrRayNotFound, "ray %s", id)
	}
	cancel := s.rays[idx].cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Wait blocks until every ray started in the current or last session has
// finished.
func (s *Store) Wait() {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()
	if group != nil {
		_ = group.Wait()
	}
}

// Merge hands the candidate of a successful ray to the success callback and
// terminates the beam. Only one Merge runs at a time: others fail with
// ErrBeamNotOpen. If the callback fails the beam stays open.
func (s *Store) Merge(id RayID) error {
	s.mu.Lock()
	if s.phase != PhaseOpen || s.merging {
		s.mu.Unlock()
		return ErrBeamNotOpen
	}
	idx := s.rayIndexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return errors.Wrapf(ErrRayNotFound, "ray %s", id)
	}
	r := s.rays[idx]
	if r.status != RaySuccess || r.candidate == nil {
		s.mu.Unlock()
		return errors.Wrapf(ErrRayNotMergeable, "ray %s is %s", id, r.status)
	}
	candidate := *r.candidate
	candidate.Fragments = append([]conversation.Fragment(nil), r.candidate.Fragments...)
	onSuccess := s.onSuccess
	session := s.session
	s.merging = true
	s.mu.Unlock()

	if onSuccess != nil {
		if err := onSuccess(candidate); err != nil {
			s.mu.Lock()
			if s.session == session {
				s.merging = false
			}
			s.mu.Unlock()
			return errors.Wrap(err, "could not merge beam candidate")
		}
	}

	s.mu.Lock()
	if s.session != session || s.phase != PhaseOpen {
		// terminated while the candidate was written
		s.mu.Unlock()
		return nil
	}
	s.merging = false
	s.phase = PhaseMerged
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
	s.emit(events.NewBeamMergedEvent(s.metadata(string(id)), candidate.Text()))

	s.terminate("merged")
	return nil
}

// Terminate cancels every ray, discards all candidates and closes the beam.
// Terminating a closed beam does nothing.
func (s *Store) Terminate() {
	s.terminate("cancelled")
}

func (s *Store) terminate(reason string) {
	s.mu.Lock()
	if s.phase == PhaseClosed && len(s.rays) == 0 && s.configIssue == "" {
		s.mu.Unlock()
		return
	}
	wasOpen := s.phase == PhaseOpen || s.phase == PhaseMerged
	for _, r := range s.rays {
		if r.cancel != nil {
			r.cancel()
			r.cancel = nil
		}
	}
	if s.phase == PhaseOpen {
		s.phase = PhaseCancelled
		cancelled := s.snapshotLocked()
		s.mu.Unlock()
		s.publish(cancelled)
		s.mu.Lock()
	}
	s.rays = nil
	s.history = nil
	s.onSuccess = nil
	s.merging = false
	s.configIssue = ""
	s.phase = PhaseClosed
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	if wasOpen {
		s.emit(events.NewBeamClosedEvent(s.metadata(""), reason))
	}
}

func (s *Store) rayIndexLocked(id RayID) int {
	for i, r := range s.rays {
		if r.id == id {
			return i
		}
	}
	return -1
}

func (s *Store) snapshotLocked() *Snapshot {
	s.version++
	snap := &Snapshot{
		Version:       s.version,
		Phase:         s.phase,
		ConfigIssue:   s.configIssue,
		HistoryLength: len(s.history),
		Rays:          make([]RaySnapshot, 0, len(s.rays)),
	}
	for _, r := range s.rays {
		snap.Rays = append(snap.Rays, r.snapshot())
	}
	return snap
}

// publish drops snapshots older than the published one, since rays publish
// from their own goroutines.
func (s *Store) publish(snap *Snapshot) {
	_, _ = s.state.Update(func(cur *Snapshot) (*Snapshot, error) {
		if cur != nil && cur.Version >= snap.Version {
			return nil, errStaleSnapshot
		}
		return snap, nil
	})
}

func (s *Store) metadata(rayID string) events.EventMetadata {
	return events.NewMetadata(s.conversation, "").WithRay(rayID)
}

func (s *Store) emit(e events.Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.PublishEvent(e); err != nil {
		log.Debug().Err(err).Str("event_type", string(e.Type())).Msg("failed to publish beam event")
	}
}

// Ray returns the snapshot of one ray.
func (s *Store) Ray(id RayID) (RaySnapshot, error) {
	for _, r := range s.Snapshot().Rays {
		if r.ID == id {
			return r, nil
		}
	}
	return RaySnapshot{}, errors.Wrapf(ErrRayNotFound, "ray %s", id)
}
