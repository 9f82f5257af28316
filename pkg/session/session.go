// Package session is the execution controller: it maps operator commands to
// actions on one live workflow and runs the dispatch pipeline.
//
// All access to the workflow goes through the session lock, one command at
// a time. The file watcher never touches the workflow; it only marks a reload
// as pending, and the pending reload is applied between commands.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ormasoftchile/apiline/pkg/auth"
	"github.com/ormasoftchile/apiline/pkg/step"
	"github.com/ormasoftchile/apiline/pkg/transport"
	"github.com/ormasoftchile/apiline/pkg/vars"
	"github.com/ormasoftchile/apiline/pkg/workflow"
	"go.uber.org/zap"
)

// UnresolvedPolicy decides what happens to ${name} placeholders that have no
// bound variable.
type UnresolvedPolicy string

const (
	// UnresolvedWarn sends the placeholder text literally and reports a warning.
	UnresolvedWarn UnresolvedPolicy = "warn"
	// UnresolvedAbort fails the step before dispatch.
	UnresolvedAbort UnresolvedPolicy = "abort"
)

// ParseUnresolvedPolicy parses a policy name; empty means warn.
func ParseUnresolvedPolicy(s string) (UnresolvedPolicy, error) {
	switch UnresolvedPolicy(s) {
	case "", UnresolvedWarn:
		return UnresolvedWarn, nil
	case UnresolvedAbort:
		return UnresolvedAbort, nil
	}
	return "", fmt.Errorf("unknown unresolved policy %q (want warn or abort)", s)
}

// Options is the configuration bundle the session starts with.
type Options struct {
	// BaseURL prefixes every relative endpoint.
	BaseURL string
	// StartFrom is the 0-based index the cursor starts at.
	StartFrom int
	// DefaultAPIKey is the admin-mode fallback.
	DefaultAPIKey string
	// APIKeyVar and TokenVars name the variables auth modes read.
	APIKeyVar string
	TokenVars []string
	// Timeout applies to steps that declare none.
	Timeout    time.Duration
	Unresolved UnresolvedPolicy
}

var (
	// ErrNoPendingSteps is returned by ExecuteNext when the cursor is past
	// the last step.
	ErrNoPendingSteps = errors.New("no pending steps")
	// ErrStepRange is wrapped when a step index is out of range.
	ErrStepRange = errors.New("step out of range")
)

// Session is one interactive run over a workflow.
type Session struct {
	mu       sync.Mutex
	wf       *workflow.Workflow
	sender   transport.Sender
	resolver *auth.Resolver
	opts     Options
	log      *zap.Logger

	reloadPending atomic.Bool
}

// New creates a session over wf. The cursor starts at opts.StartFrom,
// clamped to the number of steps.
func New(wf *workflow.Workflow, sender transport.Sender, opts Options, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = transport.DefaultTimeout
	}
	if opts.Unresolved == "" {
		opts.Unresolved = UnresolvedWarn
	}
	resolver := auth.NewResolver(opts.DefaultAPIKey)
	if opts.APIKeyVar != "" {
		resolver.APIKeyVar = opts.APIKeyVar
	}
	if len(opts.TokenVars) > 0 {
		resolver.TokenVars = opts.TokenVars
	}

	start := opts.StartFrom
	if start < 0 {
		start = 0
	}
	if start > len(wf.Steps) {
		start = len(wf.Steps)
	}
	wf.Cursor = start

	return &Session{
		wf:       wf,
		sender:   sender,
		resolver: resolver,
		opts:     opts,
		log:      log,
	}
}

// Path returns the workflow file path.
func (s *Session) Path() string {
	return s.wf.Path
}

// Variables returns an ordered snapshot of the variable store.
func (s *Session) Variables() []vars.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wf.Vars.Snapshot()
}

// SetVariable binds name and writes the variables back immediately. The
// binding stays in memory even when the write-back fails.
func (s *Session) SetVariable(name string, value any) error {
	if name == "" {
		return errors.New("variable name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wf.Vars.Set(name, value)
	s.log.Debug("variable set", zap.String("name", name))
	if err := s.wf.WriteBack(); err != nil {
		s.persistFailed(err)
		s.log.Warn("write-back failed", zap.String("name", name), zap.Error(err))
		return err
	}
	return nil
}

// persistFailed queues a reload after a write-back refused because of an
// external edit, so the bindings are written once the edit is merged.
func (s *Session) persistFailed(err error) {
	if errors.Is(err, workflow.ErrExternalChange) {
		s.reloadPending.Store(true)
	}
}

// StepView is a read-only description of one step.
type StepView struct {
	Index      int        `json:"index"`
	Name       string     `json:"name"`
	Method     string     `json:"method"`
	Endpoint   string     `json:"endpoint"`
	Auth       string     `json:"auth,omitempty"`
	State      step.State `json:"state"`
	Attempts   int        `json:"attempts,omitempty"`
	LastStatus int        `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Current    bool       `json:"current,omitempty"`
}

// Steps lists every step with its current state.
func (s *Session) Steps() []StepView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepViews()
}

func (s *Session) stepViews() []StepView {
	views := make([]StepView, len(s.wf.Steps))
	for i, st := range s.wf.Steps {
		v := StepView{
			Index:    i,
			Name:     st.Def.Name,
			Method:   st.Def.Method,
			Endpoint: st.Def.Endpoint,
			Auth:     st.Def.Auth,
			State:    st.Runtime.State,
			Attempts: st.Runtime.Attempts,
			Current:  i == s.wf.Cursor,
		}
		if st.Runtime.Last != nil {
			v.LastStatus = st.Runtime.Last.Status
		}
		if st.Runtime.LastError != nil {
			v.LastError = st.Runtime.LastError.Error()
		}
		views[i] = v
	}
	return views
}

// Cursor returns the index of the next step and the step count.
func (s *Session) Cursor() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wf.Cursor, len(s.wf.Steps)
}

// Skip marks step i as skipped.
func (s *Session) Skip(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIndex(i); err != nil {
		return err
	}
	if err := s.wf.Steps[i].Runtime.Skip(); err != nil {
		return err
	}
	s.log.Info("step skipped", zap.Int("index", i), zap.String("step", s.wf.Steps[i].Def.Name))
	s.wf.AdvanceCursor()
	return nil
}

func (s *Session) checkIndex(i int) error {
	if i < 0 || i >= len(s.wf.Steps) {
		return fmt.Errorf("%w: %d (have %d steps)", ErrStepRange, i+1, len(s.wf.Steps))
	}
	return nil
}

// ConfirmFunc is asked before a prepared request is sent. Returning false
// cancels the dispatch and leaves the step untouched. A nil ConfirmFunc
// sends without asking.
type ConfirmFunc func(p *Prepared) bool

// ExecuteNext runs the step at the cursor.
func (s *Session) ExecuteNext(ctx context.Context, confirm ConfirmFunc) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wf.AdvanceCursor()
	if s.wf.Cursor >= len(s.wf.Steps) {
		return nil, ErrNoPendingSteps
	}
	return s.execute(ctx, s.wf.Cursor, confirm), nil
}

// ExecuteAt runs step i regardless of its state; completed, failed and
// skipped steps are re-dispatched.
func (s *Session) ExecuteAt(ctx context.Context, i int, confirm ConfirmFunc) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIndex(i); err != nil {
		return nil, err
	}
	return s.execute(ctx, i, confirm), nil
}

// ExecuteAll runs every step from the cursor on that is not completed or
// skipped, in order. It stops at the first failure unless
// continueOnFailure is set. A step whose confirmation is declined is marked
// skipped and the run goes on with the next one.
func (s *Session) ExecuteAll(ctx context.Context, continueOnFailure bool, confirm ConfirmFunc) []*Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []*Result
	for i := s.wf.Cursor; i < len(s.wf.Steps); i++ {
		if s.wf.Steps[i].Runtime.State.Done() {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		r := s.execute(ctx, i, confirm)
		results = append(results, r)
		if r.Cancelled {
			if err := s.wf.Steps[i].Runtime.Skip(); err == nil {
				r.State = step.Skipped
				s.log.Info("step skipped at confirmation", zap.Int("index", i), zap.String("step", r.Name))
			}
			s.wf.AdvanceCursor()
			continue
		}
		if r.State == step.Failed && !continueOnFailure {
			s.log.Info("execute all stopped at failure", zap.Int("index", i), zap.String("step", r.Name))
			break
		}
	}
	return results
}

// MarkReloadPending records that the workflow file may have changed. It is
// safe to call from any goroutine.
func (s *Session) MarkReloadPending() {
	s.reloadPending.Store(true)
}

// ReloadPending reports whether a reload hint is waiting.
func (s *Session) ReloadPending() bool {
	return s.reloadPending.Load()
}

// ApplyPendingReload reconciles the file into the workflow if a hint is
// pending and the content actually changed. A nil report means nothing
// was applied.
func (s *Session) ApplyPendingReload() (*workflow.ReloadReport, error) {
	if !s.reloadPending.Swap(false) {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	changed, err := s.wf.Changed()
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, nil
	}
	return s.reload()
}

// Reload reconciles the file into the workflow now, reporting validation
// problems even for a version that was rejected before.
func (s *Session) Reload() (*workflow.ReloadReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reload()
}

func (s *Session) reload() (*workflow.ReloadReport, error) {
	report, err := s.wf.Reload()
	if errors.Is(err, workflow.ErrReloadDeferred) {
		s.reloadPending.Store(true)
		return nil, err
	}
	if err != nil {
		s.log.Warn("reload failed", zap.String("path", s.wf.Path), zap.Error(err))
	}
	return report, err
}
