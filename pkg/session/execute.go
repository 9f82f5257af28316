package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ormasoftchile/apiline/pkg/auth"
	"github.com/ormasoftchile/apiline/pkg/extract"
	"github.com/ormasoftchile/apiline/pkg/step"
	"github.com/ormasoftchile/apiline/pkg/transport"
	"github.com/ormasoftchile/apiline/pkg/vars"
	"github.com/ormasoftchile/apiline/pkg/workflow"
	"go.uber.org/zap"
)

// StatusMismatchError is a response whose status differs from the
// expected one.
type StatusMismatchError struct {
	Expected int
	Actual   int
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("expected %d, got %d", e.Expected, e.Actual)
}

// Prepared is a step with every template resolved, ready to send.
type Prepared struct {
	Index    int
	Name     string
	AuthMode string
	Request  *transport.Request
	// Unresolved lists placeholders that had no bound variable.
	Unresolved []string
}

// Miss is an extraction that found nothing.
type Miss struct {
	Variable string
	Path     string
}

func (m Miss) String() string {
	return fmt.Sprintf("%s (%s)", m.Variable, m.Path)
}

// Result is the outcome of one execute command.
type Result struct {
	Index int
	Name  string
	// State is the step state after the command.
	State     step.State
	Cancelled bool

	Request  *transport.Request
	Response *transport.Response
	// Body is the decoded response body.
	Body any

	Extracted []vars.Entry
	Misses    []Miss
	Warnings  []string

	// Err is why the step failed.
	Err error
	// PersistErr is a write-back failure; the step outcome is unaffected.
	PersistErr error
}

// execute runs the full pipeline for step i. The caller holds the lock.
func (s *Session) execute(ctx context.Context, i int, confirm ConfirmFunc) *Result {
	st := s.wf.Steps[i]
	log := s.log.With(zap.Int("index", i), zap.String("step", st.Def.Name))
	res := &Result{Index: i, Name: st.Def.Name, State: st.Runtime.State}

	p, err := s.prepare(i)
	if p != nil {
		res.Request = p.Request
		for _, name := range p.Unresolved {
			res.Warnings = append(res.Warnings, fmt.Sprintf("unresolved variable ${%s} sent literally", name))
		}
	}
	if err != nil {
		// Auth and substitution problems abort before any network call.
		s.fail(st, res, err, nil)
		log.Warn("step aborted before dispatch", zap.Error(err))
		return res
	}

	if confirm != nil && !confirm(p) {
		res.Cancelled = true
		log.Debug("dispatch cancelled by operator")
		return res
	}

	if err := st.Runtime.Dispatch(); err != nil {
		res.Err = err
		return res
	}
	res.State = step.Executing
	log.Info("dispatching",
		zap.String("method", p.Request.Method),
		zap.String("url", p.Request.URL),
		zap.Int("attempt", st.Runtime.Attempts))

	resp, err := s.sender.Send(ctx, p.Request)
	if err != nil {
		s.fail(st, res, err, nil)
		log.Warn("transport failure", zap.Error(err))
		return res
	}
	res.Response = resp
	summary := &step.Response{Status: resp.Status, Body: resp.Body, Duration: resp.Duration}

	if want := st.Def.Expected(); want != 0 && resp.Status != want {
		s.fail(st, res, &StatusMismatchError{Expected: want, Actual: resp.Status}, summary)
		res.Body = extract.DecodeBody(resp.Body)
		log.Warn("status mismatch", zap.Int("expected", want), zap.Int("actual", resp.Status))
		return res
	}

	res.Body = extract.DecodeBody(resp.Body)
	res.Extracted, res.Misses = extractAll(&st.Def, res.Body)
	for _, m := range res.Misses {
		log.Info("extraction found nothing", zap.String("variable", m.Variable), zap.String("path", m.Path))
	}
	if len(res.Extracted) > 0 {
		s.wf.Vars.Merge(res.Extracted)
		if err := s.wf.WriteBack(); err != nil {
			res.PersistErr = err
			s.persistFailed(err)
			log.Warn("write-back failed", zap.Error(err))
		}
	}

	if err := st.Runtime.Complete(summary); err != nil {
		res.Err = err
		return res
	}
	res.State = step.Completed
	// Only running the step at the cursor moves it; a step run by number
	// leaves earlier pending steps ahead of the cursor.
	if i == s.wf.Cursor {
		s.wf.AdvanceCursor()
	}
	log.Info("step completed",
		zap.Int("status", resp.Status),
		zap.Duration("duration", resp.Duration),
		zap.Int("extracted", len(res.Extracted)))
	return res
}

// fail moves the step to failed, dispatching first when it never left
// its resting state so that the transition stays legal.
func (s *Session) fail(st *workflow.Step, res *Result, cause error, resp *step.Response) {
	res.Err = cause
	if st.Runtime.State != step.Executing {
		if err := st.Runtime.Dispatch(); err != nil {
			res.State = st.Runtime.State
			return
		}
	}
	if err := st.Runtime.Fail(cause, resp); err != nil {
		res.Err = errors.Join(cause, err)
	}
	res.State = st.Runtime.State
}

// prepare resolves step i against the variable store. The returned Prepared
// is set even on error when the request could be built.
func (s *Session) prepare(i int) (*Prepared, error) {
	def := &s.wf.Steps[i].Def
	store := s.wf.Vars

	var unresolved []string
	note := func(names []string) {
		for _, n := range names {
			if !contains(unresolved, n) {
				unresolved = append(unresolved, n)
			}
		}
	}

	endpoint, missing := vars.SubstituteString(def.Endpoint, store)
	note(missing)

	var body any
	if def.Payload != nil {
		sub := vars.Substitute(def.Payload, store)
		note(sub.Unresolved)
		body = sub.Value
	}

	headers := make(map[string]string, len(def.Headers)+1)
	names := make([]string, 0, len(def.Headers))
	for k := range def.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		v, missing := vars.SubstituteString(def.Headers[k], store)
		note(missing)
		headers[k] = v
	}

	authHeaders, missing, authErr := s.resolver.Headers(def.Auth, store)
	note(missing)
	for k, v := range authHeaders {
		headers[k] = v
	}

	timeout := s.opts.Timeout
	if def.Timeout != "" {
		if d, err := time.ParseDuration(def.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}

	authMode := def.Auth
	if authMode == "" {
		authMode = string(auth.KindNone)
	}
	p := &Prepared{
		Index:    i,
		Name:     def.Name,
		AuthMode: authMode,
		Request: &transport.Request{
			Method:  strings.ToUpper(def.Method),
			URL:     resolveURL(s.opts.BaseURL, endpoint),
			Headers: headers,
			Body:    body,
			Timeout: timeout,
		},
		Unresolved: unresolved,
	}

	if authErr != nil {
		return p, authErr
	}
	if len(unresolved) > 0 && s.opts.Unresolved == UnresolvedAbort {
		return p, &vars.UnresolvedError{Names: unresolved}
	}
	return p, nil
}

// Prepare resolves step i without dispatching it, for previews.
func (s *Session) Prepare(i int) (*Prepared, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIndex(i); err != nil {
		return nil, err
	}
	return s.prepare(i)
}

// extractAll applies the step's extraction rules to body. save_multiple
// takes precedence over save_as; save_as without extract_path binds the
// whole body.
func extractAll(def *workflow.Request, body any) ([]vars.Entry, []Miss) {
	var found []vars.Entry
	var misses []Miss

	if len(def.SaveMultiple) > 0 {
		names := make([]string, 0, len(def.SaveMultiple))
		for name := range def.SaveMultiple {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			path := def.SaveMultiple[name]
			if v, ok := extract.Lookup(body, path); ok {
				found = append(found, vars.Entry{Name: name, Value: v})
			} else {
				misses = append(misses, Miss{Variable: name, Path: path})
			}
		}
		return found, misses
	}

	if def.SaveAs == "" {
		return nil, nil
	}
	if def.ExtractPath == "" {
		return []vars.Entry{{Name: def.SaveAs, Value: body}}, nil
	}
	if v, ok := extract.Lookup(body, def.ExtractPath); ok {
		return []vars.Entry{{Name: def.SaveAs, Value: v}}, nil
	}
	return nil, []Miss{{Variable: def.SaveAs, Path: def.ExtractPath}}
}

// resolveURL prefixes relative endpoints with base.
func resolveURL(base, endpoint string) string {
	lower := strings.ToLower(endpoint)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return endpoint
	}
	if base == "" {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return strings.TrimRight(base, "/") + endpoint
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
