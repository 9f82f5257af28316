package workflow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/ormasoftchile/apiline/pkg/step"
	"github.com/ormasoftchile/apiline/pkg/vars"
	"go.uber.org/zap"
)

var (
	// ErrExternalChange is wrapped by a write-back that found the file
	// edited since the last load; the variables are written after reload.
	ErrExternalChange = errors.New("workflow file changed on disk since last load")
	// ErrReloadDeferred means reconciliation was attempted while a step was
	// executing.
	ErrReloadDeferred = errors.New("reload deferred: a step is executing")
)

// PersistenceError reports a failed read or write of the workflow file.
// The in-memory workflow stays authoritative when it occurs.
type PersistenceError struct {
	Op   string // read, write, parse, validate
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Step pairs an immutable definition with its runtime state.
type Step struct {
	Def     Request
	Runtime *step.Runtime
}

// Workflow is the live, in-memory workflow of one session: the variable
// store, the ordered steps and the fingerprint of the on-disk projection.
//
// Workflow is not safe for concurrent use. The session serializes all
// access; the file watcher only raises a hint.
type Workflow struct {
	Path   string
	Vars   *vars.Store
	Steps  []*Step
	Cursor int

	doc         *Document
	fingerprint string
	rejected    string
	dirty       bool
	log         *zap.Logger
}

// Fingerprint returns the SHA-256 of data, hex encoded.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Load reads, validates and parses the workflow at path. Validation warnings
// are returned alongside a usable workflow; validation errors fail the load.
func Load(path string, log *zap.Logger) (*Workflow, []*ValidationError, error) {
	if log == nil {
		log = zap.NewNop()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &PersistenceError{Op: "read", Path: path, Err: err}
	}
	doc, verrs := Validate(data)
	if HasErrors(verrs) {
		return nil, verrs, &PersistenceError{Op: "validate", Path: path, Err: firstError(verrs)}
	}

	w := &Workflow{
		Path:        path,
		Vars:        vars.NewStore(),
		doc:         doc,
		fingerprint: Fingerprint(data),
		log:         log,
	}
	w.Vars.Merge(doc.Variables)
	for _, r := range doc.Requests {
		w.Steps = append(w.Steps, &Step{Def: r, Runtime: step.NewRuntime()})
	}
	log.Debug("workflow loaded",
		zap.String("path", path),
		zap.Int("steps", len(w.Steps)),
		zap.Int("variables", w.Vars.Len()),
		zap.String("fingerprint", w.fingerprint[:12]))
	return w, verrs, nil
}

func firstError(errs []*ValidationError) error {
	for _, e := range errs {
		if e.Severity != "warning" {
			return e
		}
	}
	return nil
}

// StoredFingerprint returns the fingerprint of the bytes last loaded or
// written by this workflow.
func (w *Workflow) StoredFingerprint() string {
	return w.fingerprint
}

// Dirty reports whether variables are waiting to be written back.
func (w *Workflow) Dirty() bool {
	return w.dirty
}

// Executing reports whether any step is in flight.
func (w *Workflow) Executing() bool {
	for _, s := range w.Steps {
		if s.Runtime.State == step.Executing {
			return true
		}
	}
	return false
}

// AdvanceCursor moves the cursor past completed and skipped steps.
func (w *Workflow) AdvanceCursor() {
	for w.Cursor < len(w.Steps) && w.Steps[w.Cursor].Runtime.State.Done() {
		w.Cursor++
	}
}

// WriteBack serializes the variable store and the current definitions to
// the workflow file and records the fingerprint of the written bytes, so the
// write is not mistaken for an external edit.
//
// If the file was edited externally since the last load, nothing is written:
// the error wraps ErrExternalChange and the workflow is marked dirty so that
// the next Reload writes the merged result.
func (w *Workflow) WriteBack() error {
	current, err := os.ReadFile(w.Path)
	switch {
	case err == nil:
		if fp := Fingerprint(current); fp != w.fingerprint {
			w.dirty = true
			return &PersistenceError{Op: "write", Path: w.Path, Err: ErrExternalChange}
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		w.dirty = true
		return &PersistenceError{Op: "read", Path: w.Path, Err: err}
	}

	data, err := w.doc.Encode(w.Vars.Snapshot())
	if err != nil {
		w.dirty = true
		return &PersistenceError{Op: "write", Path: w.Path, Err: err}
	}
	if err := writeFileAtomic(w.Path, data); err != nil {
		w.dirty = true
		return &PersistenceError{Op: "write", Path: w.Path, Err: err}
	}
	w.fingerprint = Fingerprint(data)
	w.dirty = false
	w.log.Debug("variables written back",
		zap.String("path", w.Path),
		zap.Int("variables", w.Vars.Len()),
		zap.String("fingerprint", w.fingerprint[:12]))
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ReloadReport describes what a reconciliation changed.
type ReloadReport struct {
	VarsAdded    []string
	StepsAdded   []string
	StepsChanged []string
	StepsRemoved []string
	// Written is set when pending variables were written back after merging.
	Written bool
}

// String summarizes the report for the operator.
func (r *ReloadReport) String() string {
	var parts []string
	add := func(label string, names []string) {
		if len(names) > 0 {
			parts = append(parts, fmt.Sprintf("%s: %s", label, strings.Join(names, ", ")))
		}
	}
	add("new variables", r.VarsAdded)
	add("new steps", r.StepsAdded)
	add("changed steps", r.StepsChanged)
	add("removed steps", r.StepsRemoved)
	if len(parts) == 0 {
		return "no changes"
	}
	return strings.Join(parts, "; ")
}

// Changed reports whether the on-disk bytes differ from the stored
// fingerprint and from the last rejected version.
func (w *Workflow) Changed() (bool, error) {
	data, err := os.ReadFile(w.Path)
	if err != nil {
		return false, &PersistenceError{Op: "read", Path: w.Path, Err: err}
	}
	fp := Fingerprint(data)
	return fp != w.fingerprint && fp != w.rejected, nil
}

// Reload re-reads the file and reconciles it into the live workflow when its
// fingerprint differs from the stored one. It returns a nil report when the
// file is unchanged. On any read, parse or validation failure the live
// workflow is left as it was.
func (w *Workflow) Reload() (*ReloadReport, error) {
	if w.Executing() {
		return nil, ErrReloadDeferred
	}
	data, err := os.ReadFile(w.Path)
	if err != nil {
		return nil, &PersistenceError{Op: "read", Path: w.Path, Err: err}
	}
	fp := Fingerprint(data)
	if fp == w.fingerprint {
		return nil, nil
	}
	doc, verrs := Validate(data)
	if doc == nil || HasErrors(verrs) {
		w.rejected = fp
		var cause error = firstError(verrs)
		if cause == nil {
			cause = errors.New("document could not be decoded")
		}
		return nil, &PersistenceError{Op: "validate", Path: w.Path, Err: cause}
	}

	report := w.reconcile(doc)
	w.doc = doc
	w.fingerprint = fp
	w.rejected = ""
	w.log.Info("workflow reloaded",
		zap.String("path", w.Path),
		zap.Strings("vars_added", report.VarsAdded),
		zap.Strings("steps_added", report.StepsAdded),
		zap.Strings("steps_changed", report.StepsChanged),
		zap.Strings("steps_removed", report.StepsRemoved))

	if w.dirty || w.needsWrite(doc) {
		if err := w.WriteBack(); err != nil {
			return report, err
		}
		report.Written = true
	}
	return report, nil
}

// reconcile merges doc into the live workflow: variables already bound in
// the session win over file values; steps are replaced positionally, keeping
// runtime state only where the definition is unchanged.
func (w *Workflow) reconcile(doc *Document) *ReloadReport {
	report := &ReloadReport{}
	report.VarsAdded = w.Vars.MergeMissing(doc.Variables)

	steps := make([]*Step, 0, len(doc.Requests))
	for i, def := range doc.Requests {
		if i < len(w.Steps) {
			old := w.Steps[i]
			if reflect.DeepEqual(old.Def, def) {
				steps = append(steps, old)
				continue
			}
			old.Runtime.Reset()
			steps = append(steps, &Step{Def: def, Runtime: old.Runtime})
			report.StepsChanged = append(report.StepsChanged, def.Name)
			continue
		}
		steps = append(steps, &Step{Def: def, Runtime: step.NewRuntime()})
		report.StepsAdded = append(report.StepsAdded, def.Name)
	}
	for i := len(doc.Requests); i < len(w.Steps); i++ {
		report.StepsRemoved = append(report.StepsRemoved, w.Steps[i].Def.Name)
	}
	w.Steps = steps
	if w.Cursor > len(w.Steps) {
		w.Cursor = len(w.Steps)
	}
	return report
}

// needsWrite reports whether the live store holds bindings that the file
// does not declare with the same value.
func (w *Workflow) needsWrite(doc *Document) bool {
	declared := make(map[string]any, len(doc.Variables))
	for _, e := range doc.Variables {
		declared[e.Name] = e.Value
	}
	for _, e := range w.Vars.Snapshot() {
		v, ok := declared[e.Name]
		if !ok || !sameValue(v, e.Value) {
			return true
		}
	}
	return false
}

// sameValue compares variable values by their JSON form, so an extracted
// int64 equals the int decoded from YAML while "42" still differs from 42.
func sameValue(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ja, jb)
}
