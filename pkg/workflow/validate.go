package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ormasoftchile/apiline/pkg/auth"
	"github.com/ormasoftchile/apiline/pkg/extract"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// ValidationError represents a single validation error with location context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // e.g. "requests[0].extract_path"
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("[%s] %s", e.Phase, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// HasErrors reports whether any entry has error severity.
func HasErrors(errs []*ValidationError) bool {
	for _, e := range errs {
		if e.Severity != "warning" {
			return true
		}
	}
	return false
}

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

// ValidateFile reads path and runs Validate on its contents.
func ValidateFile(path string) (*Document, []*ValidationError) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []*ValidationError{{Phase: "structural", Message: fmt.Sprintf("read workflow: %v", err), Severity: "error"}}
	}
	return Validate(data)
}

// Validate runs the validation pipeline on raw document bytes.
// Phase 1: Structural (YAML decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (Go rules)
// The document is returned whenever it could be decoded, even with errors.
func Validate(data []byte) (*Document, []*ValidationError) {
	doc, err := Parse(data)
	if err != nil {
		return nil, []*ValidationError{{Phase: "structural", Message: err.Error(), Severity: "error"}}
	}

	var all []*ValidationError
	all = append(all, validateSemantic(data)...)
	all = append(all, ValidateDomain(doc)...)
	if len(all) == 0 {
		return doc, nil
	}
	return doc, all
}

func validateSemantic(data []byte) []*ValidationError {
	semanticErr := func(format string, args ...any) []*ValidationError {
		return []*ValidationError{{Phase: "semantic", Message: fmt.Sprintf(format, args...), Severity: "error"}}
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return semanticErr("decode document: %v", err)
	}
	// Round-trip through JSON so the validator sees JSON types.
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return semanticErr("document is not JSON-compatible: %v", err)
	}
	var doc any
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return semanticErr("unmarshal document: %v", err)
	}

	sch, err := compiledSchema()
	if err != nil {
		return semanticErr("%v", err)
	}
	if err := sch.Validate(doc); err != nil {
		ve, ok := err.(*sjsonschema.ValidationError)
		if !ok {
			return semanticErr("%v", err)
		}
		var errs []*ValidationError
		for _, cause := range flattenValidationErrors(ve) {
			errs = append(errs, &ValidationError{
				Phase:    "semantic",
				Path:     strings.Join(cause.InstanceLocation, "/"),
				Message:  fmt.Sprintf("%v", cause.ErrorKind),
				Severity: "error",
			})
		}
		return errs
	}
	return nil
}

func compiledSchema() (*sjsonschema.Schema, error) {
	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return nil, fmt.Errorf("generate schema: %w", err)
	}
	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := sjsonschema.NewCompiler()
	if err := c.AddResource(schemaID, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(schemaID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// ValidateDomain checks rules the schema cannot express.
func ValidateDomain(doc *Document) []*ValidationError {
	var errs []*ValidationError
	add := func(severity, path, format string, args ...any) {
		errs = append(errs, &ValidationError{Phase: "domain", Path: path, Message: fmt.Sprintf(format, args...), Severity: severity})
	}

	for _, key := range doc.Unknown {
		add("warning", key, "unknown top-level section %q is not written back", key)
	}
	if len(doc.Requests) == 0 {
		add("error", "requests", "workflow must contain at least one request")
	}

	seen := make(map[string]int)
	for i, r := range doc.Requests {
		at := fmt.Sprintf("requests[%d]", i)
		if strings.TrimSpace(r.Name) == "" {
			add("error", at+".name", "request name is required")
		} else if prev, dup := seen[r.Name]; dup {
			add("warning", at+".name", "duplicate request name %q (first at requests[%d])", r.Name, prev)
		} else {
			seen[r.Name] = i
		}
		if !allowedMethods[strings.ToUpper(r.Method)] {
			add("error", at+".method", "unsupported method %q", r.Method)
		}
		if strings.TrimSpace(r.Endpoint) == "" {
			add("error", at+".endpoint", "endpoint is required")
		}
		if _, err := auth.Parse(r.Auth); err != nil {
			add("error", at+".auth", "%v", err)
		}
		if r.Timeout != "" {
			if d, err := time.ParseDuration(r.Timeout); err != nil || d <= 0 {
				add("error", at+".timeout", "invalid timeout %q", r.Timeout)
			}
		}
		if r.ExtractPath != "" {
			if _, err := extract.Compile(r.ExtractPath); err != nil {
				add("error", at+".extract_path", "%v", err)
			}
			if r.SaveAs == "" {
				add("warning", at+".extract_path", "extract_path has no save_as target and is ignored")
			}
		}
		names := make([]string, 0, len(r.SaveMultiple))
		for name := range r.SaveMultiple {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if _, err := extract.Compile(r.SaveMultiple[name]); err != nil {
				add("error", at+".save_multiple."+name, "%v", err)
			}
		}
		if r.SaveAs != "" && len(r.SaveMultiple) > 0 {
			add("warning", at, "both save_as and save_multiple are set; save_multiple takes precedence")
		}
	}
	return errs
}
