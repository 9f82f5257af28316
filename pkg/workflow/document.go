// Package workflow defines the on-disk workflow document, its validation,
// and the in-memory workflow that is kept in sync with the file during a
// session.
package workflow

import (
	"bytes"
	"fmt"

	"github.com/ormasoftchile/apiline/pkg/vars"
	"gopkg.in/yaml.v3"
)

// DefaultExpectedStatus is used when a request declares no expected_status.
const DefaultExpectedStatus = 200

// File is the schema view of a workflow document. It is what JSON Schema
// validation and `apiline schema export` are generated from.
type File struct {
	Variables map[string]any `yaml:"variables,omitempty" json:"variables,omitempty" jsonschema:"oneof_type=object;null"`
	Requests  []Request      `yaml:"requests"            json:"requests"`
}

// Request is one step definition. Definitions are immutable during a
// session; they only change through hot reload.
type Request struct {
	Name           string            `yaml:"name"                      json:"name"                      jsonschema:"minLength=1"`
	Method         string            `yaml:"method"                    json:"method"                    jsonschema:"minLength=1"`
	Endpoint       string            `yaml:"endpoint"                  json:"endpoint"                  jsonschema:"minLength=1"`
	Auth           string            `yaml:"auth,omitempty"            json:"auth,omitempty"`
	Payload        any               `yaml:"payload,omitempty"         json:"payload,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"         json:"headers,omitempty"`
	ExpectedStatus *int              `yaml:"expected_status,omitempty" json:"expected_status,omitempty" jsonschema:"minimum=0,maximum=599"`
	SaveAs         string            `yaml:"save_as,omitempty"         json:"save_as,omitempty"`
	ExtractPath    string            `yaml:"extract_path,omitempty"    json:"extract_path,omitempty"`
	SaveMultiple   map[string]string `yaml:"save_multiple,omitempty"   json:"save_multiple,omitempty"`
	Timeout        string            `yaml:"timeout,omitempty"         json:"timeout,omitempty"`

	// Extra keeps fields this version does not know about so that they
	// survive a write-back.
	Extra map[string]any `yaml:",inline" json:"-"`
}

// Expected returns the status code the response must carry; 0 accepts any.
func (r *Request) Expected() int {
	if r.ExpectedStatus == nil {
		return DefaultExpectedStatus
	}
	return *r.ExpectedStatus
}

// Document is a parsed workflow file. Besides the decoded values it keeps the
// YAML nodes it was decoded from, so that a write-back reproduces the request
// section and the comments around variables as the operator wrote them.
type Document struct {
	Variables []vars.Entry
	Requests  []Request
	// Unknown lists top-level keys that are not part of the document and
	// are dropped on write-back.
	Unknown []string

	varsKey  *yaml.Node
	varsNode *yaml.Node
	reqsKey  *yaml.Node
	reqsNode *yaml.Node
}

// Parse decodes a workflow document. Variable order follows the file.
func Parse(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("decode workflow: empty document")
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("decode workflow: top level must be a mapping, got %s", kindName(top.Kind))
	}

	doc := &Document{}
	for i := 0; i+1 < len(top.Content); i += 2 {
		key, val := top.Content[i], top.Content[i+1]
		switch key.Value {
		case "variables":
			doc.varsKey, doc.varsNode = key, val
		case "requests":
			doc.reqsKey, doc.reqsNode = key, val
		default:
			doc.Unknown = append(doc.Unknown, key.Value)
		}
	}

	if doc.varsNode != nil && !isNull(doc.varsNode) {
		if doc.varsNode.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("decode workflow: variables must be a mapping (line %d)", doc.varsNode.Line)
		}
		for i := 0; i+1 < len(doc.varsNode.Content); i += 2 {
			var v any
			if err := doc.varsNode.Content[i+1].Decode(&v); err != nil {
				return nil, fmt.Errorf("decode variable %q: %w", doc.varsNode.Content[i].Value, err)
			}
			doc.Variables = append(doc.Variables, vars.Entry{Name: doc.varsNode.Content[i].Value, Value: v})
		}
	}

	if doc.reqsNode != nil && !isNull(doc.reqsNode) {
		if err := doc.reqsNode.Decode(&doc.Requests); err != nil {
			return nil, fmt.Errorf("decode requests: %w", err)
		}
	}
	return doc, nil
}

// Encode serializes variables together with the document's requests. Only
// the variables and requests sections are written.
func (d *Document) Encode(variables []vars.Entry) ([]byte, error) {
	varsMap := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, e := range variables {
		keyNode, oldVal := d.lookupVar(e.Name)
		if keyNode == nil {
			keyNode = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: e.Name}
		}
		valNode := &yaml.Node{}
		if err := valNode.Encode(e.Value); err != nil {
			return nil, fmt.Errorf("encode variable %q: %w", e.Name, err)
		}
		if oldVal != nil {
			valNode.LineComment = oldVal.LineComment
		}
		varsMap.Content = append(varsMap.Content, keyNode, valNode)
	}

	reqsNode := d.reqsNode
	if reqsNode == nil || isNull(reqsNode) {
		reqsNode = &yaml.Node{}
		if err := reqsNode.Encode(d.Requests); err != nil {
			return nil, fmt.Errorf("encode requests: %w", err)
		}
	}

	varsKey := d.varsKey
	if varsKey == nil {
		varsKey = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "variables"}
	}
	reqsKey := d.reqsKey
	if reqsKey == nil {
		reqsKey = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "requests"}
	}
	top := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Content: []*yaml.Node{varsKey, varsMap, reqsKey, reqsNode}}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{top}}); err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}

	d.varsKey, d.varsNode = varsKey, varsMap
	d.reqsKey, d.reqsNode = reqsKey, reqsNode
	d.Unknown = nil
	return buf.Bytes(), nil
}

func (d *Document) lookupVar(name string) (key, val *yaml.Node) {
	if d.varsNode == nil || d.varsNode.Kind != yaml.MappingNode {
		return nil, nil
	}
	for i := 0; i+1 < len(d.varsNode.Content); i += 2 {
		if d.varsNode.Content[i].Value == name {
			return d.varsNode.Content[i], d.varsNode.Content[i+1]
		}
	}
	return nil, nil
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return fmt.Sprintf("node kind %d", k)
	}
}
