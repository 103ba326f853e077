package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request body schemas for the task and decision endpoints. Message
// endpoints validate by hand so each failure maps to its own audited code.
var requestSchemas = map[string]string{
	"task_create": `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title":         {"type": "string", "minLength": 1, "maxLength": 500},
			"description":   {"type": "string"},
			"department_id": {"type": "string"},
			"agent_id":      {"type": "string"},
			"project_id":    {"type": "string"},
			"priority":      {"type": "integer", "minimum": 0, "maximum": 100},
			"task_type":     {"type": "string"}
		}
	}`,
	"task_run": `{
		"type": "object",
		"properties": {"agent_id": {"type": "string"}}
	}`,
	"task_stop": `{
		"type": "object",
		"properties": {"mode": {"enum": ["pause", "cancel"]}}
	}`,
	"subtask_create": `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title":                {"type": "string", "minLength": 1},
			"description":          {"type": "string"},
			"target_department_id": {"type": "string"}
		}
	}`,
	"decision_reply": `{
		"type": "object",
		"properties": {
			"option_number": {"type": "integer"},
			"note":          {"type": "string", "maxLength": 4000}
		}
	}`,
}

type validator struct {
	schemas map[string]*jsonschema.Schema
}

func newValidator() (*validator, error) {
	c := jsonschema.NewCompiler()
	v := &validator{schemas: make(map[string]*jsonschema.Schema, len(requestSchemas))}
	for name, raw := range requestSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
		}
		url := name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = schema
	}
	return v, nil
}

var errInvalidJSON = errors.New("invalid_json")

// schemaError wraps a validation failure of a request body.
type schemaError struct{ err error }

func (e *schemaError) Error() string { return e.err.Error() }

// decode validates the request body against schema and unmarshals it into
// dst. An empty body is treated as {}.
func (v *validator) decode(r *http.Request, schema string, dst any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return errInvalidJSON
	}
	if s, ok := v.schemas[schema]; ok {
		if err := s.Validate(doc); err != nil {
			return &schemaError{err: err}
		}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errInvalidJSON
	}
	return nil
}

// decodeLoose reads a JSON object body. Anything that is not an object
// yields an empty map so handlers can report field-level errors.
func decodeLoose(r *http.Request) map[string]any {
	out := map[string]any{}
	raw, err := io.ReadAll(r.Body)
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

func (s *Server) writeDecodeError(w http.ResponseWriter, err error) {
	var se *schemaError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", nil)
	case errors.As(err, &se):
		writeError(w, http.StatusBadRequest, "invalid_request", map[string]any{"detail": se.Error()})
	default:
		writeError(w, http.StatusBadRequest, "invalid_json", nil)
	}
}
