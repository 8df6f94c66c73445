package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	nameSchema     = `{"type": "string", "minLength": 1}`
	namesSchema    = `{"type": "array", "items": {"type": "string", "minLength": 1}}`
	positiveSchema = `{"type": "integer", "minimum": 1}`
)

// payloadSchemas holds the JSON Schema for the data column of each event type.
var payloadSchemas = map[EventType]string{
	EventAgentRegistered: `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": ` + nameSchema + `,
			"program": {"type": "string"},
			"model": {"type": "string"},
			"task_description": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	EventAgentActive: `{
		"type": "object",
		"required": ["name"],
		"properties": {"name": ` + nameSchema + `},
		"additionalProperties": false
	}`,
	EventMessageSent: `{
		"type": "object",
		"required": ["from", "to", "subject"],
		"properties": {
			"from": ` + nameSchema + `,
			"to": {"type": "array", "minItems": 1, "uniqueItems": true, "items": ` + nameSchema + `},
			"subject": ` + nameSchema + `,
			"body": {"type": "string"},
			"thread_id": {"type": "string"},
			"importance": {"enum": ["low", "normal", "high", "urgent"]},
			"ack_required": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	EventMessageRead: `{
		"type": "object",
		"required": ["message_id", "agent"],
		"properties": {"message_id": ` + positiveSchema + `, "agent": ` + nameSchema + `},
		"additionalProperties": false
	}`,
	EventMessageAcked: `{
		"type": "object",
		"required": ["message_id", "agent"],
		"properties": {"message_id": ` + positiveSchema + `, "agent": ` + nameSchema + `},
		"additionalProperties": false
	}`,
	EventFileReserved: `{
		"type": "object",
		"required": ["agent", "paths", "exclusive"],
		"properties": {
			"agent": ` + nameSchema + `,
			"paths": {"type": "array", "minItems": 1, "items": ` + nameSchema + `},
			"exclusive": {"type": "boolean"},
			"reason": {"type": "string"},
			"ttl_seconds": {"type": "integer", "minimum": 0},
			"expires_at": {"type": "integer", "minimum": 0}
		},
		"additionalProperties": false
	}`,
	EventFileReleased: `{
		"type": "object",
		"required": ["agent"],
		"properties": {
			"agent": ` + nameSchema + `,
			"paths": ` + namesSchema + `,
			"reservation_ids": {"type": "array", "items": ` + positiveSchema + `}
		},
		"additionalProperties": false
	}`,
	EventTaskStarted: `{
		"type": "object",
		"required": ["agent", "task_id"],
		"properties": {
			"agent": ` + nameSchema + `,
			"task_id": ` + nameSchema + `,
			"description": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	EventTaskProgress: `{
		"type": "object",
		"required": ["agent", "task_id", "percent"],
		"properties": {
			"agent": ` + nameSchema + `,
			"task_id": ` + nameSchema + `,
			"percent": {"type": "integer", "minimum": 0, "maximum": 100},
			"note": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	EventTaskCompleted: `{
		"type": "object",
		"required": ["agent", "task_id"],
		"properties": {
			"agent": ` + nameSchema + `,
			"task_id": ` + nameSchema + `,
			"summary": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	EventTaskBlocked: `{
		"type": "object",
		"required": ["agent", "task_id", "reason"],
		"properties": {
			"agent": ` + nameSchema + `,
			"task_id": ` + nameSchema + `,
			"reason": ` + nameSchema + `
		},
		"additionalProperties": false
	}`,
}

var (
	compileOnce     sync.Once
	compiledSchemas map[EventType]*jsonschema.Schema
	compileErr      error
)

func schemas() (map[EventType]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[EventType]*jsonschema.Schema, len(payloadSchemas))
		for t, src := range payloadSchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				compileErr = fmt.Errorf("unmarshal %s schema: %w", t, err)
				return
			}
			url := string(t) + ".json"
			if err := c.AddResource(url, doc); err != nil {
				compileErr = fmt.Errorf("add %s schema: %w", t, err)
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile %s schema: %w", t, err)
				return
			}
			out[t] = sch
		}
		compiledSchemas = out
	})
	return compiledSchemas, compileErr
}

// DecodePayload validates raw JSON against the schema for t and decodes it
// into the matching payload variant. Both schema and variant rules must hold.
func DecodePayload(t EventType, raw []byte) (Payload, error) {
	p, ok := newPayload(t)
	if !ok {
		return nil, &ValidationError{Type: t, Field: "type", Reason: "unknown event type"}
	}
	all, err := schemas()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &ValidationError{Type: t, Field: "payload", Reason: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := all[t].Validate(doc); err != nil {
		return nil, &ValidationError{Type: t, Field: "payload", Reason: schemaReason(err)}
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, &ValidationError{Type: t, Field: "payload", Reason: err.Error()}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodePayload is the inverse of DecodePayload and produces the data column.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, &ValidationError{Field: "payload", Reason: "required"}
	}
	return json.Marshal(p)
}

func schemaReason(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	// the first line names the schema URL; the rest are the failing locations
	lines := strings.Split(strings.TrimSpace(ve.Error()), "\n")
	if len(lines) > 1 {
		lines = lines[1:]
	}
	for i := range lines {
		lines[i] = strings.TrimPrefix(strings.TrimSpace(lines[i]), "- ")
	}
	return strings.Join(lines, "; ")
}

// eventJSON is the wire form of an Event; data carries the encoded payload.
type eventJSON struct {
	ID         int64           `json:"id,omitempty"`
	Type       EventType       `json:"type"`
	ProjectKey string          `json:"project_key"`
	Timestamp  int64           `json:"timestamp"`
	Sequence   int64           `json:"sequence,omitempty"`
	Data       json.RawMessage `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	data, err := EncodePayload(e.Payload)
	if err != nil {
		return nil, err
	}
	t := e.Type
	if t == "" {
		t = e.Payload.EventType()
	}
	return json.Marshal(eventJSON{ID: e.ID, Type: t, ProjectKey: e.ProjectKey, Timestamp: e.Timestamp, Sequence: e.Sequence, Data: data})
}

// UnmarshalJSON decodes the wire form, validating data through DecodePayload.
func (e *Event) UnmarshalJSON(raw []byte) error {
	var w eventJSON
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.Type, w.Data)
	if err != nil {
		return err
	}
	*e = Event{ID: w.ID, Type: w.Type, ProjectKey: w.ProjectKey, Timestamp: w.Timestamp, Sequence: w.Sequence, Payload: p}
	return nil
}
