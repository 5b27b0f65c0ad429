package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

const nonBlank = `{"type": "string", "pattern": "\\S"}`

var payloadSchemas = map[Kind]string{
	KindEvent: `{
		"type": "object",
		"required": ["type"],
		"properties": {
			"id": {"type": "string"},
			"type": ` + nonBlank + `,
			"timestamp": {"type": "string"},
			"title": {"type": "string"},
			"content": {"type": "string"},
			"metadata": {"type": ["object", "null"]}
		}
	}`,
	KindEntity: `{
		"type": "object",
		"required": ["type", "name"],
		"properties": {
			"id": {"type": "string"},
			"type": ` + nonBlank + `,
			"name": ` + nonBlank + `,
			"content": {"type": "string"},
			"metadata": {"type": ["object", "null"]}
		}
	}`,
	KindLesson: `{
		"type": "object",
		"required": ["type"],
		"properties": {
			"id": {"type": "string"},
			"type": ` + nonBlank + `,
			"timestamp": {"type": "string"},
			"title": {"type": "string"},
			"content": {"type": "string"},
			"source_event_id": {"type": ["string", "null"]},
			"consolidated_to": {"type": ["string", "null"]}
		}
	}`,
	KindPrinciple: `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"id": {"type": "string"},
			"name": ` + nonBlank + `,
			"content": {"type": "string"},
			"source_lessons": {"type": ["array", "null"], "items": {"type": "string"}},
			"metadata": {"type": ["object", "null"]}
		}
	}`,
	KindSummary: `{
		"type": "object",
		"required": ["type", "period"],
		"properties": {
			"id": {"type": "string"},
			"type": ` + nonBlank + `,
			"period": ` + nonBlank + `,
			"content": {"type": "string"},
			"event_count": {"type": "integer", "minimum": 0}
		}
	}`,
}

// payloadValidator holds the compiled per-kind schemas.
type payloadValidator struct {
	schemas map[Kind]*gojsonschema.Schema
}

func newPayloadValidator() (*payloadValidator, error) {
	v := &payloadValidator{schemas: make(map[Kind]*gojsonschema.Schema, len(payloadSchemas))}
	for kind, src := range payloadSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("compile %s payload schema: %w", kind, err)
		}
		v.schemas[kind] = schema
	}
	return v, nil
}

// validate checks payload against the schema of kind. Every failure,
// including malformed JSON, is a ValidationError.
func (v *payloadValidator) validate(kind Kind, payload []byte) error {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return validationErr("payload", "empty payload")
	}
	if !json.Valid(payload) {
		return validationErr("payload", "malformed JSON")
	}
	schema, ok := v.schemas[kind]
	if !ok {
		return &UnknownKindError{Op: "store", Kind: string(kind)}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return validationErr("payload", "%v", err)
	}
	if result.Valid() {
		return nil
	}

	errs := result.Errors()
	first := errs[0]
	field := first.Field()
	if first.Type() == "required" {
		if prop, ok := first.Details()["property"].(string); ok {
			field = prop
		}
	}
	msgs := make([]string, 0, len(errs))
	for _, desc := range errs {
		msgs = append(msgs, desc.String())
	}
	return &ValidationError{Field: field, Message: strings.Join(msgs, "; ")}
}

type eventPayload struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
}

type entityPayload struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Name     string         `json:"name"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

type lessonPayload struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	Timestamp      string  `json:"timestamp"`
	Title          string  `json:"title"`
	Content        string  `json:"content"`
	SourceEventID  *string `json:"source_event_id"`
	ConsolidatedTo *string `json:"consolidated_to"`
}

type principlePayload struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Content       string         `json:"content"`
	SourceLessons []string       `json:"source_lessons"`
	Metadata      map[string]any `json:"metadata"`
}

type summaryPayload struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Period     string `json:"period"`
	Content    string `json:"content"`
	EventCount int    `json:"event_count"`
}

// decode validates payload for kind and unmarshals it into dst.
func (v *payloadValidator) decode(kind Kind, payload []byte, dst any) error {
	if err := v.validate(kind, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return validationErr("payload", "%v", err)
	}
	return nil
}

// timestampOr parses an optional caller timestamp, defaulting to now.
func timestampOr(field, raw string, now time.Time) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return now, nil
	}
	t, err := parseTimeField(field, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.Truncate(time.Microsecond), nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", validationErr("metadata", "%v", err)
	}
	return string(data), nil
}

func decodeMetadata(raw string) map[string]any {
	m := map[string]any{}
	if raw == "" {
		return m
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

type recallFilterPayload struct {
	Tier        string `json:"tier"`
	EventType   string `json:"event_type"`
	EntityType  string `json:"entity_type"`
	LessonType  string `json:"lesson_type"`
	SummaryType string `json:"summary_type"`
	Since       string `json:"since"`
	Until       string `json:"until"`
}

// ParseRecallFilter decodes a JSON filter object such as
// {"tier":"hot","since":"2024-01-01"}. Empty input yields no filters and
// unknown keys are ignored.
func ParseRecallFilter(data []byte) (RecallFilter, error) {
	var f RecallFilter
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return f, nil
	}

	var raw recallFilterPayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return f, validationErr("filters", "malformed JSON: %v", err)
	}

	switch Tier(raw.Tier) {
	case "", TierHot, TierWarm, TierCold:
		f.Tier = Tier(raw.Tier)
	default:
		return f, validationErr("tier", "unknown tier %q", raw.Tier)
	}
	f.EventType = raw.EventType
	f.EntityType = raw.EntityType
	f.LessonType = raw.LessonType
	f.SummaryType = raw.SummaryType

	if raw.Since != "" {
		t, err := parseTimeField("since", raw.Since)
		if err != nil {
			return f, err
		}
		f.Since = &t
	}
	if raw.Until != "" {
		t, err := parseTimeField("until", raw.Until)
		if err != nil {
			return f, err
		}
		f.Until = &t
	}
	return f, nil
}
