package container

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// frameSchema constrains the JSON lines a container may emit. Lines that do
// not validate are surfaced as error events rather than crashing the stream.
const frameSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"enum": ["success", "error"]},
		"result": {"type": "string"},
		"new_session_id": {"type": "string"},
		"message": {"type": "string"}
	},
	"additionalProperties": false
}`

// FrameDecoder validates and decodes framed output lines.
type FrameDecoder struct {
	schema *jsonschema.Schema
}

func NewFrameDecoder() (*FrameDecoder, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchema))
	if err != nil {
		return nil, fmt.Errorf("parse frame schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("frame.json", doc); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	schema, err := c.Compile("frame.json")
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &FrameDecoder{schema: schema}, nil
}

// Decode parses one output line into an event. Non-JSON lines (stray agent
// logging) return ok=false and are skipped; JSON lines that fail schema
// validation return an error event.
func (d *FrameDecoder) Decode(line string) (OutputEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return OutputEvent{}, false
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(line))
	if err != nil {
		return OutputEvent{}, false
	}
	if err := d.schema.Validate(parsed); err != nil {
		return OutputEvent{
			Kind:    EventError,
			Message: fmt.Sprintf("malformed output frame: %v", err),
		}, true
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return OutputEvent{}, false
	}
	ev := OutputEvent{Kind: EventKind(stringField(obj, "type"))}
	switch ev.Kind {
	case EventSuccess:
		ev.Result = stringField(obj, "result")
		ev.NewSessionID = stringField(obj, "new_session_id")
	case EventError:
		ev.Message = stringField(obj, "message")
	default:
		return OutputEvent{}, false
	}
	return ev, true
}

func stringField(obj map[string]any, key string) string {
	if v, ok := obj[key].(string); ok {
		return v
	}
	return ""
}
