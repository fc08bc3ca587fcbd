package streams

// Event types carried on the streams.
const (
	EventRunRequested   = "run.requested"
	EventRunCompleted   = "run.completed"
	EventStoryCompleted = "story.completed"
	EventBus            = "bus.event"
)

// Version is the payload version every event is currently written with.
const Version = "v1"

// Definition is one registered payload schema.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var definitions = []Definition{
	{
		EventType: EventRunRequested,
		Version:   Version,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["request_id", "trigger"],
  "properties": {
    "request_id": {"type": "string", "minLength": 1},
    "date": {"type": "string", "pattern": "^(\\d{4}-\\d{2}-\\d{2})?$"},
    "mode": {"type": "string", "enum": ["", "parallel", "sequential"]},
    "trigger": {"type": "string", "enum": ["api", "schedule", "cli"]}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventStoryCompleted,
		Version:   Version,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["story_key", "category", "success", "citations"],
  "properties": {
    "story_key": {"type": "string", "minLength": 1},
    "category": {"type": "string"},
    "headline": {"type": "string"},
    "success": {"type": "boolean"},
    "citations": {"type": "integer", "minimum": 0},
    "errors": {"type": "array", "items": {"type": "string"}}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventRunCompleted,
		Version:   Version,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["session_id", "date", "summary"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "date": {"type": "string"},
    "mode": {"type": "string"},
    "summary": {
      "type": "object",
      "required": ["status", "processed", "cost_usd"],
      "properties": {
        "status": {"type": "string", "enum": ["completed", "failed"]},
        "processed": {"type": "integer", "minimum": 0},
        "cost_usd": {"type": "number", "minimum": 0}
      }
    }
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventBus,
		Version:   Version,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "agent", "at"],
  "properties": {
    "type": {"type": "string"},
    "agent": {"type": "string"},
    "duration": {"type": "integer"},
    "error": {"type": "string"},
    "at": {"type": "string"}
  },
  "additionalProperties": false
}`),
	},
}

// RunRequest asks a worker to execute a daily run.
type RunRequest struct {
	RequestID string `json:"request_id"`
	Date      string `json:"date,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Trigger   string `json:"trigger"`
}
