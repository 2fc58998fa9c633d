package ipc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema enforces envelope shape before type dispatch. Per-type
// required fields are expressed with if/then so a malformed envelope fails
// here instead of half-applying.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "sourceGroup"],
  "properties": {
    "type": {
      "enum": ["message", "schedule_task", "pause_task", "resume_task", "cancel_task", "register_group", "ext_call"]
    },
    "sourceGroup": {"type": "string", "minLength": 1},
    "requestId": {"type": "string"},
    "chatJid": {"type": "string"},
    "text": {"type": "string"},
    "targetGroup": {"type": "string"},
    "prompt": {"type": "string"},
    "scheduleType": {"enum": ["cron", "interval", "once"]},
    "scheduleValue": {"type": "string"},
    "contextMode": {"enum": ["group", "isolated"]},
    "taskId": {"type": "string"},
    "groupJid": {"type": "string"},
    "groupName": {"type": "string"},
    "folder": {"type": "string"},
    "trigger": {"type": "string"},
    "endpoint": {"type": "string"},
    "payload": {},
    "idempotencyKey": {"type": "string"},
    "signature": {"type": "string"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "message"}}},
      "then": {"required": ["chatJid", "text"]}
    },
    {
      "if": {"properties": {"type": {"const": "schedule_task"}}},
      "then": {"required": ["prompt", "scheduleType", "scheduleValue"]}
    },
    {
      "if": {"properties": {"type": {"enum": ["pause_task", "resume_task", "cancel_task"]}}},
      "then": {"required": ["taskId"]}
    },
    {
      "if": {"properties": {"type": {"const": "register_group"}}},
      "then": {"required": ["groupJid", "groupName", "folder"]}
    },
    {
      "if": {"properties": {"type": {"const": "ext_call"}}},
      "then": {"required": ["endpoint", "payload"]}
    }
  ]
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// ValidateEnvelopeJSON checks raw envelope bytes against the schema.
func ValidateEnvelopeJSON(data []byte) error {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal envelope schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("envelope.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("envelope.json")
	})
	if schemaErr != nil {
		return schemaErr
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := compiledSchema.Validate(inst); err != nil {
		return fmt.Errorf("envelope schema: %w", err)
	}
	return nil
}
