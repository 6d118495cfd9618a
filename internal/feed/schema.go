package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const statusSchemaURL = "tootsync://schema/status.json"

const statusSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "created_at", "content"],
  "anyOf": [
    {"required": ["url"], "properties": {"url": {"type": "string", "minLength": 1}}},
    {"required": ["uri"], "properties": {"uri": {"type": "string", "minLength": 1}}}
  ],
  "properties": {
    "id": {"type": "string", "pattern": "^[0-9]+$"},
    "created_at": {"type": "string", "minLength": 1},
    "edited_at": {"type": ["string", "null"]},
    "url": {"type": ["string", "null"]},
    "uri": {"type": "string"},
    "content": {"type": "string"},
    "spoiler_text": {"type": "string"},
    "in_reply_to_id": {"type": ["string", "null"]},
    "in_reply_to_account_id": {"type": ["string", "null"]},
    "visibility": {"type": "string"},
    "sensitive": {"type": "boolean"},
    "mentions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["acct"],
        "properties": {"acct": {"type": "string"}}
      }
    },
    "media_attachments": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type", "url"],
        "properties": {
          "id": {"type": "string"},
          "type": {"type": "string"},
          "url": {"type": "string"},
          "description": {"type": ["string", "null"]}
        }
      }
    },
    "tags": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {"name": {"type": "string"}}
      }
    }
  }
}`

var (
	compiledSchemaOnce sync.Once
	compiledSchema     *jsonschema.Schema
	compiledSchemaErr  error
)

func statusValidator() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(statusSchema))
		if err != nil {
			compiledSchemaErr = fmt.Errorf("parse status schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(statusSchemaURL, doc); err != nil {
			compiledSchemaErr = fmt.Errorf("add status schema: %w", err)
			return
		}
		compiledSchema, compiledSchemaErr = compiler.Compile(statusSchemaURL)
	})
	return compiledSchema, compiledSchemaErr
}

// ValidateStatus checks one raw status against the embedded schema and
// decodes it into an Item.
func ValidateStatus(raw json.RawMessage) (Item, error) {
	schema, err := statusValidator()
	if err != nil {
		return Item{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Item{}, fmt.Errorf("parse status: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return Item{}, fmt.Errorf("invalid status: %w", err)
	}
	return decodeItem(raw)
}
