package transport

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dshills/suitegraph/channel"
)

const messageSchemaURL = "suitegraph-message.schema.json"

// messageSchema is the wire shape every transport accepts.
const messageSchema = `{
  "type": "object",
  "required": ["sessionId", "sequence", "name"],
  "properties": {
    "sessionId": {"type": "string", "minLength": 1},
    "sequence": {"type": "integer", "minimum": 0},
    "name": {"type": "string", "minLength": 1},
    "data": {}
  }
}`

func compileMessageSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(messageSchemaURL, strings.NewReader(messageSchema)); err != nil {
		return nil, errors.Wrap(err, "add message schema")
	}
	schema, err := compiler.Compile(messageSchemaURL)
	if err != nil {
		return nil, errors.Wrap(err, "compile message schema")
	}
	return schema, nil
}

// decoder validates raw JSON messages before they reach the channel.
type decoder struct {
	schema *jsonschema.Schema
}

func newDecoder() (*decoder, error) {
	schema, err := compileMessageSchema()
	if err != nil {
		return nil, err
	}
	return &decoder{schema: schema}, nil
}

// decode parses one JSON-encoded message.
func (d *decoder) decode(raw []byte) (channel.Message, error) {
	var msg channel.Message
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return msg, errors.Wrap(err, "malformed message")
	}
	if err := d.schema.Validate(payload); err != nil {
		return msg, errors.Wrap(err, "invalid message")
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, errors.Wrap(err, "malformed message")
	}
	return msg, nil
}
