package pairing

import (
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var frameSchema struct {
	once    sync.Once
	schema  *jsonschema.Schema
	initErr error
}

func compiledFrameSchema() (*jsonschema.Schema, error) {
	frameSchema.once.Do(func() {
		frameSchema.schema, frameSchema.initErr = jsonschema.CompileString("pairing_frame", frameSchemaJSON)
	})
	return frameSchema.schema, frameSchema.initErr
}

const frameSchemaJSON = `{
  "type": "object",
  "required": ["type", "step"],
  "properties": {
    "type": { "enum": ["server", "client"] },
    "step": { "type": "integer", "minimum": 0 },
    "token": { "type": "string" },
    "companyId": { "type": "integer" },
    "displayName": { "type": "string" },
    "phoneNumber": { "type": "string" }
  },
  "additionalProperties": true
}`
