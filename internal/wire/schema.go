package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relaywoot/internal/woot"
)

const patchSchemaURL = "https://relaywoot.dev/schemas/patch.json"

const patchSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["operations", "pageId", "objectId"],
  "properties": {
    "operations": {"type": "array", "items": {"$ref": "#/$defs/operation"}},
    "sideChannel": {"type": "array"},
    "pageId": {"type": "string", "minLength": 1},
    "objectId": {"type": "string", "minLength": 1},
    "timestamp": {"type": "integer"},
    "version": {"type": "integer"},
    "minorVersion": {"type": "integer"}
  },
  "$defs": {
    "id": {
      "type": "object",
      "required": ["siteId", "clock"],
      "properties": {
        "siteId": {"type": "string"},
        "clock": {"type": "integer", "minimum": -1}
      }
    },
    "contentId": {
      "type": "object",
      "required": ["pageId", "objectId", "fieldId"],
      "properties": {
        "pageId": {"type": "string", "minLength": 1},
        "objectId": {"type": "string", "minLength": 1},
        "fieldId": {"type": "string", "minLength": 1}
      }
    },
    "row": {
      "type": "object",
      "required": ["id", "content", "visible", "degree"],
      "properties": {
        "id": {"$ref": "#/$defs/id"},
        "content": {"type": "string"},
        "visible": {"type": "boolean"},
        "degree": {"type": "integer", "minimum": 0}
      }
    },
    "operation": {
      "type": "object",
      "required": ["kind", "opId", "contentId", "siteId"],
      "properties": {
        "kind": {"enum": ["insert", "delete"]},
        "opId": {"$ref": "#/$defs/id"},
        "contentId": {"$ref": "#/$defs/contentId"},
        "siteId": {"type": "string", "minLength": 1},
        "insert": {
          "type": "object",
          "required": ["row", "leftId", "rightId"],
          "properties": {
            "row": {"$ref": "#/$defs/row"},
            "leftId": {"$ref": "#/$defs/id"},
            "rightId": {"$ref": "#/$defs/id"}
          }
        },
        "delete": {
          "type": "object",
          "required": ["targetId"],
          "properties": {"targetId": {"$ref": "#/$defs/id"}}
        }
      },
      "allOf": [
        {"if": {"properties": {"kind": {"const": "insert"}}}, "then": {"required": ["insert"]}},
        {"if": {"properties": {"kind": {"const": "delete"}}}, "then": {"required": ["delete"]}}
      ]
    }
  }
}`

var (
	patchSchemaOnce sync.Once
	patchSchemaErr  error
	compiledPatch   *jsonschema.Schema
)

func compiledPatchSchema() (*jsonschema.Schema, error) {
	patchSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(patchSchema))
		if err != nil {
			patchSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(patchSchemaURL, doc); err != nil {
			patchSchemaErr = err
			return
		}
		compiledPatch, patchSchemaErr = c.Compile(patchSchemaURL)
	})
	return compiledPatch, patchSchemaErr
}

// DecodePatch validates raw JSON against the patch schema and decodes it.
// Schema violations are reported as woot.ErrStructural.
func DecodePatch(data []byte) (woot.Patch, error) {
	sch, err := compiledPatchSchema()
	if err != nil {
		return woot.Patch{}, fmt.Errorf("compile patch schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return woot.Patch{}, fmt.Errorf("%w: patch is not valid json: %v", woot.ErrStructural, err)
	}
	if err := sch.Validate(inst); err != nil {
		return woot.Patch{}, fmt.Errorf("%w: %v", woot.ErrStructural, err)
	}
	var patch woot.Patch
	if err := json.Unmarshal(data, &patch); err != nil {
		return woot.Patch{}, fmt.Errorf("%w: %v", woot.ErrStructural, err)
	}
	return patch, nil
}

func EncodePatch(patch woot.Patch) ([]byte, error) {
	if patch.Operations == nil {
		patch.Operations = []woot.Operation{}
	}
	return json.Marshal(patch)
}
