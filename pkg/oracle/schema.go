package oracle

import "github.com/santhosh-tekuri/jsonschema/v5"

// The two oracles answer with loosely specified JSON. Both payloads are
// validated against these schemas before decoding so a shape mismatch
// surfaces as a remote error instead of a nil-shaped object downstream.

const extractResponseSchema = `{
	"type": "object",
	"required": ["uploads"],
	"properties": {
		"uploads": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["question_id", "image_url"],
				"properties": {
					"question_id": {"type": "string", "minLength": 1},
					"image_url": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

const gradeResponseSchema = `{
	"type": "object",
	"required": ["results"],
	"properties": {
		"results": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["question_id", "correct_steps", "incorrect_steps", "total_awarded", "total_deducted"],
				"properties": {
					"question_id": {"type": "string", "minLength": 1},
					"correct_steps": {"type": "array", "items": {"type": "string"}},
					"incorrect_steps": {"type": "array", "items": {"type": "string"}},
					"total_awarded": {"type": "number"},
					"total_deducted": {"type": "number"}
				}
			}
		}
	}
}`

var (
	extractSchema = jsonschema.MustCompileString("extract-response.json", extractResponseSchema)
	gradeSchema   = jsonschema.MustCompileString("grade-response.json", gradeResponseSchema)
)
