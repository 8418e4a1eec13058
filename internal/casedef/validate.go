package casedef

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrCaseNotFound = errors.New("case not found")
	ErrCaseInvalid  = errors.New("case content invalid")
)

const schemaURL = "schema://case-definition.json"

const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["disclosures", "diagnostic_tests", "test_results", "deterioration_rules",
               "interventions", "evaluation_rubrics", "initial_patient_state", "initial_vitals"],
  "properties": {
    "disclosures": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title", "unlock", "content"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "unlock": {
            "type": "object",
            "required": ["type"],
            "properties": {
              "type": {"enum": ["START", "TIME", "ACTION", "EVENT", "ACTION_OR_TIME",
                                "TIME_OR_ACTION", "ACTION_OR_STAGE", "STATE"]},
              "condition": {"type": "string"}
            }
          },
          "maps_to_objectives": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "diagnostic_tests": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "display_name", "cost_points", "tat_minutes"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "display_name": {"type": "string"},
          "cost_points": {"type": "integer", "minimum": 0},
          "tat_minutes": {"type": "integer", "minimum": 0}
        }
      }
    },
    "test_results": {"type": "object"},
    "deterioration_rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["if", "then"],
        "properties": {
          "if": {"type": "string"},
          "then": {
            "type": "object",
            "required": ["event"],
            "properties": {"event": {"type": "string", "minLength": 1}, "notes": {"type": "string"}}
          }
        }
      }
    },
    "interventions": {"type": "array"},
    "evaluation_rubrics": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name", "max_points", "db_column", "score_bands"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "max_points": {"type": "number", "minimum": 0},
          "db_column": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
          "score_bands": {
            "type": "array",
            "minItems": 4,
            "maxItems": 4,
            "items": {
              "type": "object",
              "required": ["min", "max", "description"],
              "properties": {
                "min": {"type": "number"},
                "max": {"type": "number"},
                "description": {"type": "string"}
              }
            }
          }
        }
      }
    },
    "initial_patient_state": {"type": "object"},
    "initial_vitals": {
      "type": "object",
      "required": ["temp", "hr", "bp_systolic", "bp_diastolic", "rr", "spo2"],
      "properties": {
        "temp": {"type": "number"},
        "hr": {"type": "integer"},
        "bp_systolic": {"type": "integer"},
        "bp_diastolic": {"type": "integer"},
        "rr": {"type": "integer"},
        "spo2": {"type": "integer", "minimum": 0, "maximum": 100},
        "cap_refill": {"type": "number"}
      }
    }
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func caseSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchema))
		if err != nil {
			compileErr = fmt.Errorf("parse case schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			compileErr = fmt.Errorf("add case schema: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Parse validates raw JSON against the case schema, decodes it, and runs the
// cross-field checks the schema cannot express.
func Parse(raw []byte) (*Definition, error) {
	sch, err := caseSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaseInvalid, err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaseInvalid, err)
	}

	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaseInvalid, err)
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate runs the semantic checks on an already decoded definition.
func Validate(def *Definition) error {
	var problems []string

	seen := map[string]bool{}
	for _, d := range def.Disclosures {
		if seen[d.ID] {
			problems = append(problems, fmt.Sprintf("duplicate disclosure id %q", d.ID))
		}
		seen[d.ID] = true
	}

	tests := map[string]bool{}
	for _, t := range def.DiagnosticTests {
		if tests[t.ID] {
			problems = append(problems, fmt.Sprintf("duplicate diagnostic test id %q", t.ID))
		}
		tests[t.ID] = true
		if _, ok := def.TestResults[t.ID]; !ok {
			problems = append(problems, fmt.Sprintf("missing test_results entry for %q", t.ID))
		}
	}
	for id := range def.TestResults {
		if !tests[id] {
			problems = append(problems, fmt.Sprintf("test_results entry %q has no diagnostic test", id))
		}
	}

	domains := map[string]bool{}
	for _, r := range def.Rubrics {
		if domains[r.ID] {
			problems = append(problems, fmt.Sprintf("duplicate rubric domain %q", r.ID))
		}
		domains[r.ID] = true
		if len(r.ScoreBands) != 4 {
			problems = append(problems, fmt.Sprintf("rubric domain %q needs 4 score bands, has %d", r.ID, len(r.ScoreBands)))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrCaseInvalid, strings.Join(problems, "; "))
	}
	return nil
}
