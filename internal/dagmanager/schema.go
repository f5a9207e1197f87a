package dagmanager

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jodafons/maestro/internal/dto"
)

// taskInputsSchema encodes the shape dto.TaskInputs must have before
// any of the seven semantic validation phases runs — catching
// malformed DTOs (§7 "Validation errors ... malformed DTO") cheaply,
// without a Store round trip.
const taskInputsSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["name", "command", "image", "outputs"],
	"properties": {
		"name":    {"type": "string", "minLength": 1},
		"command": {"type": "string", "minLength": 1},
		"image":   {"type": "string", "minLength": 1},
		"input":   {"type": "string"},
		"outputs": {
			"type": "object",
			"minProperties": 1,
			"additionalProperties": {"type": "string", "minLength": 1}
		},
		"secondary_data": {"type": ["object", "null"]},
		"envs":           {"type": ["object", "null"]},
		"binds":          {"type": ["object", "null"]},
		"device":         {"type": "string", "enum": ["", "cpu", "gpu"]},
		"cpu_cores":      {"type": "integer", "minimum": 0},
		"memory_mb":      {"type": "integer", "minimum": 0},
		"gpu_memory_mb":  {"type": "integer", "minimum": 0},
		"partition":      {"type": "string"}
	}
}`

var (
	schemaOnce    sync.Once
	compiledSpec  *jsonschema.Schema
	schemaCompErr error
)

func compiledTaskInputsSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("task_inputs.json", strings.NewReader(taskInputsSchema)); err != nil {
			schemaCompErr = err
			return
		}
		compiledSpec, schemaCompErr = compiler.Compile("task_inputs.json")
	})
	return compiledSpec, schemaCompErr
}

// ValidateShape runs the jsonschema pass that precedes the seven
// semantic phases of CreateTaskGroup.
func ValidateShape(task dto.TaskInputs) error {
	schema, err := compiledTaskInputsSchema()
	if err != nil {
		return fmt.Errorf("dagmanager: schema compile: %w", err)
	}

	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("dagmanager: marshal task inputs: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("dagmanager: unmarshal task inputs: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("malformed task: %w", err)
	}
	return nil
}
