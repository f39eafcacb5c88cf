// Package validate checks inbound JSON against the embedded attendance
// schemas before it is decoded.
package validate

import (
	"bufio"
	"bytes"
	"embed"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/kaptinlin/jsonschema"

	coreerrors "github.com/davidahmann/attend/core/errors"
)

//go:embed schemas/*.schema.json
var embedded embed.FS

const (
	SchemaActivityEvent       = "activity_event"
	SchemaCertificationRecord = "certification_record"
)

var ErrUnknownSchema = errors.New("unknown schema")

var (
	compiledMu sync.Mutex
	compiled   = map[string]*jsonschema.Schema{}
)

// ValidateEvent validates one activity event document.
func ValidateEvent(data []byte) error {
	return classify(Validate(SchemaActivityEvent, data), coreerrors.CodeMalformedEvent)
}

// ValidateEventsJSONL validates a newline-delimited batch of activity events.
// Blank lines are skipped; the error names the first failing line.
func ValidateEventsJSONL(data []byte) error {
	schema, err := load(SchemaActivityEvent)
	if err != nil {
		return err
	}
	return classify(validateJSONL(schema, data), coreerrors.CodeMalformedEvent)
}

func ValidateRecord(data []byte) error {
	return classify(Validate(SchemaCertificationRecord, data), coreerrors.CodeInvalidRequest)
}

func ValidateRecordFile(path string) error {
	// #nosec G304 -- caller-supplied record export path.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read json: %w", err)
	}
	return ValidateRecord(data)
}

// Validate checks data against a named embedded schema.
func Validate(name string, data []byte) error {
	schema, err := load(name)
	if err != nil {
		return err
	}
	return validateJSON(schema, data)
}

func load(name string) (*jsonschema.Schema, error) {
	compiledMu.Lock()
	defer compiledMu.Unlock()
	if schema, ok := compiled[name]; ok {
		return schema, nil
	}
	data, err := embedded.ReadFile("schemas/" + name + ".schema.json")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	compiled[name] = schema
	return schema, nil
}

func classify(err error, code string) error {
	if err == nil || errors.Is(err, ErrUnknownSchema) {
		return err
	}
	return coreerrors.Invalid(err, code)
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}

func validateJSONL(schema *jsonschema.Schema, data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if err := validateJSON(schema, b); err != nil {
			return fmt.Errorf("jsonl line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return nil
}
