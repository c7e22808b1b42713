package validator

import (
	"encoding/json"
	"testing"

	"github.com/pixyhq/pixy-agent/internal/providers"
	"github.com/pixyhq/pixy-agent/pkg/models"
)

func readTool() models.Tool {
	return models.Tool{
		Name:        "read",
		Description: "Read a file",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"required": ["path"],
			"additionalProperties": false
		}`),
	}
}

func TestValidateAcceptsMatchingArguments(t *testing.T) {
	v := New()
	call := models.ToolCall{ID: "1", Name: "read", Arguments: json.RawMessage(`{"path":"main.go"}`)}
	if err := v.Validate(readTool(), call); err != nil {
		t.Fatalf("expected valid arguments to pass, got %v", err)
	}
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	v := New()
	call := models.ToolCall{ID: "1", Name: "read", Arguments: json.RawMessage(`{}`)}
	err := v.Validate(readTool(), call)
	if err == nil {
		t.Fatalf("expected missing required field to be rejected")
	}
	pe, ok := providers.As(err)
	if !ok || pe.Code != providers.ErrToolArgumentsInvalid {
		t.Fatalf("expected ErrToolArgumentsInvalid, got %v", err)
	}
}

func TestValidateRejectsUnparsableArguments(t *testing.T) {
	v := New()
	call := models.ToolCall{ID: "1", Name: "read", Arguments: json.RawMessage(`not json`)}
	err := v.Validate(readTool(), call)
	if err == nil {
		t.Fatalf("expected malformed arguments to be rejected")
	}
}

func TestValidateNoSchemaAcceptsAnything(t *testing.T) {
	v := New()
	tool := models.Tool{Name: "noop"}
	call := models.ToolCall{ID: "1", Name: "noop", Arguments: json.RawMessage(`{"anything":true}`)}
	if err := v.Validate(tool, call); err != nil {
		t.Fatalf("expected no-schema tool to accept any arguments, got %v", err)
	}
}

func TestValidateReusesCompiledSchema(t *testing.T) {
	v := New()
	tool := readTool()
	call := models.ToolCall{ID: "1", Name: "read", Arguments: json.RawMessage(`{"path":"a"}`)}
	for i := 0; i < 3; i++ {
		if err := v.Validate(tool, call); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if len(v.cache) != 1 {
		t.Fatalf("expected exactly one cached compiled schema, got %d", len(v.cache))
	}
}
