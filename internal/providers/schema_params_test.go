package providers

import (
	"errors"
	"testing"

	"modelgateway/internal/models"
	"modelgateway/internal/utils"
)

func TestApplyInputSchema_DefaultsAndExtras(t *testing.T) {
	schema := models.SchemaFields{
		{Name: "num_outputs", Type: "integer", Default: 1},
		{Name: "guidance", Type: "number"},
		{Name: "scheduler", Type: "string"},
	}

	body := map[string]interface{}{}
	extra := map[string]interface{}{
		"guidance":     7.5,
		"unrecognized": "dropped",
	}
	if err := ApplyInputSchema(body, extra, schema); err != nil {
		t.Fatalf("ApplyInputSchema failed: %v", err)
	}
	if body["num_outputs"] != 1 {
		t.Errorf("Expected the default applied, got %v", body["num_outputs"])
	}
	if body["guidance"] != 7.5 {
		t.Errorf("Expected the extra folded in, got %v", body["guidance"])
	}
	if _, present := body["unrecognized"]; present {
		t.Error("Expected unknown extras dropped")
	}
	if _, present := body["scheduler"]; present {
		t.Error("Expected optional absent fields left out")
	}
}

func TestApplyInputSchema_Required(t *testing.T) {
	schema := models.SchemaFields{
		{Name: "prompt", Type: "string", Required: true},
	}

	err := ApplyInputSchema(map[string]interface{}{}, nil, schema)
	var paramsErr *utils.ParamsError
	if !errors.As(err, &paramsErr) {
		t.Fatalf("Expected ParamsError, got %v", err)
	}
	if paramsErr.Field != "prompt" {
		t.Errorf("Expected the field named, got %q", paramsErr.Field)
	}

	// A required field already produced by the native mapping passes.
	body := map[string]interface{}{"prompt": "a red fox"}
	if err := ApplyInputSchema(body, nil, schema); err != nil {
		t.Errorf("Expected satisfied requirement, got %v", err)
	}
}

func TestApplyInputSchema_TypeChecks(t *testing.T) {
	schema := models.SchemaFields{
		{Name: "width", Type: "integer"},
		{Name: "cfg", Type: "number"},
		{Name: "tags", Type: "array"},
		{Name: "flexible", TypeUnion: []string{"string", "boolean"}},
	}

	ok := map[string]interface{}{
		"width":    float64(1024), // decoded JSON arrives as float64
		"cfg":      7,             // whole numbers satisfy number fields
		"tags":     []interface{}{"a"},
		"flexible": true,
	}
	if err := ApplyInputSchema(map[string]interface{}{}, ok, schema); err != nil {
		t.Fatalf("ApplyInputSchema failed: %v", err)
	}

	var paramsErr *utils.ParamsError
	bad := map[string]interface{}{"width": 1024.5}
	if err := ApplyInputSchema(map[string]interface{}{}, bad, schema); !errors.As(err, &paramsErr) {
		t.Errorf("Expected ParamsError for fractional integer, got %v", err)
	}

	bad = map[string]interface{}{"flexible": 12}
	if err := ApplyInputSchema(map[string]interface{}{}, bad, schema); !errors.As(err, &paramsErr) {
		t.Errorf("Expected ParamsError for type union violation, got %v", err)
	}
}

func TestApplyInputSchema_Enum(t *testing.T) {
	schema := models.SchemaFields{
		{Name: "quality", Type: "string", Enum: []any{"standard", "premium"}},
	}

	body := map[string]interface{}{}
	if err := ApplyInputSchema(body, map[string]interface{}{"quality": "premium"}, schema); err != nil {
		t.Fatalf("ApplyInputSchema failed: %v", err)
	}
	if body["quality"] != "premium" {
		t.Errorf("Expected the value applied, got %v", body["quality"])
	}

	err := ApplyInputSchema(map[string]interface{}{}, map[string]interface{}{"quality": "draft"}, schema)
	var paramsErr *utils.ParamsError
	if !errors.As(err, &paramsErr) {
		t.Errorf("Expected ParamsError for enum violation, got %v", err)
	}
}
