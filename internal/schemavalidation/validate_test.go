// Package schemavalidation pins the example form schemas shipped under
// docs/schema to the example submissions under docs/examples. A change
// to either that breaks the pairing fails here before it reaches a
// deployment that copied the examples into its schema directory.
package schemavalidation

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaCase struct {
	form         string
	schemaPath   string
	instancePath string
}

func TestExampleFormsValidate(t *testing.T) {
	repoRoot := repoRoot(t)
	cases := []schemaCase{
		{
			form:         "sleep-diary-v2",
			schemaPath:   filepath.Join(repoRoot, "docs", "schema", "sleep-diary-v2.schema.json"),
			instancePath: filepath.Join(repoRoot, "docs", "examples", "sleep-diary-v2.json"),
		},
		{
			form:         "pain-scale-v1",
			schemaPath:   filepath.Join(repoRoot, "docs", "schema", "pain-scale-v1.schema.json"),
			instancePath: filepath.Join(repoRoot, "docs", "examples", "pain-scale-v1.json"),
		},
	}

	for _, tc := range cases {
		t.Run(tc.form, func(t *testing.T) {
			validateSubmission(t, tc.form, tc.schemaPath, tc.instancePath)
		})
	}
}

// validateSubmission unwraps the submission envelope the way the
// registry does and validates the data against the compiled schema.
func validateSubmission(t *testing.T, form, schemaPath, instancePath string) {
	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}

	instanceData, err := os.ReadFile(instancePath)
	if err != nil {
		t.Fatalf("read example: %v", err)
	}

	var envelope struct {
		Form string          `json:"form"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(instanceData, &envelope); err != nil {
		t.Fatalf("unmarshal example envelope: %v", err)
	}
	if envelope.Form != form {
		t.Fatalf("example names form %q, schema file is for %q", envelope.Form, form)
	}

	var instance any
	if err := json.Unmarshal(envelope.Data, &instance); err != nil {
		t.Fatalf("unmarshal example data: %v", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaPath, bytes.NewReader(schemaData)); err != nil {
		t.Fatalf("add schema resource: %v", err)
	}
	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}

	if err := schema.Validate(instance); err != nil {
		t.Fatalf("schema validation failed for %s: %v", filepath.Base(instancePath), err)
	}
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("unable to resolve caller path")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
