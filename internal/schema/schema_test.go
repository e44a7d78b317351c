package schema

import (
	"reflect"
	"testing"

	xerrors "OpenLLM-Orchestra/internal/errors"
)

func TestFieldVariantRendering(t *testing.T) {
	cases := []struct {
		name    string
		field   Field
		initial bool
		want    any
	}{
		{"always", Field{Type: "string", Presence: PresenceAlways}, false, "string"},
		{"optional", Field{Type: "string", Presence: PresenceOptional}, false, []any{"string", "null"}},
		{"initial-on", Field{Type: "string", Presence: PresenceWhenInitial}, true, "string"},
		{"initial-off", Field{Type: "string", Presence: PresenceWhenInitial}, false, []any{"string", "null"}},
		{"disabled", Field{Type: "string", Presence: PresenceDisabled}, false, "null"},
	}
	for _, tc := range cases {
		rendered := tc.field.render(tc.initial)
		if !reflect.DeepEqual(rendered["type"], tc.want) {
			t.Fatalf("%s: expected type %v, got %v", tc.name, tc.want, rendered["type"])
		}
	}
}

func TestJSONCarriesStrictFlag(t *testing.T) {
	def := &Definition{
		Strict: true,
		Fields: map[string]Field{
			"foo": {Type: "string", Presence: PresenceAlways},
			"bar": {Type: "number", Presence: PresenceOptional},
		},
	}
	rendered := def.JSON(true)
	if rendered["strict"] != true {
		t.Fatal("strict flag must be carried explicitly")
	}
	required := rendered["required"].([]string)
	if len(required) != 2 {
		t.Fatalf("strict schema must require every property, got %v", required)
	}
}

func TestValidate(t *testing.T) {
	def := &Definition{
		Strict: true,
		Fields: map[string]Field{
			"foo":  {Type: "string", Presence: PresenceAlways},
			"n":    {Type: "integer", Presence: PresenceOptional},
			"gone": {Type: "string", Presence: PresenceDisabled},
		},
	}

	if err := def.Validate(map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("valid value rejected: %v", err)
	}
	if err := def.Validate(map[string]any{"foo": "bar", "n": float64(3)}); err != nil {
		t.Fatalf("integral float rejected: %v", err)
	}

	err := def.Validate(map[string]any{})
	if err == nil || xerrors.CodeOf(err) != CodeSchemaViolation {
		t.Fatalf("missing required field must violate schema, got %v", err)
	}
	if err := def.Validate(map[string]any{"foo": 7}); err == nil {
		t.Fatal("type mismatch must violate schema")
	}
	if err := def.Validate(map[string]any{"foo": "bar", "gone": "x"}); err == nil {
		t.Fatal("disabled field must reject non-null values")
	}
	if err := def.Validate(map[string]any{"foo": "bar", "extra": 1}); err == nil {
		t.Fatal("strict schema must reject undeclared fields")
	}
}
