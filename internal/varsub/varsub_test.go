package varsub_test

import (
	"testing"

	"github.com/firasghr/loadengine/internal/model"
	"github.com/firasghr/loadengine/internal/varsub"
)

func TestSubstitute_ReplacesKnownVariable(t *testing.T) {
	layers := varsub.Layers{{"token": "abc123"}}
	got := varsub.Substitute("Bearer {{token}}", layers)
	if got != "Bearer abc123" {
		t.Errorf("got %q", got)
	}
}

func TestSubstitute_UnknownVariableLeftVerbatim(t *testing.T) {
	got := varsub.Substitute("{{missing}}", varsub.Layers{{"token": "abc"}})
	if got != "{{missing}}" {
		t.Errorf("got %q, want verbatim passthrough", got)
	}
}

func TestSubstitute_EarlierLayerShadowsLater(t *testing.T) {
	layers := varsub.Layers{
		{"host": "env-host"},
		{"host": "global-host"},
	}
	got := varsub.Substitute("{{host}}", layers)
	if got != "env-host" {
		t.Errorf("got %q, want env-host to shadow global-host", got)
	}
}

func TestSubstitute_NoPlaceholdersReturnsInputUnchanged(t *testing.T) {
	got := varsub.Substitute("plain string", varsub.Layers{{"x": "y"}})
	if got != "plain string" {
		t.Errorf("got %q", got)
	}
}

func TestFlatten_SkipsDisabledVariables(t *testing.T) {
	vm := model.VariableMap{
		"token":  {Value: "abc", Enabled: true},
		"unused": {Value: "xyz", Enabled: false},
	}
	flat := varsub.Flatten(vm)
	if flat["token"] != "abc" {
		t.Errorf("expected enabled variable to be present, got %+v", flat)
	}
	if _, ok := flat["unused"]; ok {
		t.Error("expected disabled variable to be excluded")
	}
}

func TestSubstituteWith_AppliesTransformPerResolvedName(t *testing.T) {
	layers := varsub.Layers{{"user": "alice", "secret": "s3cret"}}
	got := varsub.SubstituteWith("{{user}}:{{secret}}", layers, func(name, v string) string {
		if name == "secret" {
			return "***"
		}
		return v
	})
	if got != "alice:***" {
		t.Errorf("got %q, want alice:***", got)
	}
}

func TestSubstituteWith_UnknownNameStillVerbatim(t *testing.T) {
	got := varsub.SubstituteWith("{{missing}}", varsub.Layers{{"x": "y"}}, func(_, v string) string { return "REDACTED" })
	if got != "{{missing}}" {
		t.Errorf("got %q, want verbatim passthrough for an unresolved name", got)
	}
}

func TestSubstituteMap_AppliesToEveryValue(t *testing.T) {
	layers := varsub.Layers{{"id": "42"}}
	in := map[string]string{"X-Id": "{{id}}", "X-Plain": "fixed"}
	out := varsub.SubstituteMap(in, layers)
	if out["X-Id"] != "42" || out["X-Plain"] != "fixed" {
		t.Errorf("got %+v", out)
	}
	if in["X-Id"] != "{{id}}" {
		t.Error("SubstituteMap must not mutate its input")
	}
}
