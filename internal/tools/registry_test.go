package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/backend/internal/protocol"
)

func registryWithBuiltins(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	return reg
}

func TestRegistry_ListFiltersInternalTools(t *testing.T) {
	reg := registryWithBuiltins(t)

	names := make(map[string]bool)
	for _, d := range reg.List() {
		names[d.Name] = true
	}
	assert.True(t, names["chat"])
	assert.True(t, names["codereview"])
	assert.False(t, names["filestore"], "internal tools never appear in listings")
}

func TestRegistry_InternalToolLooksUnknownToClients(t *testing.T) {
	reg := registryWithBuiltins(t)

	_, err := reg.Resolve("filestore", false)
	require.Error(t, err)
	assert.Equal(t, protocol.KindUnknownTool, protocol.KindOf(err),
		"clients cannot distinguish internal tools from unknown ones")

	tool, err := reg.Resolve("filestore", true)
	require.NoError(t, err)
	assert.Equal(t, VisibilityInternal, tool.Visibility)
}

func TestRegistry_UnknownTool(t *testing.T) {
	reg := registryWithBuiltins(t)

	_, err := reg.Resolve("does-not-exist", false)
	assert.Equal(t, protocol.KindUnknownTool, protocol.KindOf(err))
}

func TestRegistry_DisabledTool(t *testing.T) {
	reg := registryWithBuiltins(t)
	reg.SetEnabled("chat", false)

	_, err := reg.Resolve("chat", false)
	assert.Equal(t, protocol.KindToolDisabled, protocol.KindOf(err))

	for _, d := range reg.List() {
		assert.NotEqual(t, "chat", d.Name, "disabled tools drop out of listings")
	}

	reg.SetEnabled("chat", true)
	_, err = reg.Resolve("chat", false)
	assert.NoError(t, err)
}

func TestRegistry_DuplicateRegistrationRejected(t *testing.T) {
	reg := registryWithBuiltins(t)

	err := reg.Register(&Tool{Descriptor: Descriptor{Name: "chat", Category: CategorySimple}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistry_UnknownCategoryRejected(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&Tool{Descriptor: Descriptor{Name: "odd", Category: "mystery"}})
	require.Error(t, err)
}

func TestValidateInput_SchemaViolationsAreInvalidInput(t *testing.T) {
	reg := registryWithBuiltins(t)
	chat, err := reg.Resolve("chat", false)
	require.NoError(t, err)

	cases := []struct {
		name string
		args string
	}{
		{"missing prompt", `{}`},
		{"empty prompt", `{"prompt": ""}`},
		{"bad temperature", `{"prompt": "hi", "temperature": 9}`},
		{"bad hint", `{"prompt": "hi", "complexity_hint": 2}`},
		{"not json", `{"prompt": `},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := chat.ValidateInput(json.RawMessage(tc.args))
			require.Error(t, err)
			assert.Equal(t, protocol.KindInvalidInput, protocol.KindOf(err))
		})
	}
}

func TestValidateInput_ValidArgumentsPass(t *testing.T) {
	reg := registryWithBuiltins(t)
	chat, err := reg.Resolve("chat", false)
	require.NoError(t, err)

	args := `{"prompt": "hello", "temperature": 0.5, "use_websearch": true}`
	assert.NoError(t, chat.ValidateInput(json.RawMessage(args)))
}

func TestWorkflowSchema_RequiresStepFields(t *testing.T) {
	reg := registryWithBuiltins(t)
	review, err := reg.Resolve("codereview", false)
	require.NoError(t, err)

	err = review.ValidateInput(json.RawMessage(`{"step": "look at the diff"}`))
	require.Error(t, err, "step_number, total_steps, next_step_required, findings are required")

	valid := `{
		"step": "look at the diff",
		"step_number": 1,
		"total_steps": 2,
		"next_step_required": true,
		"findings": "nothing yet",
		"confidence": "exploring"
	}`
	assert.NoError(t, review.ValidateInput(json.RawMessage(valid)))

	badConfidence := `{
		"step": "s", "step_number": 1, "total_steps": 1,
		"next_step_required": false, "findings": "f",
		"confidence": "absolutely"
	}`
	err = review.ValidateInput(json.RawMessage(badConfidence))
	assert.Equal(t, protocol.KindInvalidInput, protocol.KindOf(err))
}

func TestFileInput_ResolveInlineBytes(t *testing.T) {
	fi := FileInput{Name: "notes.txt", BytesB64: "aGVsbG8="}
	data, name, err := fi.Resolve()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, "notes.txt", name)
}

func TestFileInput_ResolveRejectsEmpty(t *testing.T) {
	fi := FileInput{}
	_, _, err := fi.Resolve()
	require.Error(t, err)
}
