package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agendo/agendo/internal/common/errors"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/domain"
)

func TestFactoryDispatch(t *testing.T) {
	log := logger.Default()

	t.Run("template mode", func(t *testing.T) {
		a, err := New(
			&domain.Agent{BinaryPath: "/usr/bin/anything"},
			&domain.Capability{InteractionMode: domain.ModeTemplate},
			log)
		require.NoError(t, err)
		assert.IsType(t, &TemplateAdapter{}, a)
	})

	t.Run("prompt mode by basename", func(t *testing.T) {
		cases := map[string]any{
			"/usr/local/bin/claude": &ClaudeAdapter{},
			"/opt/bin/Codex":        &CodexAdapter{},
			"/home/u/.bin/gemini":   &GeminiAdapter{},
		}
		for path, want := range cases {
			a, err := New(
				&domain.Agent{BinaryPath: path},
				&domain.Capability{InteractionMode: domain.ModePrompt},
				log)
			require.NoError(t, err, path)
			assert.IsType(t, want, a, path)
		}
	})

	t.Run("unknown prompt basename is a hard error", func(t *testing.T) {
		_, err := New(
			&domain.Agent{BinaryPath: "/usr/bin/mystery-agent"},
			&domain.Capability{InteractionMode: domain.ModePrompt},
			log)
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestClaudeExtractSessionID(t *testing.T) {
	a := NewClaudeAdapter("/usr/bin/claude", logger.Default())

	chunk := `{"type":"assistant","message":{}}
{"type":"system","subtype":"init","session_id":"sess-abc123"}
{"type":"assistant","message":{}}
`
	assert.Equal(t, "sess-abc123", a.ExtractSessionID(chunk))

	assert.Empty(t, a.ExtractSessionID(`{"type":"system","subtype":"other","session_id":"x"}`))
	assert.Empty(t, a.ExtractSessionID("not json at all"))
	assert.Empty(t, a.ExtractSessionID(""))
}

func TestClaudeUserMessageShape(t *testing.T) {
	msg := newClaudeUserMessage("hello world")
	assert.Equal(t, "user", msg.Type)
	assert.Equal(t, "user", msg.Message.Role)
	assert.Equal(t, "hello world", msg.Message.Content)
	assert.Equal(t, "default", msg.SessionID)
	assert.Nil(t, msg.ParentToolUseID)
}

func TestCodexThreadStartParams(t *testing.T) {
	params := codexThreadStartParams(SpawnOpts{Cwd: "/work", Model: "gpt-5-codex"})
	assert.Equal(t, "/work", params["cwd"])
	assert.Equal(t, "auto-edit", params["approvalPolicy"])
	assert.Equal(t, "gpt-5-codex", params["model"])

	// Without a pinned model the field is omitted so the agent default wins.
	params = codexThreadStartParams(SpawnOpts{Cwd: "/work"})
	assert.NotContains(t, params, "model")
}

func TestTemplateAdapterRejectsUnsupportedOps(t *testing.T) {
	a := NewTemplateAdapter(logger.Default())

	_, err := a.Resume(context.Background(), "ref", "echo hi", SpawnOpts{})
	assert.Error(t, err)

	assert.Empty(t, a.ExtractSessionID("anything"))
	assert.Error(t, a.SendMessage(context.Background(), "hi"))
}
