package assistant

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/assistantmesh/core"
)

func TestCatalog_Resolve(t *testing.T) {
	c := DefaultCatalog()

	a, err := c.Resolve("general-assistant")
	require.NoError(t, err)
	assert.Equal(t, "asst_XYZ987UVW654RST123", a.AssistantID)
	assert.Equal(t, "Asistente General", a.Name)

	_, err = c.Resolve("nope")
	assert.ErrorIs(t, err, ErrUnknownAssistant)
}

func TestCatalog_ResolveMissingProviderID(t *testing.T) {
	c := NewCatalog(Assistant{ID: "draft", Name: "Draft"})

	_, err := c.Resolve("draft")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNotConfigured))

	var cfgErr *core.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "Invalid configuration (draft): missing assistant_id.", cfgErr.Reason)
}

func TestCatalog_ListSorted(t *testing.T) {
	c := DefaultCatalog()
	c.Add(Assistant{ID: "aaa", AssistantID: "asst_a"})

	list := c.List()
	require.Len(t, list, 4)
	assert.Equal(t, "aaa", list[0].ID)
	assert.Equal(t, "asistente-senalizacion", list[1].ID)
	assert.Equal(t, "general-assistant", list[3].ID)
}

func TestCatalog_Instructions(t *testing.T) {
	c := NewCatalog(
		Assistant{ID: "helper", AssistantID: "asst_1", Name: "Helper", Instructions: "You are {{.Name}}. Answer in {{default \"English\" .Language}}."},
		Assistant{ID: "plain", AssistantID: "asst_2", Instructions: "Be brief."},
		Assistant{ID: "none", AssistantID: "asst_3"},
	)

	got, err := c.Instructions(map[string]any{"Language": "Spanish"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"asst_1": "You are Helper. Answer in Spanish.",
		"asst_2": "Be brief.",
	}, got)

	got, err = c.Instructions(nil)
	require.NoError(t, err)
	assert.Equal(t, "You are Helper. Answer in English.", got["asst_1"])
}

func TestCatalog_InstructionsTemplateError(t *testing.T) {
	c := NewCatalog(Assistant{ID: "bad", AssistantID: "asst_1", Instructions: "{{.Name"})
	_, err := c.Instructions(nil)
	assert.Error(t, err)
}
