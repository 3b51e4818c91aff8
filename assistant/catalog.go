// Package assistant holds the catalog of assistants a deployment exposes.
//
// Callers address assistants by a stable public id (for example
// "general-assistant"); the catalog maps it to the provider side assistant
// id and the presentation metadata shown in listings.
package assistant

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/internal/util"
)

// ErrUnknownAssistant is returned by Resolve for ids missing from the catalog.
var ErrUnknownAssistant = errors.New("assistant not found")

// Assistant is one catalog entry.
type Assistant struct {
	// ID is the public id callers send as assistantId.
	ID string `json:"id" koanf:"id"`
	// AssistantID is the provider assistant id runs are launched with.
	AssistantID      string `json:"-" koanf:"assistant_id"`
	Name             string `json:"name" koanf:"name"`
	ShortDescription string `json:"shortDescription" koanf:"short_description"`
	Description      string `json:"description" koanf:"description"`
	// Instructions is an optional system prompt template. Providers that
	// emulate assistants locally use the rendered text.
	Instructions string `json:"-" koanf:"instructions"`
}

// Catalog is a concurrency safe set of assistants keyed by public id.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Assistant
}

// NewCatalog creates a catalog from entries. Later entries replace earlier
// ones with the same id.
func NewCatalog(entries ...Assistant) *Catalog {
	c := &Catalog{entries: make(map[string]Assistant, len(entries))}
	for _, a := range entries {
		c.entries[a.ID] = a
	}
	return c
}

// DefaultCatalog returns the built-in assistants.
func DefaultCatalog() *Catalog {
	return NewCatalog(DefaultAssistants()...)
}

// DefaultAssistants lists the built-in catalog entries.
func DefaultAssistants() []Assistant {
	return []Assistant{
		{
			ID:               "dall-e-images",
			AssistantID:      "asst_ABC123DEF456GHI789",
			Name:             "Generador de Imágenes",
			ShortDescription: "Crea imágenes a partir de descripciones (OpenAI).",
			Description:      "Utiliza DALL·E a través de la API de Asistentes de OpenAI para generar imágenes únicas basadas en tus indicaciones de texto.",
		},
		{
			ID:               "general-assistant",
			AssistantID:      "asst_XYZ987UVW654RST123",
			Name:             "Asistente General",
			ShortDescription: "Responde preguntas y realiza tareas (OpenAI).",
			Description:      "Un asistente conversacional general potenciado por GPT a través de la API de Asistentes. Puede responder preguntas, resumir texto, traducir y más.",
		},
		{
			ID:               "asistente-senalizacion",
			AssistantID:      "asst_MXuUc0TcV7aPYkLGbN5glitq",
			Name:             "Asistente de Señalización",
			ShortDescription: "Identifica y explica señales de tráfico (OpenAI).",
			Description:      "Proporciona información sobre señales de tráfico a partir de imágenes o descripciones. Utiliza un asistente de OpenAI especializado.",
		},
	}
}

// Add inserts or replaces an entry.
func (c *Catalog) Add(a Assistant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[a.ID] = a
}

// Get returns the entry for id without validating it.
func (c *Catalog) Get(id string) (Assistant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.entries[id]
	return a, ok
}

// Resolve returns the entry for id. Unknown ids yield ErrUnknownAssistant; an
// entry without a provider assistant id is a configuration error.
func (c *Catalog) Resolve(id string) (Assistant, error) {
	a, ok := c.Get(id)
	if !ok {
		return Assistant{}, fmt.Errorf("%w: %s", ErrUnknownAssistant, id)
	}
	if a.AssistantID == "" {
		return Assistant{}, &core.ConfigError{
			Reason: fmt.Sprintf("Invalid configuration (%s): missing assistant_id.", id),
		}
	}
	return a, nil
}

// List returns all entries sorted by public id.
func (c *Catalog) List() []Assistant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Assistant, 0, len(c.entries))
	for _, a := range c.entries {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Instructions renders the instruction templates of every entry, keyed by
// provider assistant id. vars is exposed to the templates next to the
// entry's own fields (.Name, .ID, .Description).
func (c *Catalog) Instructions(vars map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for _, a := range c.List() {
		if a.Instructions == "" || a.AssistantID == "" {
			continue
		}
		data := map[string]any{
			"ID":          a.ID,
			"Name":        a.Name,
			"Description": a.Description,
		}
		for k, v := range vars {
			data[k] = v
		}
		text, err := util.RenderTemplate(a.Instructions, data)
		if err != nil {
			return nil, fmt.Errorf("render instructions of %s: %w", a.ID, err)
		}
		out[a.AssistantID] = text
	}
	return out, nil
}
