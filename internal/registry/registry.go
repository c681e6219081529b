// Package registry maps model ids to providers. A built-in catalog ships
// embedded; a user models.yaml in the config directory overrides or extends
// it.
package registry

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var builtinModels []byte

// Model is one catalog entry.
type Model struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	Name     string `yaml:"name,omitempty"`
	Default  bool   `yaml:"default,omitempty"`
}

// DisplayName returns the human-readable name, falling back to the id.
func (m Model) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

type catalog struct {
	Models []Model `yaml:"models"`
}

// Registry holds the merged model catalog.
type Registry struct {
	models []Model
	byID   map[string]int
}

// Load builds the registry from the embedded catalog, then overlays the
// user file at userPath when it exists. User entries with a known id replace
// the built-in entry; new ids append.
func Load(userPath string) (*Registry, error) {
	r := &Registry{byID: make(map[string]int)}

	var builtin catalog
	if err := yaml.Unmarshal(builtinModels, &builtin); err != nil {
		return nil, fmt.Errorf("parse built-in model catalog: %w", err)
	}
	r.merge(builtin.Models)

	if userPath != "" {
		data, err := os.ReadFile(userPath)
		if err == nil {
			var user catalog
			if err := yaml.Unmarshal(data, &user); err != nil {
				return nil, fmt.Errorf("parse %s: %w", userPath, err)
			}
			r.merge(user.Models)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", userPath, err)
		}
	}

	return r, nil
}

func (r *Registry) merge(models []Model) {
	for _, m := range models {
		if m.ID == "" {
			continue
		}
		if idx, ok := r.byID[m.ID]; ok {
			r.models[idx] = m
			continue
		}
		r.byID[m.ID] = len(r.models)
		r.models = append(r.models, m)
	}
}

// List returns all models in catalog order.
func (r *Registry) List() []Model {
	out := make([]Model, len(r.models))
	copy(out, r.models)
	return out
}

// Get looks up a model by id.
func (r *Registry) Get(id string) (Model, bool) {
	idx, ok := r.byID[id]
	if !ok {
		return Model{}, false
	}
	return r.models[idx], true
}

// Default returns the default model. The last entry flagged default wins;
// with no flag set, the first entry is the default.
func (r *Registry) Default() Model {
	var def Model
	for _, m := range r.models {
		if m.Default {
			def = m
		}
	}
	if def.ID == "" && len(r.models) > 0 {
		def = r.models[0]
	}
	return def
}

// Resolve maps a selected model string to a catalog entry. Empty selects the
// default. Ids not in the catalog are accepted in "provider/model" form so
// new models work without a catalog update.
func (r *Registry) Resolve(selected string) (Model, error) {
	if selected == "" {
		def := r.Default()
		if def.ID == "" {
			return Model{}, fmt.Errorf("model catalog is empty")
		}
		return def, nil
	}
	if m, ok := r.Get(selected); ok {
		return m, nil
	}
	if provider, model, ok := strings.Cut(selected, "/"); ok && provider != "" && model != "" {
		return Model{ID: model, Provider: provider, Name: model}, nil
	}
	return Model{}, fmt.Errorf("unknown model %q (use provider/model for uncataloged models)", selected)
}
