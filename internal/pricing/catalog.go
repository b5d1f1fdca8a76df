package pricing

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var defaultModelsYAML []byte

const DefaultContextWindow = 8192

// ModelInfo describes a model and its prices per million tokens.
// A zero input or output price means the price is not configured.
type ModelInfo struct {
	ID               string   `yaml:"id" json:"id"`
	ContextWindow    int      `yaml:"context_window" json:"context_window"`
	InputPrice       float64  `yaml:"input_price" json:"input_price"`
	OutputPrice      float64  `yaml:"output_price" json:"output_price"`
	CacheReadsPrice  *float64 `yaml:"cache_reads_price,omitempty" json:"cache_reads_price,omitempty"`
	CacheWritesPrice *float64 `yaml:"cache_writes_price,omitempty" json:"cache_writes_price,omitempty"`
}

// HasPricing reports whether the model has an input or output price.
func (m ModelInfo) HasPricing() bool {
	return m.InputPrice != 0 || m.OutputPrice != 0
}

type catalogFile struct {
	Models []ModelInfo `yaml:"models"`
}

// Catalog is a concurrency-safe set of known models keyed by ID.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]ModelInfo
}

func NewCatalog(models ...ModelInfo) *Catalog {
	c := &Catalog{models: make(map[string]ModelInfo, len(models))}
	c.Merge(models...)
	return c
}

// LoadDefault returns a catalog seeded with the embedded model list.
func LoadDefault() (*Catalog, error) {
	models, err := ParseModels(defaultModelsYAML)
	if err != nil {
		return nil, fmt.Errorf("parse embedded models: %w", err)
	}
	return NewCatalog(models...), nil
}

// ParseModels decodes a YAML document with a top-level "models" list.
func ParseModels(data []byte) ([]ModelInfo, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	for i, m := range f.Models {
		if m.ID == "" {
			return nil, fmt.Errorf("model %d: missing id", i)
		}
		if m.ContextWindow == 0 {
			f.Models[i].ContextWindow = DefaultContextWindow
		}
	}
	return f.Models, nil
}

// LoadFile reads models from a YAML file.
func LoadFile(path string) ([]ModelInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file %s: %w", path, err)
	}
	models, err := ParseModels(data)
	if err != nil {
		return nil, fmt.Errorf("decode pricing file %s: %w", path, err)
	}
	return models, nil
}

// Merge adds models to the catalog. Existing IDs are overwritten.
func (c *Catalog) Merge(models ...ModelInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range models {
		c.models[m.ID] = m
	}
}

// Lookup finds a model by exact ID, then by the longest catalog ID that
// prefixes it (dated model variants resolve to their base entry).
func (c *Catalog) Lookup(id string) (ModelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if m, ok := c.models[id]; ok {
		return m, true
	}
	var bestKey string
	for key := range c.models {
		if strings.HasPrefix(id, key) && len(key) > len(bestKey) {
			bestKey = key
		}
	}
	if bestKey == "" {
		return ModelInfo{}, false
	}
	return c.models[bestKey], true
}

// Models returns all models sorted by ID.
func (c *Catalog) Models() []ModelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ModelInfo, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the sorted model IDs.
func (c *Catalog) IDs() []string {
	models := c.Models()
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	return ids
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}
