package repository

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/none34829/freya-1/internal/domain"
)

// promptFile is the on-disk layout of a prompt seed file.
type promptFile struct {
	Prompts []domain.Prompt `yaml:"prompts"`
}

// LoadPromptsFile parses a YAML prompt seed file.
//
//	prompts:
//	  - id: support
//	    name: Support desk
//	    body: You are a customer support agent.
//	    voice: nova
func LoadPromptsFile(path string) ([]domain.Prompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompts file: %w", err)
	}

	var file promptFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing prompts file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Prompts))
	for i, p := range file.Prompts {
		id := strings.TrimSpace(p.PromptID)
		if id == "" {
			return nil, fmt.Errorf("prompt %d in %s has no id", i, path)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate prompt id %q in %s", id, path)
		}
		seen[id] = true
		file.Prompts[i].PromptID = id
		if file.Prompts[i].Name == "" {
			file.Prompts[i].Name = id
		}
	}
	return file.Prompts, nil
}

// SeedPrompts upserts every prompt in the file at path into store.
func SeedPrompts(ctx context.Context, store Store, path string) (int, error) {
	prompts, err := LoadPromptsFile(path)
	if err != nil {
		return 0, err
	}
	for i := range prompts {
		if err := store.UpsertPrompt(ctx, &prompts[i]); err != nil {
			return i, fmt.Errorf("failed to store prompt %s: %w", prompts[i].PromptID, err)
		}
	}
	return len(prompts), nil
}
