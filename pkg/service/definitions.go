package service

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/hulrap/agentflow/pkg/models"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RegisterDefinition validates and registers a workflow definition.
// Definitions are immutable: re-registering an existing ID is an error.
func (s *Service) RegisterDefinition(def models.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.definitions[def.ID]; exists {
		return errors.Errorf("definition '%s' is already registered", def.ID)
	}
	s.definitions[def.ID] = def
	s.logger.Infof("Registered workflow definition '%s' with %d steps", def.ID, len(def.Steps))
	return nil
}

// Definition looks up a registered definition by ID.
func (s *Service) Definition(id string) (models.WorkflowDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	return def, ok
}

// Definitions lists the registered definitions sorted by ID.
func (s *Service) Definitions() []models.WorkflowDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.WorkflowDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadDefinitionFile registers a definition from a YAML file.
func (s *Service) LoadDefinitionFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading definition file %s", path)
	}
	var def models.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return errors.Wrapf(err, "parsing definition file %s", path)
	}
	return s.RegisterDefinition(def)
}

// LoadDefinitionDir registers every .yml/.yaml file in a directory.
func (s *Service) LoadDefinitionDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "reading definition directory %s", dir)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		if err := s.LoadDefinitionFile(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
