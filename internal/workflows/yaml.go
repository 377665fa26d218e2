package workflows

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"loomctl/internal/apperrors"
	"loomctl/pkg/models"
)

// yamlLoopConfig mirrors the YAML importer's loop_config block (spec.md
// §6), with snake_case keys translated to the camelCase model at parse
// time -- YAML is a request-side concern, same as the JSON API's DTOs.
type yamlLoopConfig struct {
	Over       string `yaml:"over"`
	Completion string `yaml:"completion"`
	VerifyEach bool   `yaml:"verify_each"`
	VerifyStep string `yaml:"verify_step"`
}

type yamlStep struct {
	StepID        string          `yaml:"step_id"`
	Name          string          `yaml:"name"`
	AgentID       string          `yaml:"agent_id"`
	InputTemplate string          `yaml:"input_template"`
	Expects       string          `yaml:"expects"`
	Type          string          `yaml:"type"`
	LoopConfig    *yamlLoopConfig `yaml:"loop_config"`
	Position      *int            `yaml:"position"`
}

type yamlWorkflow struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Steps       []yamlStep `yaml:"steps"`
}

// ParseYAML parses a workflow specification document into the internal
// StepConfig model, applying the `type: single` default and a dense
// 0-based `position` default (array index) the way spec.md §6 describes.
// It validates required fields but does not touch the store.
func ParseYAML(doc string) (name, description string, steps []models.StepConfig, err error) {
	var parsed yamlWorkflow
	if err := yaml.Unmarshal([]byte(doc), &parsed); err != nil {
		return "", "", nil, apperrors.New(apperrors.ValidationError, "invalid yaml: %v", err)
	}

	if err := validateName(parsed.Name); err != nil {
		return "", "", nil, err
	}

	steps = make([]models.StepConfig, len(parsed.Steps))
	for i, ys := range parsed.Steps {
		stepType := models.StepType(ys.Type)
		if stepType == "" {
			stepType = models.StepTypeSingle
		}

		position := i
		if ys.Position != nil {
			position = *ys.Position
		}

		var loopCfg *models.LoopConfig
		if ys.LoopConfig != nil {
			loopCfg = &models.LoopConfig{
				Over:       ys.LoopConfig.Over,
				Completion: ys.LoopConfig.Completion,
				VerifyEach: ys.LoopConfig.VerifyEach,
				VerifyStep: ys.LoopConfig.VerifyStep,
			}
		}

		steps[i] = models.StepConfig{
			StepID:        ys.StepID,
			Name:          ys.Name,
			AgentID:       ys.AgentID,
			InputTemplate: ys.InputTemplate,
			Expects:       ys.Expects,
			Type:          stepType,
			LoopConfig:    loopCfg,
			Position:      position,
		}
	}

	if err := ValidateSteps(steps); err != nil {
		return "", "", nil, err
	}

	return parsed.Name, parsed.Description, steps, nil
}

// ToYAML renders a workflow back into the importer's document shape,
// primarily used by tests asserting the field-by-field round trip
// (spec.md §8 property 8).
func ToYAML(wf *models.Workflow) (string, error) {
	doc := yamlWorkflow{Name: wf.Name, Description: wf.Description}
	doc.Steps = make([]yamlStep, len(wf.Steps))
	for i, s := range wf.Steps {
		ys := yamlStep{
			StepID:        s.StepID,
			Name:          s.Name,
			AgentID:       s.AgentID,
			InputTemplate: s.InputTemplate,
			Expects:       s.Expects,
			Type:          string(s.Type),
			Position:      &s.Position,
		}
		if s.LoopConfig != nil {
			ys.LoopConfig = &yamlLoopConfig{
				Over:       s.LoopConfig.Over,
				Completion: s.LoopConfig.Completion,
				VerifyEach: s.LoopConfig.VerifyEach,
				VerifyStep: s.LoopConfig.VerifyStep,
			}
		}
		doc.Steps[i] = ys
	}

	b, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal workflow yaml: %w", err)
	}
	return string(b), nil
}
