package workflows

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"loomctl/internal/apperrors"
	"loomctl/pkg/models"
)

// structValidator checks the struct-tag rules on StepConfig (required
// fields, the type enum) that spec.md §4.2 names; the uniqueness and
// loop_config cross-field rules below it can't express as tags and are
// checked separately.
var structValidator = validator.New()

// ValidateSteps enforces the Workflow Store's step-config validation rules
// (spec.md §4.2): required fields, valid type enum, unique step IDs within
// the workflow, and loop steps requiring loopConfig.over == "stories".
func ValidateSteps(steps []models.StepConfig) error {
	if len(steps) == 0 {
		return apperrors.New(apperrors.ValidationError, "workflow must have at least one step")
	}

	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if err := structValidator.Struct(s); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				return apperrors.New(apperrors.ValidationError, "step %q: %s failed %s", s.StepID, verrs[0].Field(), verrs[0].Tag())
			}
			return apperrors.New(apperrors.ValidationError, "step %q: %v", s.StepID, err)
		}

		if seen[s.StepID] {
			return apperrors.New(apperrors.ValidationError, "duplicate step_id %q", s.StepID)
		}
		seen[s.StepID] = true

		if s.Type == models.StepTypeLoop {
			if s.LoopConfig == nil || s.LoopConfig.Over != "stories" {
				return apperrors.New(apperrors.ValidationError, "step %q: loop_config.over must be \"stories\"", s.StepID)
			}
			if s.LoopConfig.VerifyEach && s.LoopConfig.VerifyStep == "" {
				return apperrors.New(apperrors.ValidationError, "step %q: loop_config.verify_step is required when verify_each is set", s.StepID)
			}
		}
	}
	return nil
}

// NormalizeSteps fills in defaults (type=single, position=array index) the
// way the store applies them on create/update/import, and validates the
// result.
func NormalizeSteps(steps []models.StepConfig) ([]models.StepConfig, error) {
	out := make([]models.StepConfig, len(steps))
	for i, s := range steps {
		if s.Type == "" {
			s.Type = models.StepTypeSingle
		}
		if s.Position == 0 && i != 0 {
			s.Position = i
		}
		out[i] = s
	}
	if err := ValidateSteps(out); err != nil {
		return nil, err
	}
	return out, nil
}

func validateName(name string) error {
	if name == "" {
		return apperrors.New(apperrors.ValidationError, "name is required")
	}
	return nil
}
