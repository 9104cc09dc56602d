package service

import (
	"regexp"

	"github.com/hulrap/agentflow/pkg/models"
)

// placeholderRe matches {{step_id.field}} tokens in prompt templates.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_-]+)\.([A-Za-z0-9_-]+)\s*\}\}`)

// Interpolate substitutes every {{step_id.field}} token in the template
// with the named field of the referenced step's recorded result. A token
// referencing an unknown step or field is left verbatim in the output:
// an unresolved reference degrades the prompt, it never fails the step.
func Interpolate(template string, results map[string]models.StepResult) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		parts := placeholderRe.FindStringSubmatch(match)
		res, ok := results[parts[1]]
		if !ok {
			return match
		}
		value, ok := res.Field(parts[2])
		if !ok {
			return match
		}
		return value
	})
}
