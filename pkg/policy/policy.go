package policy

import (
	"strings"

	"github.com/SergiuNegara/lmml/pkg/models"
)

// DefaultMarker is the phrase every accepted thought must contain.
const DefaultMarker = "I think:"

// Validator enforces the content contract on a message thought.
type Validator struct {
	marker string
}

func New(marker string) *Validator {
	if marker == "" {
		marker = DefaultMarker
	}
	return &Validator{marker: marker}
}

// Check requires the marker as an exact, case-sensitive substring.
func (v *Validator) Check(thought string) error {
	if strings.Contains(thought, v.marker) {
		return nil
	}
	return models.Reject(models.KindPolicy, models.CodeBadThoughtFormat).With("hint", "include '"+v.marker+"'")
}
