package domain

import (
	"fmt"
	"strings"
)

// Stage is a deployment slot.
type Stage string

const (
	StageStaging Stage = "staging"
	StageProd    Stage = "prod"
)

// Stages lists every deployment slot in promotion order.
var Stages = []Stage{StageStaging, StageProd}

func (s Stage) Valid() bool {
	switch s {
	case StageStaging, StageProd:
		return true
	default:
		return false
	}
}

func (s Stage) String() string { return string(s) }

// ParseStage accepts the canonical stage names plus "production".
func ParseStage(raw string) (Stage, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "staging":
		return StageStaging, nil
	case "prod", "production":
		return StageProd, nil
	default:
		return "", fmt.Errorf("unknown stage %q", raw)
	}
}
