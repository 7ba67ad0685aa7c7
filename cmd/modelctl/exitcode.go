package main

import (
	"errors"

	"github.com/animus-labs/modelops/internal/domain"
)

const (
	exitOK      = 0
	exitInfra   = 1
	exitConfig  = 2
	exitVerdict = 3
)

// errVerdictFailed marks a gate or canary check that ran and did not pass.
var errVerdictFailed = errors.New("verdict failed")

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errVerdictFailed):
		return exitVerdict
	case errors.Is(err, domain.ErrConfig):
		return exitConfig
	default:
		return exitInfra
	}
}
