package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

var roleLevels = map[string]int{RoleViewer: 1, RoleEditor: 2, RoleAdmin: 3}

// HasAtLeast reports whether any of roles ranks at or above required.
func HasAtLeast(roles []string, required string) bool {
	need := roleLevels[strings.ToLower(required)]
	if need == 0 {
		return false
	}
	for _, role := range roles {
		if roleLevels[strings.ToLower(strings.TrimSpace(role))] >= need {
			return true
		}
	}
	return false
}

func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	case http.MethodDelete:
		return RoleAdmin
	default:
		return RoleEditor
	}
}
