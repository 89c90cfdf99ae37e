package access

import (
	"fmt"
	"strings"

	"custodia.org/internal/errs"
)

// Role is one of the closed set of roles known to the deployment.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleProvider   Role = "provider"
	RoleStaff      Role = "staff"
	RoleCompliance Role = "compliance"
	RoleAuditor    Role = "auditor"
)

// Permission is an atomic capability key.
type Permission string

const (
	PermUserManage          Permission = "user.manage"
	PermAuditView           Permission = "audit.view"
	PermAuditExport         Permission = "audit.export"
	PermAuditMetadata       Permission = "audit.metadata"
	PermFeedbackView        Permission = "feedback.view"
	PermEmergencyAccess     Permission = "emergency.access"
	PermEmergencyEndAny     Permission = "emergency.end.any"
	PermJustificationReview Permission = "justification.review"
	PermIncidentManage      Permission = "incident.manage"
	PermIncidentReopen      Permission = "incident.reopen"
	PermAlertsView          Permission = "alerts.view"
)

// ParseRole validates a role string coming from an external token.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.TrimSpace(strings.ToLower(raw))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleProvider:
		return RoleProvider, nil
	case RoleStaff:
		return RoleStaff, nil
	case RoleCompliance:
		return RoleCompliance, nil
	case RoleAuditor:
		return RoleAuditor, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", errs.ErrInvalid, raw)
	}
}

// roleGrants is the static permission table. Changing it is a deployment,
// not a runtime mutation, so checks stay free of TOCTOU windows.
var roleGrants = map[Role][]Permission{
	RoleAdmin: {
		PermUserManage,
		PermAuditView,
		PermAuditExport,
		PermAuditMetadata,
		PermFeedbackView,
		PermIncidentManage,
		PermIncidentReopen,
		PermAlertsView,
	},
	RoleProvider: {
		PermEmergencyAccess,
		PermFeedbackView,
	},
	RoleStaff: {
		PermFeedbackView,
	},
	// Auditors read the trail but see it redacted: audit.view without the
	// audit.metadata sub-permission.
	RoleAuditor: {
		PermAuditView,
		PermAuditExport,
		PermAlertsView,
	},
	RoleCompliance: {
		PermAuditView,
		PermAuditExport,
		PermAuditMetadata,
		PermEmergencyEndAny,
		PermJustificationReview,
		PermIncidentManage,
		PermIncidentReopen,
		PermAlertsView,
	},
}

// Engine answers permission checks against the static role table.
// It is a pure lookup: it performs no I/O and emits no audit entries,
// the calling service is responsible for its own audit emission.
type Engine struct {
	grants map[Role]map[Permission]struct{}
}

// NewEngine builds the lookup sets from the static table.
func NewEngine() *Engine {
	grants := make(map[Role]map[Permission]struct{}, len(roleGrants))
	for role, perms := range roleGrants {
		set := make(map[Permission]struct{}, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		grants[role] = set
	}
	return &Engine{grants: grants}
}

// Has reports whether role holds permission. Unknown roles or permissions
// return false, never an error.
func (e *Engine) Has(role Role, perm Permission) bool {
	set, ok := e.grants[role]
	if !ok {
		return false
	}
	_, ok = set[perm]
	return ok
}

// Require returns ErrUnauthorized when role lacks permission. Callers treat
// this as fatal to the current operation, never retryable.
func (e *Engine) Require(role Role, perm Permission) error {
	if !e.Has(role, perm) {
		return fmt.Errorf("%w: role %s lacks %s", errs.ErrUnauthorized, role, perm)
	}
	return nil
}

// Permissions returns the configured permission set for a role, for
// introspection surfaces. The returned slice is a copy.
func (e *Engine) Permissions(role Role) []Permission {
	set, ok := e.grants[role]
	if !ok {
		return nil
	}
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}
