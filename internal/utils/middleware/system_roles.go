package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/storefront/server/internal/module/auth"
	"github.com/storefront/server/internal/shared/response"
	apperrors "github.com/storefront/server/internal/utils/errors"
)

// AdminKey is the context key set once the caller is known to be an admin.
const AdminKey = "is_admin"

// SystemRoleAuthorizer decides who may use the admin surface. A caller is
// an admin when the token carries the admin role or when their email or
// user id is configured as an admin.
type SystemRoleAuthorizer struct {
	adminEmails  map[string]struct{}
	adminUserIDs map[uuid.UUID]struct{}
}

func NewSystemRoleAuthorizer(adminEmails, adminUserIDs []string) *SystemRoleAuthorizer {
	return &SystemRoleAuthorizer{
		adminEmails:  normalizeEmailSet(adminEmails),
		adminUserIDs: parseUUIDSet(adminUserIDs),
	}
}

// IsAdmin reports whether the identity has admin rights.
func (a *SystemRoleAuthorizer) IsAdmin(userID uuid.UUID, email, role string) bool {
	if userID == uuid.Nil && email == "" {
		return false
	}
	if role == auth.RoleAdmin {
		return true
	}
	if a == nil {
		return false
	}
	if email = normalizeEmail(email); email != "" {
		if _, ok := a.adminEmails[email]; ok {
			return true
		}
	}
	_, ok := a.adminUserIDs[userID]
	return ok
}

// ResolveRoles marks admin callers in the context without rejecting anyone.
func ResolveRoles(authorizer *SystemRoleAuthorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(AdminKey, authorizer.IsAdmin(GetUserID(c), GetEmail(c), GetRole(c)))
		c.Next()
	}
}

// RequireAdmin rejects callers that are not admins.
func RequireAdmin(authorizer *SystemRoleAuthorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			response.Abort(c, apperrors.Unauthorized("user not authenticated"))
			return
		}
		if !authorizer.IsAdmin(GetUserID(c), GetEmail(c), GetRole(c)) {
			response.Abort(c, apperrors.Forbidden("insufficient permissions"))
			return
		}
		c.Set(AdminKey, true)
		c.Next()
	}
}

// IsAdmin returns true when ResolveRoles or RequireAdmin marked the caller
// as an admin.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(AdminKey)
}

func normalizeEmailSet(emails []string) map[string]struct{} {
	out := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		e = normalizeEmail(e)
		if e == "" {
			continue
		}
		out[e] = struct{}{}
	}
	return out
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func parseUUIDSet(ids []string) map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{}, len(ids))
	for _, s := range ids {
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			continue
		}
		out[id] = struct{}{}
	}
	return out
}
