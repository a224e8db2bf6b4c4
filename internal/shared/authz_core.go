package shared

// Permission keys guarding the access-control API itself.
const (
	PermRolesManage = "settings:manageRoles"
	PermRolesView   = "roles:view"
	PermUsersCreate = "users:create"
	PermUsersView   = "users:view:view"

	PermUserRolesEdit   = "users:changeRole:edit"
	PermUserRolesDelete = "users:changeRole:delete"

	PermPoliciesView   = "permissions:manage:view"
	PermPoliciesEdit   = "permissions:manage:edit"
	PermPoliciesDelete = "permissions:manage:delete"
)

// RoleListingScopes lists the permissions that each allow listing roles.
func RoleListingScopes() []string {
	return []string{
		PermRolesManage,
		PermRolesView,
		PermUsersCreate,
	}
}

// CoreScopes lists all permissions related to the access-control API.
func CoreScopes() []string {
	return []string{
		PermRolesManage,
		PermRolesView,
		PermUsersCreate,
		PermUsersView,
		PermUserRolesEdit,
		PermUserRolesDelete,
		PermPoliciesView,
		PermPoliciesEdit,
		PermPoliciesDelete,
	}
}
