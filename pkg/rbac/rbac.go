package rbac

import "fmt"

// 权限常量
const (
	PermissionScan          = "scan:run"
	PermissionReadTask      = "task:read"
	PermissionUpdateTask    = "task:update"
	PermissionManageAccount = "account:manage"

	// 只读的运维权限
	PermissionReadJobs = "jobs:read"
)

// 角色常量
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var userPermissions = []string{
	PermissionScan,
	PermissionReadTask,
	PermissionUpdateTask,
	PermissionManageAccount,
}

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleUser:  userPermissions,
	RoleAdmin: append(append([]string{}, userPermissions...), PermissionReadJobs),
}

// NormalizeRole maps an empty or unknown role to RoleUser.
func NormalizeRole(role string) string {
	if _, ok := rolePermissions[role]; ok {
		return role
	}
	return RoleUser
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role, permission string) bool {
	for _, p := range rolePermissions[NormalizeRole(role)] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 返回错误而不是布尔值，便于处理
func CheckPermission(userID int64, role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			UserID:     userID,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	UserID     int64
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("user %d lacks permission %s", e.UserID, e.Permission)
}
