// Package rbac maps workspace roles to the actions they may perform.
package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
	ActionApprove Action = "approve"
	ActionAdmin   Action = "admin"
)

// grants is cumulative per role; admin bypasses the table entirely.
var grants = map[Role]map[Action]bool{
	RoleViewer: {
		ActionRead: true,
	},
	RoleCommenter: {
		ActionRead:    true,
		ActionComment: true,
	},
	RoleEditor: {
		ActionRead:    true,
		ActionComment: true,
		ActionWrite:   true,
		ActionApprove: true,
	},
}

func Can(role Role, action Action) bool {
	if role == RoleAdmin {
		return true
	}
	return grants[role][action]
}

// Normalize folds unknown role strings down to viewer.
func Normalize(role string) Role {
	switch r := Role(role); r {
	case RoleViewer, RoleCommenter, RoleEditor, RoleAdmin:
		return r
	}
	return RoleViewer
}
