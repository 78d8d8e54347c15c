package rbac

type Role string
type Action string

const (
	RoleGuest       Role = "guest"
	RoleParticipant Role = "participant"
	RoleAdmin       Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionRedact  Action = "redact"
	ActionJoin    Action = "join"
	ActionPublish Action = "publish"
	ActionManage  Action = "manage"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleParticipant:
		return action == ActionRead || action == ActionRedact || action == ActionJoin
	case RoleGuest:
		return action == ActionRead || action == ActionJoin
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleGuest, RoleParticipant, RoleAdmin:
		return Role(role)
	default:
		return RoleGuest
	}
}
