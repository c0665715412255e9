package rbac

import "galaxydocs/api/internal/store"

type Action string

const (
	ActionView    Action = "view"
	ActionComment Action = "comment"
	ActionMutate  Action = "mutate"
	// ActionManage covers sharing and visibility changes. Only owners hold it.
	ActionManage Action = "manage"
)

// Can reports whether a collaborator tier grants action. Tiers nest:
// write includes comment, comment includes read.
func Can(tier store.Permission, action Action) bool {
	switch tier {
	case store.PermissionWrite:
		return action == ActionView || action == ActionComment || action == ActionMutate
	case store.PermissionComment:
		return action == ActionView || action == ActionComment
	case store.PermissionRead:
		return action == ActionView
	default:
		return false
	}
}

// Allowed evaluates the document rules in order, first match wins: owner,
// public view, collaborator tier, deny.
func Allowed(userID string, doc store.Document, action Action) bool {
	if userID != "" && userID == doc.OwnerID {
		return true
	}
	if doc.IsPublic && action == ActionView {
		return true
	}
	if collaborator, ok := doc.Collaborator(userID); ok {
		return Can(collaborator.Permission, action)
	}
	return false
}

func CanView(userID string, doc store.Document) bool {
	return Allowed(userID, doc, ActionView)
}

func CanComment(userID string, doc store.Document) bool {
	return Allowed(userID, doc, ActionComment)
}

func CanMutate(userID string, doc store.Document) bool {
	return Allowed(userID, doc, ActionMutate)
}

// Normalize maps a free-form permission string onto a known tier, falling
// back to read.
func Normalize(permission string) store.Permission {
	p := store.Permission(permission)
	if p.Valid() {
		return p
	}
	return store.PermissionRead
}
