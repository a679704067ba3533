// Package hooks names the extension points the host emits to plugins.
package hooks

import "context"

// Hook is the name of a host event plugins can subscribe to.
type Hook string

const (
	UserRegistered          Hook = "user.registered"
	EventPublished          Hook = "event.published"
	SubmissionCreated       Hook = "submission.created"
	SubmissionUpdated       Hook = "submission.updated"
	SubmissionStatusChanged Hook = "submission.status_changed"
	ReviewSubmitted         Hook = "review.submitted"
)

// Permission is a capability a plugin declares in its manifest.
type Permission string

const (
	PermEventsRead      Permission = "events:read"
	PermSubmissionsRead Permission = "submissions:read"
	PermReviewsRead     Permission = "reviews:read"
	PermUsersRead       Permission = "users:read"
	PermNetworkOutbound Permission = "network:outbound"
	PermStorageWrite    Permission = "storage:write"
)

// Required maps each hook to the permission a subscriber must declare.
var Required = map[Hook]Permission{
	UserRegistered:          PermUsersRead,
	EventPublished:          PermEventsRead,
	SubmissionCreated:       PermSubmissionsRead,
	SubmissionUpdated:       PermSubmissionsRead,
	SubmissionStatusChanged: PermSubmissionsRead,
	ReviewSubmitted:         PermReviewsRead,
}

// KnownPermissions lists every permission a manifest may declare.
var KnownPermissions = map[Permission]struct{}{
	PermEventsRead:      {},
	PermSubmissionsRead: {},
	PermReviewsRead:     {},
	PermUsersRead:       {},
	PermNetworkOutbound: {},
	PermStorageWrite:    {},
}

// Emitter delivers a hook to subscribed plugins. Implementations must not block the caller
// on plugin work and never report plugin failures back to it.
type Emitter interface {
	Emit(ctx context.Context, hook Hook, payload any)
}

// Nop discards hooks.
type Nop struct{}

func (Nop) Emit(context.Context, Hook, any) {}
