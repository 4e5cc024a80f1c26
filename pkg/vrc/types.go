package vrc

import "strings"

// User is a user profile. Partial copies (e.g. from member lists) are merged
// into the cached profile field by field.
type User struct {
	ID                string   `json:"id"`
	DisplayName       string   `json:"displayName,omitempty"`
	Bio               string   `json:"bio,omitempty"`
	Status            string   `json:"status,omitempty"`
	StatusDescription string   `json:"statusDescription,omitempty"`
	Location          string   `json:"location,omitempty"`
	ThumbnailURL      string   `json:"currentAvatarThumbnailImageUrl,omitempty"`
	ProfilePicURL     string   `json:"profilePicOverride,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	LastLogin         string   `json:"last_login,omitempty"`
}

// Online reports whether the user appears online.
func (u User) Online() bool {
	if u.Location != "" && u.Location != "offline" {
		return true
	}
	return u.Status != "" && u.Status != "offline"
}

// GroupMembership is an entry of a user's group list.
type GroupMembership struct {
	ID      string `json:"id"`
	GroupID string `json:"groupId"`
	Name    string `json:"name,omitempty"`
}

// MyMember describes the authenticated user's membership in a group.
type MyMember struct {
	IsOwner     bool     `json:"isOwner,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	RoleIDs     []string `json:"roleIds,omitempty"`
}

// Group is a group with the caller's membership.
type Group struct {
	ID                string    `json:"id"`
	Name              string    `json:"name,omitempty"`
	ShortCode         string    `json:"shortCode,omitempty"`
	Discriminator     string    `json:"discriminator,omitempty"`
	Description       string    `json:"description,omitempty"`
	IconURL           string    `json:"iconUrl,omitempty"`
	BannerURL         string    `json:"bannerUrl,omitempty"`
	MemberCount       int       `json:"memberCount,omitempty"`
	OnlineMemberCount int       `json:"onlineMemberCount,omitempty"`
	MyMember          *MyMember `json:"myMember,omitempty"`
}

// Permissions that make a group manageable.
var moderationPermissions = []string{
	"*",
	"group-bans-manage",
	"group-members-manage",
	"group-instance-moderate",
	"group-data-manage",
	"group-audit-view",
}

// CanModerate reports whether the caller owns the group or holds any
// moderation permission in it.
func (g Group) CanModerate() bool {
	if g.MyMember == nil {
		return false
	}
	if g.MyMember.IsOwner {
		return true
	}
	for _, have := range g.MyMember.Permissions {
		for _, want := range moderationPermissions {
			if have == want {
				return true
			}
		}
	}
	return false
}

// World is a world.
type World struct {
	ID                string `json:"id"`
	Name              string `json:"name,omitempty"`
	AuthorName        string `json:"authorName,omitempty"`
	Description       string `json:"description,omitempty"`
	ImageURL          string `json:"imageUrl,omitempty"`
	ThumbnailImageURL string `json:"thumbnailImageUrl,omitempty"`
	Capacity          int    `json:"capacity,omitempty"`
}

// Instance is a running instance of a world.
type Instance struct {
	InstanceID  string `json:"instanceId"`
	Location    string `json:"location,omitempty"`
	WorldID     string `json:"worldId,omitempty"`
	Name        string `json:"name,omitempty"`
	Type        string `json:"type,omitempty"`
	Region      string `json:"region,omitempty"`
	OwnerID     string `json:"ownerId,omitempty"`
	MemberCount int    `json:"memberCount,omitempty"`
	World       *World `json:"world,omitempty"`
}

// SplitLocation splits "wrld_x:12345~group(grp_1)" into world id and
// instance id.
func SplitLocation(location string) (worldID, instanceID string, ok bool) {
	return strings.Cut(location, ":")
}

// Member is a group member.
type Member struct {
	ID       string   `json:"id"`
	GroupID  string   `json:"groupId"`
	UserID   string   `json:"userId"`
	RoleIDs  []string `json:"roleIds,omitempty"`
	JoinedAt string   `json:"joinedAt,omitempty"`
	User     *User    `json:"user,omitempty"`
}

// JoinRequest is a pending request to join a group.
type JoinRequest struct {
	ID        string `json:"id"`
	GroupID   string `json:"groupId"`
	UserID    string `json:"userId"`
	CreatedAt string `json:"createdAt,omitempty"`
	User      *User  `json:"user,omitempty"`
}

// Ban is a banned group member.
type Ban struct {
	ID       string `json:"id"`
	GroupID  string `json:"groupId"`
	UserID   string `json:"userId"`
	BannedAt string `json:"bannedAt,omitempty"`
	User     *User  `json:"user,omitempty"`
}

// JoinAction answers a join request.
type JoinAction string

// Join request answers.
const (
	JoinAccept JoinAction = "accept"
	JoinReject JoinAction = "reject"
)

// CreateInstanceRequest is the payload of CreateInstance.
type CreateInstanceRequest struct {
	WorldID         string   `json:"worldId"`
	Type            string   `json:"type"`
	Region          string   `json:"region"`
	OwnerID         string   `json:"ownerId,omitempty"`
	GroupAccessType string   `json:"groupAccessType,omitempty"`
	QueueEnabled    bool     `json:"queueEnabled,omitempty"`
	RoleIDs         []string `json:"roleIds,omitempty"`
	Name            string   `json:"name,omitempty"`
}

// InstanceTypeGroup is the instance type owned by a group.
const InstanceTypeGroup = "group"
