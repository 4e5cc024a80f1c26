package vrc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Sternrassler/vrc-api-client/pkg/cache"
	"github.com/Sternrassler/vrc-api-client/pkg/client"
	"github.com/Sternrassler/vrc-api-client/pkg/transport"
)

type userPayload struct {
	UserID string `json:"userId"`
}

type joinPayload struct {
	Action JoinAction `json:"action"`
}

// mutate sends req once (429 aside) and runs invalidate after success.
func (c *Client) mutate(ctx context.Context, req transport.Request, invalidate func()) error {
	if _, err := c.exec.Do(ctx, c.exec.Request(req, nil)); err != nil {
		c.logger.Warn().
			Err(err).
			Str("method", req.NormalizedMethod()).
			Str("path", req.NormalizedPath()).
			Msg("Mutation failed")
		return err
	}
	invalidate()
	c.logger.Info().
		Str("method", req.NormalizedMethod()).
		Str("path", req.NormalizedPath()).
		Msg("Mutation applied")
	return nil
}

// invalidateMembers drops the group, its member pages and the given scoped
// kinds of groupID.
func (c *Client) invalidateMembers(groupID string, kinds ...cache.Kind) {
	_ = c.cache.Invalidate(cache.KindGroups, groupID)
	_, _ = c.cache.InvalidatePrefix(cache.KindMembers, groupID+"/")
	for _, kind := range kinds {
		_ = c.cache.Invalidate(kind, groupID)
	}
}

func groupPath(groupID string, parts ...string) string {
	p := "/groups/" + url.PathEscape(groupID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// BanUser bans userID from a group.
func (c *Client) BanUser(ctx context.Context, groupID, userID string) error {
	req := transport.Request{
		Method: http.MethodPost,
		Path:   groupPath(groupID, "bans"),
		Body:   userPayload{UserID: userID},
	}
	return c.mutate(ctx, req, func() {
		c.invalidateMembers(groupID, cache.KindBans)
	})
}

// UnbanUser lifts a ban.
func (c *Client) UnbanUser(ctx context.Context, groupID, userID string) error {
	req := transport.Request{Method: http.MethodDelete, Path: groupPath(groupID, "bans", userID)}
	return c.mutate(ctx, req, func() {
		_ = c.cache.Invalidate(cache.KindBans, groupID)
	})
}

// KickUser removes userID from a group.
func (c *Client) KickUser(ctx context.Context, groupID, userID string) error {
	req := transport.Request{Method: http.MethodDelete, Path: groupPath(groupID, "members", userID)}
	return c.mutate(ctx, req, func() {
		c.invalidateMembers(groupID)
	})
}

// HandleJoinRequest accepts or rejects the join request of userID.
func (c *Client) HandleJoinRequest(ctx context.Context, groupID, userID string, action JoinAction) error {
	if action != JoinAccept && action != JoinReject {
		return fmt.Errorf("%w: join action %q", client.ErrInvalidCall, action)
	}

	req := transport.Request{
		Method: http.MethodPut,
		Path:   groupPath(groupID, "requests", userID),
		Body:   joinPayload{Action: action},
	}
	return c.mutate(ctx, req, func() {
		if action == JoinAccept {
			c.invalidateMembers(groupID, cache.KindJoinRequests)
			return
		}
		_ = c.cache.Invalidate(cache.KindJoinRequests, groupID)
	})
}

// InviteUser invites userID to a group. An invite to a user with a pending
// request admits them, so join requests are refreshed.
func (c *Client) InviteUser(ctx context.Context, groupID, userID string) error {
	req := transport.Request{
		Method: http.MethodPost,
		Path:   groupPath(groupID, "invites"),
		Body:   userPayload{UserID: userID},
	}
	return c.mutate(ctx, req, func() {
		_ = c.cache.Invalidate(cache.KindJoinRequests, groupID)
	})
}

// CreateInstance creates an instance. For group instances OwnerID must be the
// group id; that group's instance list is invalidated.
func (c *Client) CreateInstance(ctx context.Context, in CreateInstanceRequest) (Instance, error) {
	if in.WorldID == "" || in.Type == "" || in.Region == "" {
		return Instance{}, fmt.Errorf("%w: worldId, type and region are required", client.ErrInvalidCall)
	}
	if in.Type == InstanceTypeGroup && in.OwnerID == "" {
		return Instance{}, fmt.Errorf("%w: group instances need the group id as ownerId", client.ErrInvalidCall)
	}

	req := transport.Request{Method: http.MethodPost, Path: "/instances", Body: in}
	inst, err := client.Execute[Instance](ctx, c.exec, c.exec.Request(req, client.DecodeJSON[Instance]()))
	if err != nil {
		c.logger.Warn().Err(err).Str("world_id", in.WorldID).Msg("Instance creation failed")
		return Instance{}, err
	}

	if in.Type == InstanceTypeGroup {
		_ = c.cache.Invalidate(cache.KindInstances, in.OwnerID)
	}
	c.logger.Info().Str("location", inst.Location).Msg("Instance created")
	return inst, nil
}

// CloseInstance closes the instance at location ("wrld_x:instance") and
// invalidates the instance list of groupID. hardClose removes the players
// immediately.
func (c *Client) CloseInstance(ctx context.Context, groupID, location string, hardClose bool) error {
	if _, _, ok := SplitLocation(location); !ok {
		return fmt.Errorf("%w: location %q is not world:instance", client.ErrInvalidCall, location)
	}

	req := transport.Request{Method: http.MethodDelete, Path: "/instances/" + location}
	if hardClose {
		req.Query = url.Values{"hardClose": {"true"}}
	}
	return c.mutate(ctx, req, func() {
		_ = c.cache.Invalidate(cache.KindInstances, groupID)
	})
}

// InviteToInstance sends userID an invite to the instance at location.
func (c *Client) InviteToInstance(ctx context.Context, userID, location string) error {
	worldID, _, ok := SplitLocation(location)
	if !ok {
		return fmt.Errorf("%w: location %q is not world:instance", client.ErrInvalidCall, location)
	}

	req := transport.Request{
		Method: http.MethodPost,
		Path:   "/invite/" + url.PathEscape(userID),
		Body: map[string]string{
			"instanceId": location,
			"worldId":    worldID,
		},
	}
	return c.mutate(ctx, req, func() {})
}
