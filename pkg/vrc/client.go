// Package vrc is the typed API surface of the group moderation client.
//
// Every read is a cached get-or-fetch through cache.Manager; every mutation
// goes through the executor and invalidates the entries it changes as soon as
// it succeeds.
package vrc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/vrc-api-client/pkg/cache"
	"github.com/Sternrassler/vrc-api-client/pkg/client"
	"github.com/Sternrassler/vrc-api-client/pkg/logging"
	"github.com/Sternrassler/vrc-api-client/pkg/pagination"
	"github.com/Sternrassler/vrc-api-client/pkg/transport"
)

// MaxPageSize is the largest "n" the provider accepts.
const MaxPageSize = 100

// groupFetchConcurrency bounds the group detail reads of GetMyGroups.
const groupFetchConcurrency = 4

// CacheConfig returns the default cache configuration with the merge
// functions and snapshot decoders of this package's entity types.
func CacheConfig() cache.Config {
	return cache.DefaultConfig().
		With(cache.KindUsers, func(kc *cache.KindConfig) {
			kc.Merge = cache.Erase(cache.MergeFields[User]())
			kc.Decode = cache.DecodeJSON[User]()
		}).
		With(cache.KindGroups, func(kc *cache.KindConfig) {
			kc.Merge = cache.Erase(cache.MergeFields[Group]())
			kc.Decode = cache.DecodeJSON[Group]()
		}).
		With(cache.KindWorlds, func(kc *cache.KindConfig) {
			kc.Decode = cache.DecodeJSON[World]()
		})
}

// Client is the typed API client.
type Client struct {
	exec   *client.Executor
	cache  *cache.Manager
	pages  pagination.Config
	logger zerolog.Logger
}

// New creates a client. The manager should be built from CacheConfig so
// cached values merge and restore correctly.
func New(exec *client.Executor, manager *cache.Manager) (*Client, error) {
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	if manager == nil {
		return nil, errors.New("cache manager is required")
	}
	return &Client{
		exec:   exec,
		cache:  manager,
		pages:  pagination.DefaultConfig(),
		logger: logging.NewLogger("vrc"),
	}, nil
}

// Cache returns the cache manager.
func (c *Client) Cache() *cache.Manager {
	return c.cache
}

// read is a cached GET of req decoded as T, stored under (kind, key).
// after runs on every successful network fetch.
func read[T any](ctx context.Context, c *Client, kind cache.Kind, key string, req transport.Request, after func(v T, usersGen uint64), opts ...cache.Option) (T, error) {
	call := c.exec.Request(req, client.DecodeJSON[T]())
	usersGen := c.cache.Generation(cache.KindUsers)

	fetch := func(ctx context.Context) (T, error) {
		var zero T
		v, err := call.Attempt(ctx)
		if err != nil {
			return zero, err
		}
		out := v.(T)
		if after != nil {
			after(out, usersGen)
		}
		return out, nil
	}

	opts = append([]cache.Option{cache.WithFingerprint(req.Fingerprint())}, opts...)
	return cache.GetOrFetch(ctx, c.cache, kind, key, fetch, opts...)
}

// rememberUser writes a (possibly partial) user into the users cache unless
// the users cache was invalidated after gen was read.
func (c *Client) rememberUser(u *User, gen uint64) {
	if u == nil || u.ID == "" {
		return
	}
	if _, _, err := c.cache.PutIf(cache.KindUsers, u.ID, *u, gen); err != nil {
		c.logger.Debug().Err(err).Msg("Users cache unavailable")
	}
}

// GetUser returns a user profile.
func (c *Client) GetUser(ctx context.Context, userID string, opts ...cache.Option) (User, error) {
	return read[User](ctx, c, cache.KindUsers, userID,
		transport.Get("/users/"+url.PathEscape(userID), nil), nil, opts...)
}

// GetCurrentUser returns the authenticated user. It is not cached under its
// own key but refreshes the user's profile in the users cache.
func (c *Client) GetCurrentUser(ctx context.Context) (User, error) {
	gen := c.cache.Generation(cache.KindUsers)
	u, err := client.Execute[User](ctx, c.exec, c.exec.Request(transport.Get("/auth/user", nil), client.DecodeJSON[User]()))
	if err != nil {
		return User{}, err
	}
	c.rememberUser(&u, gen)
	return u, nil
}

// GetGroup returns a group including the caller's membership.
func (c *Client) GetGroup(ctx context.Context, groupID string, opts ...cache.Option) (Group, error) {
	q := url.Values{"includeRoles": {"true"}}
	return read[Group](ctx, c, cache.KindGroups, groupID,
		transport.Get("/groups/"+url.PathEscape(groupID), q), nil, opts...)
}

// GetMyGroups returns the groups of userID in which the user can moderate.
//
// The membership list and each group are separate cached reads, so a retry
// of one group never repeats the others.
func (c *Client) GetMyGroups(ctx context.Context, userID string, force bool) ([]Group, error) {
	if !force {
		if groups, ok := cache.Lookup[[]Group](c.cache, cache.KindMyGroups, userID); ok {
			return groups, nil
		}
	}

	gen := c.cache.Generation(cache.KindMyGroups)
	req := transport.Get("/users/"+url.PathEscape(userID)+"/groups", nil)
	memberships, err := client.Execute[[]GroupMembership](ctx, c.exec, c.exec.Request(req, client.DecodeJSON[[]GroupMembership]()))
	if err != nil {
		return nil, err
	}

	details := make([]Group, len(memberships))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(groupFetchConcurrency)
	for i, m := range memberships {
		i, m := i, m
		if m.GroupID == "" {
			continue
		}
		g.Go(func() error {
			var opts []cache.Option
			if force {
				opts = append(opts, cache.ForceRefresh())
			}
			group, err := c.GetGroup(gctx, m.GroupID, opts...)
			if err != nil {
				// One unreadable group does not hide the others.
				c.logger.Warn().Err(err).Str("group_id", m.GroupID).Msg("Skipping group")
				return nil
			}
			details[i] = group
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	groups := make([]Group, 0, len(details))
	for _, group := range details {
		if group.ID != "" && group.CanModerate() {
			groups = append(groups, group)
		}
	}

	if _, _, err := c.cache.PutIf(cache.KindMyGroups, userID, groups, gen); err != nil {
		return nil, err
	}
	c.logger.Debug().Str("user_id", userID).Int("groups", len(groups)).Msg("Moderated groups loaded")
	return groups, nil
}

// GetGroupInstances returns the active instances of a group.
func (c *Client) GetGroupInstances(ctx context.Context, groupID string, opts ...cache.Option) ([]Instance, error) {
	return read[[]Instance](ctx, c, cache.KindInstances, groupID,
		transport.Get("/groups/"+url.PathEscape(groupID)+"/instances", nil), nil, opts...)
}

// GetJoinRequests returns the pending join requests of a group.
func (c *Client) GetJoinRequests(ctx context.Context, groupID string, opts ...cache.Option) ([]JoinRequest, error) {
	return read(ctx, c, cache.KindJoinRequests, groupID,
		transport.Get("/groups/"+url.PathEscape(groupID)+"/requests", nil),
		func(reqs []JoinRequest, gen uint64) {
			for _, r := range reqs {
				c.rememberUser(r.User, gen)
			}
		}, opts...)
}

// GetBans returns the bans of a group.
func (c *Client) GetBans(ctx context.Context, groupID string, opts ...cache.Option) ([]Ban, error) {
	return read(ctx, c, cache.KindBans, groupID,
		transport.Get("/groups/"+url.PathEscape(groupID)+"/bans", nil),
		func(bans []Ban, gen uint64) {
			for _, b := range bans {
				c.rememberUser(b.User, gen)
			}
		}, opts...)
}

// MembersKey is the members cache key of one page.
func MembersKey(groupID string, n, offset int) string {
	return groupID + "/n=" + strconv.Itoa(n) + "&offset=" + strconv.Itoa(offset)
}

// GetMembers returns one page of group members. n is clamped to
// [1, MaxPageSize]. The users embedded in the page are merged into the users
// cache.
func (c *Client) GetMembers(ctx context.Context, groupID string, n, offset int, opts ...cache.Option) ([]Member, error) {
	n = min(max(n, 1), MaxPageSize)
	if offset < 0 {
		return nil, fmt.Errorf("offset must be >= 0 (got %d)", offset)
	}

	q := url.Values{
		"n":      {strconv.Itoa(n)},
		"offset": {strconv.Itoa(offset)},
	}
	return read(ctx, c, cache.KindMembers, MembersKey(groupID, n, offset),
		transport.Get("/groups/"+url.PathEscape(groupID)+"/members", q),
		func(members []Member, gen uint64) {
			for _, m := range members {
				c.rememberUser(m.User, gen)
			}
		}, opts...)
}

// GetAllMembers walks every member page of a group.
func (c *Client) GetAllMembers(ctx context.Context, groupID string, opts ...cache.Option) ([]Member, error) {
	walker := pagination.NewWalker(func(ctx context.Context, n, offset int) ([]Member, error) {
		return c.GetMembers(ctx, groupID, n, offset, opts...)
	}, c.pages)
	return walker.All(ctx)
}

// GetOnlineMembers returns up to limit online users of a group (0 = no
// limit). The provider cannot filter by presence, so pages are filtered
// locally.
func (c *Client) GetOnlineMembers(ctx context.Context, groupID string, limit int) ([]User, error) {
	var online []User
	for offset := 0; limit <= 0 || len(online) < limit; offset += MaxPageSize {
		page, err := c.GetMembers(ctx, groupID, MaxPageSize, offset)
		if err != nil {
			return online, err
		}
		for _, m := range page {
			if m.User != nil && m.User.Online() {
				online = append(online, *m.User)
			}
		}
		if len(page) < MaxPageSize {
			break
		}
	}
	if limit > 0 && len(online) > limit {
		online = online[:limit]
	}
	return online, nil
}

// GetWorld returns a world.
func (c *Client) GetWorld(ctx context.Context, worldID string, opts ...cache.Option) (World, error) {
	return read[World](ctx, c, cache.KindWorlds, worldID,
		transport.Get("/worlds/"+url.PathEscape(worldID), nil), nil, opts...)
}
