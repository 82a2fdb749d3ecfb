// Package directory tracks which channels exist per application and who is
// subscribed to them. It is the sole owner of the store key namespace, and
// it derives occupancy transitions from the store's atomic counter results
// rather than separate reads, so concurrent joins and leaves report
// channel-occupied and channel-vacated exactly once each.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/markb/pushlite/internal/store"
)

var (
	// ErrNotFound indicates the channel is not occupied.
	ErrNotFound = errors.New("directory: channel not found")
	// ErrInvalidChannel indicates the channel type does not support the operation.
	ErrInvalidChannel = errors.New("directory: invalid channel type for operation")
)

// Member is a single socket's subscription to a channel.
type Member struct {
	SocketID string
	UserID   string // presence channels only
	UserInfo string // presence channels only, opaque JSON
}

// AddResult reports which transitions an AddMember caused.
type AddResult struct {
	MemberAdded bool // false when the socket was already subscribed
	UserJoined  bool // presence only: this was the user's first socket
	Occupied    bool // this join was the channel's first member
}

// RemoveResult reports which transitions a RemoveMember caused.
type RemoveResult struct {
	MemberRemoved bool // false when the socket was not subscribed
	UserLeft      bool // presence only: this was the user's last socket
	Vacated       bool // this leave emptied the channel
}

// ChannelInfo is the attribute subset returned by a query; only requested
// fields are present.
type ChannelInfo map[string]any

// Directory is the channel/presence directory for all applications.
type Directory struct {
	store store.Store
}

// New creates a directory on top of the given store.
func New(st store.Store) *Directory {
	return &Directory{store: st}
}

// Key layout, namespaced per application:
//
//	pushlite:{app}:channels:{channel}                   hash: subscription_count, user_count
//	pushlite:{app}:users:{channel}                      hash: user_id -> socket refcount
//	pushlite:{app}:members:{channel}:{user}:{socket}    hash: socket_id, user_id, user_info
//
// Channel names and user ids are validated against a charset that excludes
// ':' and glob metacharacters, so the segments cannot collide.
func channelKey(appID, channel string) string {
	return fmt.Sprintf("pushlite:%s:channels:%s", appID, channel)
}

func usersKey(appID, channel string) string {
	return fmt.Sprintf("pushlite:%s:users:%s", appID, channel)
}

func memberKey(appID, channel, userID, socketID string) string {
	return fmt.Sprintf("pushlite:%s:members:%s:%s:%s", appID, channel, userID, socketID)
}

// AddMember subscribes a socket to a channel, updating counts atomically.
// Adding an already-subscribed socket is a no-op.
func (d *Directory) AddMember(ctx context.Context, appID, channel string, m Member) (AddResult, error) {
	var res AddResult

	created, err := d.store.HSetNX(ctx, memberKey(appID, channel, m.UserID, m.SocketID), map[string]string{
		"socket_id": m.SocketID,
		"user_id":   m.UserID,
		"user_info": m.UserInfo,
	})
	if err != nil {
		return res, err
	}
	if !created {
		return res, nil
	}
	res.MemberAdded = true

	if TypeOf(channel) == ChannelPresence {
		refs, err := d.store.HIncrBy(ctx, usersKey(appID, channel), m.UserID, 1)
		if err != nil {
			return res, err
		}
		if refs == 1 {
			res.UserJoined = true
			if _, err := d.store.HIncrBy(ctx, channelKey(appID, channel), FieldUserCount, 1); err != nil {
				return res, err
			}
		}
	}

	subs, err := d.store.HIncrBy(ctx, channelKey(appID, channel), FieldSubscriptionCount, 1)
	if err != nil {
		return res, err
	}
	res.Occupied = subs == 1
	return res, nil
}

// RemoveMember unsubscribes a socket from a channel. Removing a socket that
// is not subscribed is a no-op.
func (d *Directory) RemoveMember(ctx context.Context, appID, channel, userID, socketID string) (RemoveResult, error) {
	var res RemoveResult

	n, err := d.store.Del(ctx, memberKey(appID, channel, userID, socketID))
	if err != nil {
		return res, err
	}
	if n == 0 {
		return res, nil
	}
	res.MemberRemoved = true

	if TypeOf(channel) == ChannelPresence {
		refs, err := d.store.HIncrBy(ctx, usersKey(appID, channel), userID, -1)
		if err != nil {
			return res, err
		}
		if refs == 0 {
			res.UserLeft = true
			if _, err := d.store.HIncrBy(ctx, channelKey(appID, channel), FieldUserCount, -1); err != nil {
				return res, err
			}
		}
	}

	subs, err := d.store.HIncrBy(ctx, channelKey(appID, channel), FieldSubscriptionCount, -1)
	if err != nil {
		return res, err
	}
	res.Vacated = subs == 0
	return res, nil
}

// ListChannels returns every occupied channel of the application, optionally
// filtered by name prefix. Only the requested fields are populated; FieldType
// is always included.
func (d *Directory) ListChannels(ctx context.Context, appID, prefixFilter string, fields []string) (map[string]ChannelInfo, error) {
	keys, err := d.store.Keys(ctx, channelKey(appID, "*"))
	if err != nil {
		return nil, err
	}

	prefix := channelKey(appID, "")
	channels := make(map[string]ChannelInfo)
	for _, key := range keys {
		name := strings.TrimPrefix(key, prefix)
		if prefixFilter != "" && !strings.HasPrefix(name, prefixFilter) {
			continue
		}
		info, occupied, err := d.readChannel(ctx, appID, name, fields)
		if err != nil {
			return nil, err
		}
		if !occupied {
			continue
		}
		channels[name] = info
	}
	return channels, nil
}

// GetChannel returns the requested attributes of a channel. occupied is
// false when the channel has no members, letting callers distinguish an
// absent channel from one with zero counts requested.
func (d *Directory) GetChannel(ctx context.Context, appID, channel string, fields []string) (ChannelInfo, bool, error) {
	return d.readChannel(ctx, appID, channel, fields)
}

func (d *Directory) readChannel(ctx context.Context, appID, channel string, fields []string) (ChannelInfo, bool, error) {
	// subscription_count is always fetched: occupancy derives from it.
	want := map[string]bool{FieldSubscriptionCount: true}
	for _, f := range fields {
		want[f] = true
	}
	names := make([]string, 0, len(want))
	for f := range want {
		names = append(names, f)
	}

	raw, err := d.store.HMGet(ctx, channelKey(appID, channel), names)
	if err != nil {
		return nil, false, err
	}

	subs, _ := strconv.ParseInt(raw[FieldSubscriptionCount], 10, 64)
	if subs <= 0 {
		return nil, false, nil
	}

	// The type is a pure function of the name, never stored, so a vacate
	// racing a fresh join cannot leave an occupied channel without one.
	info := make(ChannelInfo)
	info[FieldType] = string(TypeOf(channel))
	for _, f := range fields {
		switch f {
		case FieldSubscriptionCount:
			info[FieldSubscriptionCount] = subs
		case FieldUserCount:
			n, _ := strconv.ParseInt(raw[FieldUserCount], 10, 64)
			info[FieldUserCount] = n
		}
	}
	return info, true, nil
}

// ListChannelUsers returns the distinct user ids subscribed to a presence
// channel. A user with several sockets appears once.
func (d *Directory) ListChannelUsers(ctx context.Context, appID, channel string) ([]string, error) {
	if TypeOf(channel) != ChannelPresence {
		return nil, ErrInvalidChannel
	}

	_, occupied, err := d.readChannel(ctx, appID, channel, nil)
	if err != nil {
		return nil, err
	}
	if !occupied {
		return nil, ErrNotFound
	}

	refs, err := d.store.HGetAll(ctx, usersKey(appID, channel))
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(refs))
	for userID := range refs {
		users = append(users, userID)
	}
	return users, nil
}

// ListMembers returns one Member per distinct user of a presence channel,
// with the user_info recorded at subscribe time. A user holding several
// sockets appears once.
func (d *Directory) ListMembers(ctx context.Context, appID, channel string) ([]Member, error) {
	keys, err := d.store.Keys(ctx, memberKey(appID, channel, "*", "*"))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	members := make([]Member, 0, len(keys))
	for _, key := range keys {
		fields, err := d.store.HGetAll(ctx, key)
		if err != nil {
			return nil, err
		}
		userID := fields["user_id"]
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		members = append(members, Member{
			SocketID: fields["socket_id"],
			UserID:   userID,
			UserInfo: fields["user_info"],
		})
	}
	return members, nil
}

// ListUserSockets returns the distinct socket ids a user holds across the
// application, or within a single channel when channel is non-empty. A
// socket subscribed to several channels appears once.
func (d *Directory) ListUserSockets(ctx context.Context, appID, userID, channel string) ([]string, error) {
	if channel == "" {
		channel = "*"
	}
	keys, err := d.store.Keys(ctx, memberKey(appID, channel, userID, "*"))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(keys))
	sockets := make([]string, 0, len(keys))
	for _, key := range keys {
		socketID, ok, err := d.store.HGet(ctx, key, "socket_id")
		if err != nil {
			return nil, err
		}
		if ok && !seen[socketID] {
			seen[socketID] = true
			sockets = append(sockets, socketID)
		}
	}
	return sockets, nil
}
