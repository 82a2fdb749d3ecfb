package directory

import (
	"regexp"
	"strings"
)

// ChannelType classifies a channel by its name prefix.
type ChannelType string

const (
	ChannelPublic   ChannelType = "public"
	ChannelPrivate  ChannelType = "private"
	ChannelPresence ChannelType = "presence"
)

// Channel attribute fields exposed by queries.
const (
	FieldType              = "type"
	FieldSubscriptionCount = "subscription_count"
	FieldUserCount         = "user_count"
)

// TypeOf derives a channel's type from its name.
func TypeOf(channel string) ChannelType {
	switch {
	case strings.HasPrefix(channel, "presence-"):
		return ChannelPresence
	case strings.HasPrefix(channel, "private-"):
		return ChannelPrivate
	default:
		return ChannelPublic
	}
}

// channelNameRe is the channel charset of the push protocol. It keeps ':'
// and glob metacharacters out of store keys.
var channelNameRe = regexp.MustCompile(`^[a-zA-Z0-9_=@,.;-]{1,164}$`)

// ValidChannelName reports whether name is usable as a channel name.
func ValidChannelName(name string) bool {
	return channelNameRe.MatchString(name)
}

// userIDRe constrains user identities the same way, so they can be embedded
// in member keys.
var userIDRe = regexp.MustCompile(`^[a-zA-Z0-9_=@,.;-]{1,128}$`)

// ValidUserID reports whether id is usable as a presence user id.
func ValidUserID(id string) bool {
	return userIDRe.MatchString(id)
}
