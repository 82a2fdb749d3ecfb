package directory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/pushlite/internal/store"
)

func newTestDirectory() *Directory {
	return New(store.NewMemory(time.Second))
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, ChannelPublic, TypeOf("room"))
	assert.Equal(t, ChannelPrivate, TypeOf("private-room"))
	assert.Equal(t, ChannelPresence, TypeOf("presence-room"))
	assert.Equal(t, ChannelPublic, TypeOf("presenceroom"))
}

func TestValidChannelName(t *testing.T) {
	assert.True(t, ValidChannelName("presence-room_1,x;y=z@w.v"))
	assert.False(t, ValidChannelName(""))
	assert.False(t, ValidChannelName("has:colon"))
	assert.False(t, ValidChannelName("has*glob"))
	assert.False(t, ValidChannelName("has space"))
}

func TestAddMemberTransitions(t *testing.T) {
	d := newTestDirectory()
	ctx := context.Background()

	res, err := d.AddMember(ctx, "1", "room", Member{SocketID: "s1"})
	require.NoError(t, err)
	assert.True(t, res.MemberAdded)
	assert.True(t, res.Occupied)

	// Second member: added but no occupied transition.
	res, err = d.AddMember(ctx, "1", "room", Member{SocketID: "s2"})
	require.NoError(t, err)
	assert.True(t, res.MemberAdded)
	assert.False(t, res.Occupied)

	// Same socket again: complete no-op.
	res, err = d.AddMember(ctx, "1", "room", Member{SocketID: "s2"})
	require.NoError(t, err)
	assert.False(t, res.MemberAdded)
	assert.False(t, res.Occupied)
}

func TestRemoveMemberTransitions(t *testing.T) {
	d := newTestDirectory()
	ctx := context.Background()

	_, err := d.AddMember(ctx, "1", "room", Member{SocketID: "s1"})
	require.NoError(t, err)
	_, err = d.AddMember(ctx, "1", "room", Member{SocketID: "s2"})
	require.NoError(t, err)

	res, err := d.RemoveMember(ctx, "1", "room", "", "s1")
	require.NoError(t, err)
	assert.True(t, res.MemberRemoved)
	assert.False(t, res.Vacated)

	res, err = d.RemoveMember(ctx, "1", "room", "", "s2")
	require.NoError(t, err)
	assert.True(t, res.MemberRemoved)
	assert.True(t, res.Vacated)

	// Removing an absent member is a no-op.
	res, err = d.RemoveMember(ctx, "1", "room", "", "s2")
	require.NoError(t, err)
	assert.False(t, res.MemberRemoved)
	assert.False(t, res.Vacated)
}

func TestSubscriptionCountTracksJoinedSockets(t *testing.T) {
	d := newTestDirectory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := d.AddMember(ctx, "1", "room", Member{SocketID: fmt.Sprintf("s%d", i)})
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := d.RemoveMember(ctx, "1", "room", "", fmt.Sprintf("s%d", i))
		require.NoError(t, err)
	}

	info, occupied, err := d.GetChannel(ctx, "1", "room", []string{FieldSubscriptionCount})
	require.NoError(t, err)
	assert.True(t, occupied)
	assert.Equal(t, int64(3), info[FieldSubscriptionCount])
}

func TestUserCountCountsDistinctUsers(t *testing.T) {
	d := newTestDirectory()
	ctx := context.Background()

	// u1 with two sockets, u2 with one.
	_, err := d.AddMember(ctx, "1", "presence-room", Member{SocketID: "s1", UserID: "u1"})
	require.NoError(t, err)
	res, err := d.AddMember(ctx, "1", "presence-room", Member{SocketID: "s2", UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, res.UserJoined, "second socket of the same user")
	_, err = d.AddMember(ctx, "1", "presence-room", Member{SocketID: "s3", UserID: "u2"})
	require.NoError(t, err)

	info, occupied, err := d.GetChannel(ctx, "1", "presence-room",
		[]string{FieldSubscriptionCount, FieldUserCount})
	require.NoError(t, err)
	assert.True(t, occupied)
	assert.Equal(t, int64(3), info[FieldSubscriptionCount])
	assert.Equal(t, int64(2), info[FieldUserCount])

	// u1 drops one socket: still two distinct users.
	res2, err := d.RemoveMember(ctx, "1", "presence-room", "u1", "s1")
	require.NoError(t, err)
	assert.False(t, res2.UserLeft)

	info, _, err = d.GetChannel(ctx, "1", "presence-room", []string{FieldUserCount})
	require.NoError(t, err)
	assert.Equal(t, int64(2), info[FieldUserCount])

	// u1's last socket leaving drops the user count.
	res2, err = d.RemoveMember(ctx, "1", "presence-room", "u1", "s2")
	require.NoError(t, err)
	assert.True(t, res2.UserLeft)

	info, _, err = d.GetChannel(ctx, "1", "presence-room", []string{FieldUserCount})
	require.NoError(t, err)
	assert.Equal(t, int64(1), info[FieldUserCount])
}

func TestGetChannelNotOccupied(t *testing.T) {
	d := newTestDirectory()
	ctx := context.Background()

	_, occupied, err := d.GetChannel(ctx, "1", "never-existed", []string{FieldSubscriptionCount})
	require.NoError(t, err)
	assert.False(t, occupied)

	// Occupied then vacated reports not occupied again.
	_, err = d.AddMember(ctx, "1", "room", Member{SocketID: "s1"})
	require.NoError(t, err)
	_, err = d.RemoveMember(ctx, "1", "room", "", "s1")
	require.NoError(t, err)

	_, occupied, err = d.GetChannel(ctx, "1", "room", nil)
	require.NoError(t, err)
	assert.False(t, occupied)
}

func TestListChannels(t *testing.T) {
	d := newTestDirectory()
	ctx := context.Background()

	_, err := d.AddMember(ctx, "1", "room", Member{SocketID: "s1"})
	require.NoError(t, err)
	_, err = d.AddMember(ctx, "1", "presence-room", Member{SocketID: "s2", UserID: "u1"})
	require.NoError(t, err)
	_, err = d.AddMember(ctx, "2", "other-app-room", Member{SocketID: "s3"})
	require.NoError(t, err)

	channels, err := d.ListChannels(ctx, "1", "", nil)
	require.NoError(t, err)
	assert.Len(t, channels, 2)
	assert.Contains(t, channels, "room")
	assert.Contains(t, channels, "presence-room")
	assert.NotContains(t, channels, "other-app-room", "no cross-application listing")

	// Prefix filter narrows to presence channels.
	channels, err = d.ListChannels(ctx, "1", "presence-", []string{FieldUserCount})
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, string(ChannelPresence), channels["presence-room"][FieldType])
	assert.Equal(t, int64(1), channels["presence-room"][FieldUserCount])
}

func TestListChannelUsers(t *testing.T) {
	d := newTestDirectory()
	ctx := context.Background()

	// Wrong type fails regardless of occupancy.
	_, err := d.ListChannelUsers(ctx, "1", "room")
	assert.ErrorIs(t, err, ErrInvalidChannel)

	// Unoccupied presence channel is not found.
	_, err = d.ListChannelUsers(ctx, "1", "presence-room")
	assert.ErrorIs(t, err, ErrNotFound)

	// Two sockets of u1 plus one of u2 list as two users.
	for _, m := range []Member{
		{SocketID: "s1", UserID: "u1"},
		{SocketID: "s2", UserID: "u1"},
		{SocketID: "s3", UserID: "u2"},
	} {
		_, err := d.AddMember(ctx, "1", "presence-room", m)
		require.NoError(t, err)
	}
	users, err := d.ListChannelUsers(ctx, "1", "presence-room")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, users)
}

func TestListUserSockets(t *testing.T) {
	d := newTestDirectory()
	ctx := context.Background()

	for _, sub := range []struct{ channel, user, socket string }{
		{"presence-a", "u1", "s1"},
		{"presence-b", "u1", "s1"},
		{"presence-b", "u1", "s2"},
		{"presence-b", "u2", "s3"},
	} {
		_, err := d.AddMember(ctx, "1", sub.channel, Member{SocketID: sub.socket, UserID: sub.user})
		require.NoError(t, err)
	}

	// s1 subscribes u1 on two channels but lists once.
	sockets, err := d.ListUserSockets(ctx, "1", "u1", "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, sockets)

	sockets, err = d.ListUserSockets(ctx, "1", "u1", "presence-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, sockets)

	sockets, err = d.ListUserSockets(ctx, "1", "unknown", "")
	require.NoError(t, err)
	assert.Empty(t, sockets)
}

func TestListMembersDeduplicatesUsers(t *testing.T) {
	d := newTestDirectory()
	ctx := context.Background()

	for _, m := range []Member{
		{SocketID: "s1", UserID: "u1", UserInfo: `{"name":"one"}`},
		{SocketID: "s2", UserID: "u1", UserInfo: `{"name":"one"}`},
		{SocketID: "s3", UserID: "u2", UserInfo: `{"name":"two"}`},
	} {
		_, err := d.AddMember(ctx, "1", "presence-room", m)
		require.NoError(t, err)
	}

	members, err := d.ListMembers(ctx, "1", "presence-room")
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

// stallingStore holds any HDel until released, modeling slow store I/O on
// the tail of a leave.
type stallingStore struct {
	store.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) HDel(ctx context.Context, key string, fields ...string) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.Store.HDel(ctx, key, fields...)
}

func TestRejoinDuringSlowLeaveKeepsChannelType(t *testing.T) {
	st := &stallingStore{
		Store:   store.NewMemory(time.Second),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	d := New(st)
	ctx := context.Background()

	_, err := d.AddMember(ctx, "1", "presence-room", Member{SocketID: "s1", UserID: "u1"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := d.RemoveMember(ctx, "1", "presence-room", "u1", "s1")
		done <- err
	}()

	// Wait until the leave either finishes or stalls mid-flight on a
	// trailing delete, then let a fresh member re-occupy the channel.
	var pending bool
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-st.entered:
		pending = true
	}

	_, err = d.AddMember(ctx, "1", "presence-room", Member{SocketID: "s2", UserID: "u2"})
	require.NoError(t, err)

	close(st.release)
	if pending {
		require.NoError(t, <-done)
	}

	// However the leave's writes land, the occupied channel keeps its type.
	info, occupied, err := d.GetChannel(ctx, "1", "presence-room", []string{FieldSubscriptionCount})
	require.NoError(t, err)
	require.True(t, occupied)
	assert.Equal(t, string(ChannelPresence), info[FieldType])
	assert.Equal(t, int64(1), info[FieldSubscriptionCount])
}

func TestConcurrentJoinsSingleOccupiedTransition(t *testing.T) {
	d := newTestDirectory()
	ctx := context.Background()
	const n = 64

	var wg sync.WaitGroup
	var mu sync.Mutex
	occupied := 0
	added := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := d.AddMember(ctx, "1", "room", Member{SocketID: fmt.Sprintf("s%d", i)})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			if res.Occupied {
				occupied++
			}
			if res.MemberAdded {
				added++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, occupied, "exactly one channel_occupied regardless of interleaving")
	assert.Equal(t, n, added)

	info, ok, err := d.GetChannel(ctx, "1", "room", []string{FieldSubscriptionCount})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(n), info[FieldSubscriptionCount])
}

func TestConcurrentLeavesSingleVacatedTransition(t *testing.T) {
	d := newTestDirectory()
	ctx := context.Background()
	const n = 64

	for i := 0; i < n; i++ {
		_, err := d.AddMember(ctx, "1", "room", Member{SocketID: fmt.Sprintf("s%d", i)})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	vacated := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := d.RemoveMember(ctx, "1", "room", "", fmt.Sprintf("s%d", i))
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			if res.Vacated {
				vacated++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, vacated, "exactly one channel_vacated regardless of interleaving")

	_, occupied, err := d.GetChannel(ctx, "1", "room", nil)
	require.NoError(t, err)
	assert.False(t, occupied)
}
