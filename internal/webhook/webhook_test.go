package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(10, PolicyDropOldest)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(NewEvent(EventServerEvent, "1", fmt.Sprintf("ch-%d", i), nil)))
	}
	assert.Equal(t, 3, q.Len())

	events, err := q.Pull(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ch-0", events[0].Channel)
	assert.Equal(t, "ch-1", events[1].Channel)
	assert.Equal(t, 1, q.Len())

	events, err = q.Pull(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ch-2", events[0].Channel)

	events, err = q.Pull(10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestQueueDropOldest(t *testing.T) {
	q := NewQueue(2, PolicyDropOldest)

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(NewEvent(EventClientEvent, "1", fmt.Sprintf("ch-%d", i), nil)))
	}
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(2), q.Dropped())

	events, err := q.Pull(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ch-2", events[0].Channel)
	assert.Equal(t, "ch-3", events[1].Channel)
}

func TestQueueReject(t *testing.T) {
	q := NewQueue(1, PolicyReject)

	require.NoError(t, q.Enqueue(NewEvent(EventChannelOccupied, "1", "ch", nil)))
	err := q.Enqueue(NewEvent(EventChannelOccupied, "1", "ch2", nil))
	assert.ErrorIs(t, err, ErrQueueFull)

	events, err := q.Pull(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ch", events[0].Channel)
}

func TestQueueNotify(t *testing.T) {
	q := NewQueue(10, PolicyDropOldest)

	require.NoError(t, q.Enqueue(NewEvent(EventServerEvent, "1", "ch", nil)))
	select {
	case <-q.Notify():
	default:
		t.Fatal("expected notify after enqueue")
	}
}

func TestEventRoundTripsThroughQueue(t *testing.T) {
	q := NewQueue(10, PolicyDropOldest)

	data := json.RawMessage(`{"event":"client-typing","socket_id":"1.2"}`)
	require.NoError(t, q.Enqueue(NewEvent(EventClientEvent, "1", "presence-room", data)))

	events, err := q.Pull(1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventClientEvent, events[0].Event)
	assert.Equal(t, "1", events[0].AppID)
	assert.Equal(t, "presence-room", events[0].Channel)
	assert.JSONEq(t, string(data), string(events[0].Data))
	assert.NotZero(t, events[0].TimeMS)
}

func TestConsumerPostsSignedBatch(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
	}))
	defer srv.Close()

	q := NewQueue(10, PolicyDropOldest)
	require.NoError(t, q.Enqueue(NewEvent(EventMemberAdded, "1", "presence-room", nil)))

	c := NewConsumer(q, srv.URL, "hook-key", "hook-secret", 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case r := <-received:
		body := <-bodies

		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "hook-key", r.Header.Get("X-Pushlite-Key"))

		mac := hmac.New(sha256.New, []byte("hook-secret"))
		mac.Write(body)
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), r.Header.Get("X-Pushlite-Signature"))

		var batch Batch
		require.NoError(t, json.Unmarshal(body, &batch))
		assert.NotZero(t, batch.TimeMS)
		require.Len(t, batch.Events, 1)
		assert.Equal(t, EventMemberAdded, batch.Events[0].Event)
	case <-time.After(3 * time.Second):
		t.Fatal("webhook was not delivered")
	}

	assert.Equal(t, 0, q.Len())
}

func TestDispatcherFiltersByEventType(t *testing.T) {
	d := NewDispatcher([]GroupConfig{
		{URL: "http://a", Events: []string{EventMemberAdded}},
		{URL: "http://b", Events: []string{EventMemberAdded, EventClientEvent}},
		{URL: "http://c"}, // no filter: everything
	})

	d.Publish(NewEvent(EventMemberAdded, "1", "presence-room", nil))
	d.Publish(NewEvent(EventClientEvent, "1", "presence-room", nil))
	d.Publish(NewEvent(EventChannelVacated, "1", "presence-room", nil))

	assert.Equal(t, []int{1, 2, 3}, d.QueueLengths())
}

func TestDiscardPublisher(t *testing.T) {
	var p Publisher = Discard{}
	p.Publish(NewEvent(EventServerEvent, "1", "ch", nil))
}
