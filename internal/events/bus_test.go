package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/magic-number/pkg/logger"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestPublishAssignsSequence(t *testing.T) {
	bus := NewBus(10, logger.Discard())
	a := bus.Publish(Event{Type: TypePlayerJoined, RoundID: 1, Player: "alice"})
	b := bus.Publish(Event{Type: TypePlayerJoined, RoundID: 1, Player: "bob"})

	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, uint64(2), b.Seq)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Timestamp.IsZero())
	assert.Equal(t, uint64(2), bus.LastSeq())
}

func TestRecentFiltersAndBounds(t *testing.T) {
	bus := NewBus(3, logger.Discard())
	bus.Publish(Event{Type: TypeRoundOpened, RoundID: 1})
	bus.Publish(Event{Type: TypePlayerJoined, RoundID: 1})
	bus.Publish(Event{Type: TypePlayerJoined, RoundID: 1})
	bus.Publish(Event{Type: TypeRandomNumberRequested, RoundID: 1})

	all := bus.Recent(Filter{})
	require.Len(t, all, 3, "history is bounded")
	assert.Equal(t, uint64(2), all[0].Seq)

	joined := bus.Recent(Filter{Type: TypePlayerJoined, Limit: 1})
	require.Len(t, joined, 1)
	assert.Equal(t, uint64(3), joined[0].Seq)

	assert.Empty(t, bus.Recent(Filter{RoundID: 2}))
}

func TestRestoreContinuesSequence(t *testing.T) {
	bus := NewBus(10, logger.Discard())
	bus.Restore([]Event{
		{Seq: 40, Type: TypeRoundOpened, RoundID: 9},
		{Seq: 41, Type: TypePlayerJoined, RoundID: 9},
		{Seq: 41, Type: TypePlayerJoined, RoundID: 9},
	})
	require.Len(t, bus.Recent(Filter{}), 2)

	e := bus.Publish(Event{Type: TypePlayerJoined, RoundID: 9})
	assert.Equal(t, uint64(42), e.Seq)
}

func TestSinksReceiveInOrder(t *testing.T) {
	bus := NewBus(0, logger.Discard())
	sink := &recordingSink{}
	broken := &recordingSink{fail: true}
	bus.AddSink(broken)
	bus.AddSink(sink)

	require.NoError(t, bus.Start(context.Background()))
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: TypePlayerJoined, Guess: int64(i + 1)})
	}
	require.NoError(t, bus.Stop(context.Background()))

	got := sink.snapshot()
	require.Len(t, got, 5, "a failing sink must not block the others")
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	bus := NewBus(0, logger.Discard())
	ch, release := bus.Subscribe(4)

	bus.Publish(Event{Type: TypeGameReset, Reason: "admin"})
	select {
	case e := <-ch:
		assert.Equal(t, TypeGameReset, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no live event")
	}

	release()
	release()
	_, open := <-ch
	assert.False(t, open, "released channel is closed")
	bus.Publish(Event{Type: TypeGameReset})
}

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	return redis.NewIntResult(1, f.err)
}

func TestRedisSinkPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewRedisSink(pub, "")

	err := sink.Write(context.Background(), Event{Seq: 7, Type: TypeWinnerDeclared, Player: "bob", EthAmount: 10})
	require.NoError(t, err)
	assert.Equal(t, "magicnumber:events", pub.channel)

	var decoded Event
	require.NoError(t, json.Unmarshal(pub.payload, &decoded))
	assert.Equal(t, uint64(7), decoded.Seq)
	assert.Equal(t, "bob", decoded.Player)

	pub.err = errors.New("connection refused")
	assert.Error(t, sink.Write(context.Background(), Event{}))
}

func TestZeroAmountsStayInPayload(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewRedisSink(pub, "game")

	require.NoError(t, sink.Write(context.Background(), Event{Type: TypeMNGRewardDistributed, Player: "dave"}))
	amount := gjson.GetBytes(pub.payload, "mng_amount")
	assert.True(t, amount.Exists(), "exhausted-supply rewards keep their zero amount")
	assert.Equal(t, int64(0), amount.Int())

	require.NoError(t, sink.Write(context.Background(), Event{Type: TypePlayerJoined, Player: "erin", Guess: 0}))
	assert.True(t, gjson.GetBytes(pub.payload, "guess").Exists(), "a guess of zero is still a guess")
}
