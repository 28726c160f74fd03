package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	received := make(chan IntentProcessed, 1)
	unsub, err := On(b, TopicIntentProcessed, func(ev IntentProcessed) {
		received <- ev
	})
	require.NoError(t, err)
	defer unsub()

	b.Publish(TopicIntentProcessed, IntentProcessed{
		SignalID:  "sig-1",
		Symbol:    "BTCUSDT",
		Direction: 1,
		Timestamp: time.Now(),
	})
	require.NoError(t, b.Flush())

	select {
	case ev := <-received:
		assert.Equal(t, "sig-1", ev.SignalID)
		assert.Equal(t, "BTCUSDT", ev.Symbol)
		assert.Equal(t, 1, ev.Direction)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusOrderingPerTopic(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	unsub, err := On(b, TopicTradeRecorded, func(ev TradeRecorded) {
		mu.Lock()
		got = append(got, ev.SignalID)
		if len(got) == 10 {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	want := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		want = append(want, id)
		b.Publish(TopicTradeRecorded, TradeRecorded{SignalID: id})
	}
	require.NoError(t, b.Flush())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got, "events must arrive in publish order")
}

func TestBusMultipleSubscribers(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	c1 := make(chan EmergencyFlatten, 1)
	c2 := make(chan EmergencyFlatten, 1)

	unsub1, err := On(b, TopicEmergencyFlatten, func(ev EmergencyFlatten) { c1 <- ev })
	require.NoError(t, err)
	defer unsub1()
	unsub2, err := On(b, TopicEmergencyFlatten, func(ev EmergencyFlatten) { c2 <- ev })
	require.NoError(t, err)
	defer unsub2()

	b.Publish(TopicEmergencyFlatten, EmergencyFlatten{Reason: "RECONCILIATION_FLATTEN", Closed: 2})
	require.NoError(t, b.Flush())

	for _, ch := range []chan EmergencyFlatten{c1, c2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "RECONCILIATION_FLATTEN", ev.Reason)
			assert.Equal(t, 2, ev.Closed)
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}
