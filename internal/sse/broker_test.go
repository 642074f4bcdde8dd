package sse

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorchat/parlor/internal/logging"
	"github.com/parlorchat/parlor/internal/metrics"
	"github.com/parlorchat/parlor/internal/models"
	"github.com/parlorchat/parlor/internal/signal"
)

func newTestBroker() (*Broker, *signal.Router) {
	met := metrics.New(prometheus.NewRegistry())
	router := signal.NewRouter(met)
	return NewBroker(router, met, logging.NewDefault("error")), router
}

func TestSubscribeReceivesBroadcasts(t *testing.T) {
	b, _ := newTestBroker()

	ch := b.Subscribe("a")
	b.Broadcast(models.Event{Type: models.SignalTypePresence})

	select {
	case ev := <-ch:
		assert.Equal(t, models.SignalTypePresence, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSubscriberIsSignalingTarget(t *testing.T) {
	b, router := newTestBroker()

	ch := b.Subscribe("b")
	require.True(t, router.Reachable("b"))

	env := models.Envelope{Type: models.SignalTypeOffer, From: "a", To: "b"}
	require.NoError(t, router.Route(context.Background(), "a", env))

	select {
	case ev := <-ch:
		assert.Equal(t, models.SignalTypeOffer, ev.Type)
		require.NotNil(t, ev.Envelope)
		assert.Equal(t, "a", ev.Envelope.From)
	case <-time.After(time.Second):
		t.Fatal("no envelope received")
	}
}

func TestUnsubscribeClosesStream(t *testing.T) {
	b, router := newTestBroker()

	ch := b.Subscribe("a")
	b.Unsubscribe("a")

	_, open := <-ch
	assert.False(t, open)
	assert.False(t, router.Reachable("a"))

	// Unsubscribing twice is harmless.
	b.Unsubscribe("a")
}

func TestResubscribeReplacesStream(t *testing.T) {
	b, router := newTestBroker()

	old := b.Subscribe("a")
	fresh := b.Subscribe("a")

	_, open := <-old
	assert.False(t, open, "superseded stream is closed")

	b.Broadcast(models.Event{Type: models.SignalTypeChat})
	select {
	case ev := <-fresh:
		assert.Equal(t, models.SignalTypeChat, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("fresh stream got nothing")
	}
	assert.True(t, router.Reachable("a"))
}

func TestStaleRemovalKeepsFreshStream(t *testing.T) {
	b, router := newTestBroker()

	stale := b.subscribe("a")
	fresh := b.subscribe("a")

	// The handler for the stale stream winds down after being superseded;
	// it must not tear out the fresh one.
	b.remove("a", stale)
	assert.True(t, router.Reachable("a"))

	b.Broadcast(models.Event{Type: models.SignalTypeChat})
	select {
	case <-fresh.ch:
	case <-time.After(time.Second):
		t.Fatal("fresh stream was torn down")
	}
}

func TestBroadcastSkipsFullSubscriber(t *testing.T) {
	b, _ := newTestBroker()

	ch := b.Subscribe("slow")
	for i := 0; i < subscriberBuffer; i++ {
		b.Broadcast(models.Event{Type: models.SignalTypeChat})
	}

	// The buffer is full; one more broadcast must not block.
	done := make(chan struct{})
	go func() {
		b.Broadcast(models.Event{Type: models.SignalTypeChat})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestSupersededStreamRejectsDelivery(t *testing.T) {
	b, _ := newTestBroker()

	old := b.subscribe("a")
	b.Subscribe("a")

	err := old.SendEnvelope(models.Envelope{Type: models.SignalTypeOffer})
	assert.ErrorIs(t, err, errSubscriberGone)
}

func TestResubscribeSafeDuringDelivery(t *testing.T) {
	b, router := newTestBroker()
	b.Subscribe("victim")

	env := models.Envelope{Type: models.SignalTypeOffer, From: "a", To: "victim"}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			router.Route(context.Background(), "a", env)
		}
	}()

	// Each resubscribe closes the previous stream while the router keeps
	// delivering into it; a racing delivery must fail, not crash.
	for i := 0; i < 200; i++ {
		b.Subscribe("victim")
	}
	<-done
}
