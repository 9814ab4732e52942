package beanbot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentCollector_Deliver(t *testing.T) {
	bot, _ := newTestBot(t)
	c := newComponentCollector(nil)

	pending := c.register(testMemberID)
	assert.Equal(t, 1, c.pending())

	member := newTestMember(testMemberID, 0)
	handler := newStubHandler(t, bot, newComponentInteraction(member, pending.customID, "r1"))
	require.True(t, c.deliver(handler))

	got, err := pending.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, handler.Interaction().ID, got.Interaction().ID)
	assert.Equal(t, 0, c.pending())

	// single-shot: the same custom ID isn't accepted again
	again := newStubHandler(t, bot, newComponentInteraction(member, pending.customID, "r2"))
	assert.False(t, c.deliver(again))
}

func TestComponentCollector_WrongUser(t *testing.T) {
	bot, _ := newTestBot(t)
	c := newComponentCollector(nil)

	pending := c.register(testMemberID)

	other := newTestMember("someone-else", 0)
	handler := newStubHandler(t, bot, newComponentInteraction(other, pending.customID, "r1"))
	assert.False(t, c.deliver(handler))

	// still waiting on the right user
	assert.Equal(t, 1, c.pending())
	member := newTestMember(testMemberID, 0)
	handler = newStubHandler(t, bot, newComponentInteraction(member, pending.customID, "r1"))
	assert.True(t, c.deliver(handler))
}

func TestComponentCollector_UnknownCustomID(t *testing.T) {
	bot, _ := newTestBot(t)
	c := newComponentCollector(nil)
	c.register(testMemberID)

	member := newTestMember(testMemberID, 0)
	for _, customID := range []string{
		"",
		"feedback:abc",
		roleMenuCustomIDPrefix + ":not-a-token",
	} {
		handler := newStubHandler(t, bot, newComponentInteraction(member, customID))
		assert.Falsef(t, c.deliver(handler), "custom ID %q should not be delivered", customID)
	}
	assert.Equal(t, 1, c.pending())
}

func TestComponentCollector_Timeout(t *testing.T) {
	bot, _ := newTestBot(t)
	c := newComponentCollector(nil)

	pending := c.register(testMemberID)
	_, err := pending.Wait(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrInteractionTimeout)
	assert.Equal(t, 0, c.pending())

	// a late selection is ignored
	member := newTestMember(testMemberID, 0)
	handler := newStubHandler(t, bot, newComponentInteraction(member, pending.customID, "r1"))
	assert.False(t, c.deliver(handler))
}

func TestComponentCollector_ContextCanceled(t *testing.T) {
	c := newComponentCollector(nil)
	pending := c.register(testMemberID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pending.Wait(ctx, time.Minute)
	assert.ErrorIs(t, err, ErrInteractionTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.pending())
}

func TestComponentCollector_DeliveredBeforeDeadline(t *testing.T) {
	bot, _ := newTestBot(t)
	c := newComponentCollector(nil)
	member := newTestMember(testMemberID, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// the selection is already waiting when the context is done, so
	// whichever case Wait's select picks, the selection is returned
	for n := 0; n < 50; n++ {
		pending := c.register(testMemberID)
		handler := newStubHandler(t, bot, newComponentInteraction(member, pending.customID, "r1"))
		require.True(t, c.deliver(handler))

		got, err := pending.Wait(ctx, time.Nanosecond)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, handler.Interaction().ID, got.Interaction().ID)
	}
	assert.Equal(t, 0, c.pending())
}

func TestComponentCollector_UniqueCustomIDs(t *testing.T) {
	c := newComponentCollector(nil)
	a := c.register(testMemberID)
	b := c.register(testMemberID)
	assert.NotEqual(t, a.customID, b.customID)
	assert.Equal(t, 2, c.pending())
	a.cancel()
	b.cancel()
	assert.Equal(t, 0, c.pending())
}
