package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_PublishSubscribe_FIFO(t *testing.T) {
	b := NewMemoryBus(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []string

	sub, err := b.Subscribe(ctx, "t1", "g1", "c1", func(ctx context.Context, msg Message) error {
		mu.Lock()
		received = append(received, string(msg.Payload))
		mu.Unlock()
		return b.Ack(ctx, "t1", "g1", msg.ID)
	})
	require.NoError(t, err)
	defer sub.Close()

	for _, p := range []string{"a", "b", "c"} {
		_, err := b.Publish(ctx, "t1", []byte(p))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, received)
}

func TestMemoryBus_NewSubscriberDoesNotReplayHistory(t *testing.T) {
	b := NewMemoryBus(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := b.Publish(ctx, "t2", []byte("before"))
	require.NoError(t, err)

	var mu sync.Mutex
	var received []string
	sub, err := b.Subscribe(ctx, "t2", "g2", "c1", func(ctx context.Context, msg Message) error {
		mu.Lock()
		received = append(received, string(msg.Payload))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = b.Publish(ctx, "t2", []byte("after"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"after"}, received)
}

func TestMemoryBus_ReclaimAfterMinIdle(t *testing.T) {
	b := NewMemoryBus(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan Message, 1)
	sub, err := b.Subscribe(ctx, "t3", "g3", "c1", func(ctx context.Context, msg Message) error {
		delivered <- msg
		return errNotAcked
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = b.Publish(ctx, "t3", []byte("x"))
	require.NoError(t, err)

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}

	claimed, err := b.Reclaim(ctx, "t3", "g3", "c2", 0)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestMemoryBus_ScanTopics(t *testing.T) {
	b := NewMemoryBus(nil, nil)
	ctx := context.Background()
	_, _ = b.Publish(ctx, "transcript.c1", []byte("x"))
	_, _ = b.Publish(ctx, "transcript.c2", []byte("x"))
	_, _ = b.Publish(ctx, "audio_stream", []byte("x"))

	topics, err := b.ScanTopics(ctx, "transcript.*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"transcript.c1", "transcript.c2"}, topics)
}

func TestMemoryBus_TrimByCount(t *testing.T) {
	policy := func(topic string) TrimSpec { return TrimSpec{MaxLen: 2} }
	b := NewMemoryBus(nil, policy)
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		_, err := b.Publish(ctx, "transcript.c1", []byte(p))
		require.NoError(t, err)
	}

	mb := b.(*memoryBus)
	topic := mb.topicFor("transcript.c1")
	topic.mu.Lock()
	defer topic.mu.Unlock()
	assert.Len(t, topic.entries, 2)
	assert.Equal(t, "b", string(topic.entries[0].payload))
	assert.Equal(t, "c", string(topic.entries[1].payload))
}

// errNotAcked is a sentinel used only to keep a message pending for the
// reclaim test above.
var errNotAcked = &notAckedErr{}

type notAckedErr struct{}

func (*notAckedErr) Error() string { return "not acked" }
