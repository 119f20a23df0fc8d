package bus

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azerzeki/mcp-reticle/internal/protocol"
)

// TestBusFanout 测试事件广播到多个订阅者
func TestBusFanout(t *testing.T) {
	b := New(16)
	defer b.Close()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	b.Publish(Event{Type: EventSessionStart, SessionID: "s1"})

	ev1 := <-sub1.Events()
	ev2 := <-sub2.Events()
	assert.Equal(t, EventSessionStart, ev1.Type)
	assert.Equal(t, EventSessionStart, ev2.Type)
	assert.NotZero(t, ev1.Timestamp)
}

// TestBusPublishNeverBlocks 测试慢订阅者不阻塞发布方
func TestBusPublishNeverBlocks(t *testing.T) {
	b := New(4)
	defer b.Close()

	sub := b.Subscribe()
	_ = sub // 故意不消费

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.PublishEntry(protocol.SyntheticStderr("s1", fmt.Sprintf("msg %d", i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	assert.Greater(t, sub.Dropped(), int64(0))
}

// TestBusDropOldest 测试背压时丢最旧保最新
func TestBusDropOldest(t *testing.T) {
	b := New(2)
	defer b.Close()

	sub := b.Subscribe()
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: EventLog, SessionID: fmt.Sprintf("s%d", i)})
	}

	// 通道里应该保留较新的事件（中间可能插入backpressure合成事件）
	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		default:
			t.Fatalf("expected 2 buffered events, got %d", len(got))
		}
	}
	last := got[len(got)-1]
	if last.Entry == nil {
		assert.Equal(t, "s9", last.SessionID)
	}
}

// TestReliableSubscriberNoLoss 测试无界订阅者不丢事件
func TestReliableSubscriberNoLoss(t *testing.T) {
	b := New(2)

	rel := b.SubscribeReliable()

	const total = 5000
	var wg sync.WaitGroup
	wg.Add(1)
	var received int
	go func() {
		defer wg.Done()
		for {
			_, ok := rel.Next()
			if !ok {
				return
			}
			received++
		}
	}()

	for i := 0; i < total; i++ {
		b.Publish(Event{Type: EventLog, SessionID: "s1"})
	}
	b.Close()
	wg.Wait()

	assert.Equal(t, total, received)
}

// TestBackpressureNotice 测试丢弃时出现ui-backpressure合成条目
func TestBackpressureNotice(t *testing.T) {
	b := New(2)
	defer b.Close()

	sub := b.Subscribe()
	for i := 0; i < 100; i++ {
		b.PublishEntry(protocol.SyntheticStderr("s1", "x"))
	}

	require.Greater(t, sub.Dropped(), int64(0))

	found := false
	for {
		select {
		case ev := <-sub.Events():
			if ev.Entry != nil && ev.Entry.MessageType == protocol.MessageStderr &&
				strings.Contains(ev.Entry.Content, "ui-backpressure") {
				found = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, found, "expected a ui-backpressure synthetic entry")
}

// TestUnsubscribe 测试注销后通道关闭
func TestUnsubscribe(t *testing.T) {
	b := New(4)
	defer b.Close()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, ok := <-sub.Events()
	assert.False(t, ok)
}
