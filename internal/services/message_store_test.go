package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go-imsync/internal/application/ports"
	"go-imsync/internal/domain/errs"
	"go-imsync/internal/infrastructure/realtime"
	"go-imsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader 可控的消息读取端：预设分页结果，订阅返回可手动推送的流
type fakeReader struct {
	mu       sync.Mutex
	all      []*models.Message // 倒序
	queryErr error
	subErr   error
	queries  []ports.MessagePage
	streams  []*realtime.Stream[[]*models.Message]
}

func (f *fakeReader) GetMessage(_ context.Context, _, msgID string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.all {
		if m.ID == msgID {
			return m, nil
		}
	}
	return nil, errs.NotFound("message %s", msgID)
}

func (f *fakeReader) QueryMessages(_ context.Context, q ports.MessagePage) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []*models.Message
	for _, m := range f.all {
		if q.Before != nil && !q.Before.Before(m) {
			continue
		}
		out = append(out, m)
		if len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeReader) SubscribeMessages(_ context.Context, _ string, _ int) (ports.Subscription[[]*models.Message], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	st := realtime.NewStream[[]*models.Message](8, nil)
	f.streams = append(f.streams, st)
	return st, nil
}

func (f *fakeReader) stream(i int) *realtime.Stream[[]*models.Message] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

func history(n int) []*models.Message {
	out := make([]*models.Message, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, mkMsg(idFor(i), i))
	}
	return out
}

func idFor(i int) string {
	return "m" + string(rune('A'+i/26)) + string(rune('a'+i%26))
}

type observedLog struct {
	mu    sync.Mutex
	calls int
}

func (o *observedLog) hook(string, []*models.Message) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
}

func (o *observedLog) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func TestPrefetchThenDiscardFirstSnapshot(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{all: history(3)}
	s := NewMessageStore(r, 50, 50, zerolog.Nop())
	obs := &observedLog{}
	s.OnObserved(obs.hook)

	require.NoError(t, s.Prefetch(ctx, "c"))
	assert.Len(t, s.Messages("c"), 3)
	assert.False(t, s.State("c").HasMore)

	s.Subscribe(ctx, "c")
	require.True(t, s.State("c").Subscribed)
	st := r.stream(0)

	// 首包与预取重复：丢弃，即使内容不同也不合并
	extra := mkMsg("late", 100)
	st.Publish(append([]*models.Message{extra}, r.all...))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, s.Messages("c"), 3)

	st.Publish([]*models.Message{extra, r.all[0]})
	require.Eventually(t, func() bool { return len(s.Messages("c")) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "late", s.Messages("c")[0].ID)
	require.Eventually(t, func() bool { return obs.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFirstSnapshotMergedWhenPrefetchFailed(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{all: history(2), queryErr: errors.New("offline")}
	s := NewMessageStore(r, 50, 50, zerolog.Nop())

	err := s.Prefetch(ctx, "c")
	require.ErrorIs(t, err, errs.ErrTransient)

	s.Subscribe(ctx, "c")
	r.stream(0).Publish(r.all)
	require.Eventually(t, func() bool { return len(s.Messages("c")) == 2 }, time.Second, 5*time.Millisecond)
}

func TestSubscriptionErrorsDegradeSilently(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{all: history(2)}
	s := NewMessageStore(r, 50, 50, zerolog.Nop())
	require.NoError(t, s.Prefetch(ctx, "c"))
	s.Subscribe(ctx, "c")
	st := r.stream(0)
	st.Publish(r.all)
	st.Fail(errors.New("channel reset"))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, s.Messages("c"), 2)

	r2 := &fakeReader{subErr: errors.New("refused")}
	s2 := NewMessageStore(r2, 50, 50, zerolog.Nop())
	s2.Subscribe(ctx, "c")
	assert.False(t, s2.State("c").Subscribed)
}

func TestLoadMorePaginatesBackward(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{all: history(12)}
	s := NewMessageStore(r, 5, 5, zerolog.Nop())

	require.NoError(t, s.Prefetch(ctx, "c"))
	assert.True(t, s.State("c").HasMore)

	added, err := s.LoadMore(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 5, added)
	require.NotNil(t, r.queries[1].Before)
	assert.Equal(t, r.all[4].ID, r.queries[1].Before.ID)

	added, err = s.LoadMore(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.False(t, s.State("c").HasMore)

	// 没有更多历史：不再请求
	added, err = s.LoadMore(ctx, "c")
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Len(t, r.queries, 3)
	assert.Equal(t, ids(r.all), ids(s.Messages("c")))
}

func TestLoadMoreFailureSurfaced(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{all: history(10)}
	s := NewMessageStore(r, 5, 5, zerolog.Nop())
	require.NoError(t, s.Prefetch(ctx, "c"))

	r.mu.Lock()
	r.queryErr = errors.New("timeout")
	r.mu.Unlock()
	_, err := s.LoadMore(ctx, "c")
	require.ErrorIs(t, err, errs.ErrTransient)
	assert.False(t, s.State("c").LoadingMore)
	assert.True(t, s.State("c").HasMore)
	assert.Len(t, s.Messages("c"), 5)
}

func TestPaginatedHistorySurvivesHeadSnapshots(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{all: history(10)}
	s := NewMessageStore(r, 5, 5, zerolog.Nop())
	require.NoError(t, s.Prefetch(ctx, "c"))
	_, err := s.LoadMore(ctx, "c")
	require.NoError(t, err)
	s.Subscribe(ctx, "c")
	st := r.stream(0)
	st.Publish(r.all[:5]) // 丢弃

	head := append([]*models.Message{mkMsg("new", 50)}, r.all[:4]...)
	st.Publish(head)
	require.Eventually(t, func() bool { return len(s.Messages("c")) == 11 }, time.Second, 5*time.Millisecond)

	st.Publish(head)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, s.Messages("c"), 11)
}

func TestCloseKeepsCache(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{all: history(3)}
	s := NewMessageStore(r, 50, 50, zerolog.Nop())
	require.NoError(t, s.Prefetch(ctx, "c"))
	s.Subscribe(ctx, "c")
	s.Close("c")

	assert.True(t, r.stream(0).Closed())
	assert.False(t, s.State("c").Subscribed)
	assert.Len(t, s.Messages("c"), 3)
}

func (f *fakeReader) reset(all []*models.Message, queryErr error) {
	f.mu.Lock()
	f.all, f.queryErr = all, queryErr
	f.mu.Unlock()
}

func (f *fakeReader) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func missingIDs(s *MessageStore, convID string, n int) []string {
	have := make(map[string]bool)
	for _, m := range s.Messages(convID) {
		have[m.ID] = true
	}
	var out []string
	for i := 0; i < n; i++ {
		if !have[idFor(i)] {
			out = append(out, idFor(i))
		}
	}
	return out
}

// 消费者落后、中间快照被丢弃时，滑出头部窗口的消息由补拉接上
func TestSkippedSnapshotsLeaveNoHole(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{all: history(10)}
	s := NewMessageStore(r, 50, 50, zerolog.Nop())
	require.NoError(t, s.Prefetch(ctx, "c"))
	s.Subscribe(ctx, "c")
	st := r.stream(0)
	st.Publish(r.all) // 丢弃

	// 期间新增 60 条，只有最后一份快照送达
	r.reset(history(70), nil)
	st.Publish(history(70)[:50])

	require.Eventually(t, func() bool { return len(s.Messages("c")) == 70 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, missingIDs(s, "c", 70))
	assert.Equal(t, idFor(69), s.Messages("c")[0].ID)

	// 连续后不再补拉
	n := r.queryCount()
	st.Publish(history(70)[:50])
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, r.queryCount())
}

func TestGapFillRetriedOnNextSnapshot(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{all: history(10)}
	s := NewMessageStore(r, 50, 50, zerolog.Nop())
	require.NoError(t, s.Prefetch(ctx, "c"))
	s.Subscribe(ctx, "c")
	st := r.stream(0)
	st.Publish(r.all) // 丢弃

	r.reset(history(70), errors.New("offline"))
	st.Publish(history(70)[:50])
	require.Eventually(t, func() bool { return r.queryCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, s.Messages("c"), 60)

	r.reset(history(70), nil)
	st.Publish(history(70)[:50])
	require.Eventually(t, func() bool { return len(s.Messages("c")) == 70 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, missingIDs(s, "c", 70))
}

// 关闭期间新增超过一页，重新打开时预取页与旧缓存之间补齐
func TestReopenPrefetchFillsGapToOldCache(t *testing.T) {
	ctx := context.Background()
	r := &fakeReader{all: history(10)}
	s := NewMessageStore(r, 5, 5, zerolog.Nop())
	require.NoError(t, s.Prefetch(ctx, "c"))
	s.Subscribe(ctx, "c")
	s.Close("c")

	r.reset(history(22), nil)
	require.NoError(t, s.Prefetch(ctx, "c"))
	assert.Len(t, s.Messages("c"), 17)
	// 只剩最旧的 5 条留给向前翻页
	assert.Equal(t, []string{idFor(0), idFor(1), idFor(2), idFor(3), idFor(4)}, missingIDs(s, "c", 22))
}
