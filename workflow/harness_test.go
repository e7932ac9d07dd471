package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/canvasflow/internal/limiter"
	"github.com/BaSui01/canvasflow/internal/lock"
	"github.com/BaSui01/canvasflow/internal/queue"
	"github.com/BaSui01/canvasflow/testutil"
)

// =============================================================================
// 🧪 测试替身
// =============================================================================

type enqueued struct {
	Type    string
	ID      string
	Payload json.RawMessage
	Delay   time.Duration
}

// fakeQueue 记录入队的任务，同 ID 未消费前去重
type fakeQueue struct {
	mu       sync.Mutex
	jobs     []enqueued
	pending  map[string]bool
	handlers map[string]queue.Handler
	failType string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{pending: make(map[string]bool), handlers: make(map[string]queue.Handler)}
}

func (q *fakeQueue) Enqueue(_ context.Context, jobType string, payload any, opts queue.EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if jobType == q.failType {
		return "", errors.New("queue unavailable")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	id := opts.JobID
	if id == "" {
		id = fmt.Sprintf("job-%d", len(q.jobs))
	}
	if q.pending[id] {
		return id, nil
	}
	q.pending[id] = true
	q.jobs = append(q.jobs, enqueued{Type: jobType, ID: id, Payload: data, Delay: opts.Delay})
	return id, nil
}

func (q *fakeQueue) OnJob(jobType string, h queue.Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// take 取出并消费某一类型的全部任务
func (q *fakeQueue) take(jobType string) []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out, rest []enqueued
	for _, j := range q.jobs {
		if j.Type == jobType {
			out = append(out, j)
			delete(q.pending, j.ID)
		} else {
			rest = append(rest, j)
		}
	}
	q.jobs = rest
	return out
}

func (q *fakeQueue) count(jobType string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Type == jobType {
			n++
		}
	}
	return n
}

type fakeSkills struct {
	mu        sync.Mutex
	invoked   []NodeContext
	cancelled []string
	err       error
	// onInvoke 在记录之前同步调用
	onInvoke func(NodeContext)
}

func (f *fakeSkills) Invoke(_ context.Context, nc NodeContext) error {
	if f.onInvoke != nil {
		f.onInvoke(nc)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.invoked = append(f.invoked, nc)
	return nil
}

func (f *fakeSkills) Cancel(_ context.Context, executionID, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, executionID+"/"+nodeID)
	return nil
}

func (f *fakeSkills) invokedNodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.invoked))
	for _, nc := range f.invoked {
		out = append(out, nc.NodeID)
	}
	return out
}

func (f *fakeSkills) cancelledNodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

type staticGraphs map[string]*RawGraph

func (g staticGraphs) GetRawGraphData(_ context.Context, _, graphID string) (*RawGraph, error) {
	graph, ok := g[graphID]
	if !ok {
		return nil, errors.New("graph not found")
	}
	return graph, nil
}

func (g staticGraphs) CreateSnapshot(ctx context.Context, userID, graphID string) (*RawGraph, error) {
	return g.GetRawGraphData(ctx, userID, graphID)
}

type countingObserver struct {
	mu       sync.Mutex
	started  int
	finished map[string]int
}

func (o *countingObserver) ObserveExecutionStarted(string) {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveExecutionFinished(status, reason string, _ time.Duration) {
	o.mu.Lock()
	if o.finished == nil {
		o.finished = make(map[string]int)
	}
	o.finished[status+"/"+reason]++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveNodeTransition(string, string) {}

// =============================================================================
// 🏗️ 测试装配
// =============================================================================

type harness struct {
	svc     *Service
	store   *GormStore
	db      *gorm.DB
	queue   *fakeQueue
	skills  *fakeSkills
	limiter *limiter.Limiter
	clock   *testutil.Clock
	mr      *miniredis.Miniredis
	obs     *countingObserver
	graphs  staticGraphs

	deps Deps
	cfg  Config
	// newLocker 基于同一 Redis 创建带独立键前缀的锁
	newLocker func(prefix string) *lock.Locker
}

func newHarness(t *testing.T, maxConcurrent int) *harness {
	t.Helper()

	mr, rdb := testutil.NewRedis(t)
	db := testutil.NewDB(t, Models()...)
	logger := zap.NewNop()

	store := NewGormStore(db, logger)
	lim := limiter.New(rdb, store, limiter.Config{DefaultMax: maxConcurrent}, logger)

	h := &harness{
		store:   store,
		db:      db,
		queue:   newFakeQueue(),
		skills:  &fakeSkills{},
		limiter: lim,
		clock:   testutil.NewClock(time.Now()),
		mr:      mr,
		obs:     &countingObserver{},
		graphs:  staticGraphs{},
	}

	cfg := DefaultConfig()
	cfg.LockWaitRetries = 1
	cfg.LockWaitBackoff = time.Millisecond

	h.cfg = cfg
	h.deps = Deps{
		Store:    store,
		Graphs:   h.graphs,
		Skills:   h.skills,
		Limiter:  lim,
		Locker:   lock.NewLocker(rdb, logger),
		Queue:    h.queue,
		Observer: h.obs,
		Logger:   logger,
	}
	h.newLocker = func(prefix string) *lock.Locker {
		return lock.NewLocker(rdb, logger, lock.WithPrefix(prefix))
	}

	h.svc = NewService(h.deps, cfg)
	h.svc.SetClock(h.clock.Now)
	return h
}

// isolatedService 返回共享存储与队列、但锁命名空间独立的服务实例，
// 模拟锁失效时多个 worker 同时处理同一任务
func (h *harness) isolatedService(prefix string) *Service {
	deps := h.deps
	deps.Locker = h.newLocker(prefix)
	svc := NewService(deps, h.cfg)
	svc.SetClock(h.clock.Now)
	return svc
}

// runNodes 处理当前队列里的全部运行节点任务
func (h *harness) runNodes(t *testing.T) {
	t.Helper()
	ctx := testutil.TestContext(t)
	for _, j := range h.queue.take(JobRunNode) {
		var job RunNodeJob
		require.NoError(t, json.Unmarshal(j.Payload, &job))
		_ = h.svc.RunNode(ctx, job)
	}
}

func (h *harness) poll(t *testing.T, execID string) {
	t.Helper()
	h.queue.take(JobPollExecution)
	require.NoError(t, h.svc.PollExecution(testutil.TestContext(t), PollJob{ExecutionID: execID, UserID: "u1"}))
}

func (h *harness) finish(t *testing.T, execID, nodeID string) {
	t.Helper()
	require.NoError(t, h.svc.ReportNodeResult(testutil.TestContext(t), NodeResult{
		ExecutionID: execID, NodeID: nodeID, Status: NodeStatusFinish,
	}))
}

func (h *harness) node(t *testing.T, execID, nodeID string) *NodeExecution {
	t.Helper()
	n, err := h.store.GetNode(testutil.TestContext(t), execID, nodeID)
	require.NoError(t, err)
	return n
}

func (h *harness) execution(t *testing.T, execID string) *Execution {
	t.Helper()
	e, err := h.store.GetExecution(testutil.TestContext(t), execID)
	require.NoError(t, err)
	return e
}

func (h *harness) slots(t *testing.T, userID string) int64 {
	t.Helper()
	v, _, err := h.limiter.Current(testutil.TestContext(t), userID)
	require.NoError(t, err)
	return v
}

func (h *harness) events() []ExecutionEvent {
	var out []ExecutionEvent
	for _, j := range h.queue.take(JobExecutionEvent) {
		var ev ExecutionEvent
		if err := json.Unmarshal(j.Payload, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

// fanOut: a → b, a → c
func fanOut() *RawGraph {
	return &RawGraph{
		Title: "fan out",
		Nodes: []CanvasNode{skill("a"), skill("b"), skill("c")},
		Edges: []CanvasEdge{edge("a", "b"), edge("a", "c")},
	}
}

func jobNodeIDs(jobs []enqueued) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		parts := strings.Split(j.ID, ":")
		out = append(out, parts[len(parts)-1])
	}
	return out
}
