package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/canvasflow/internal/queue"
	"github.com/BaSui01/canvasflow/testutil"
)

func TestService_FanOutRunsToCompletion(t *testing.T) {
	h := newHarness(t, 5)
	h.graphs["g1"] = fanOut()
	ctx := testutil.TestContext(t)

	execID, err := h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.slots(t, "u1"))

	exec := h.execution(t, execID)
	assert.Equal(t, ExecutionStatusExecuting, exec.Status)
	assert.Equal(t, 3, exec.TotalNodes)
	assert.Equal(t, TriggerManual, exec.TriggerType)
	assert.Equal(t, "g1", exec.TargetGraphID)
	assert.Equal(t, "fan out", exec.Title)

	polls := h.queue.take(JobPollExecution)
	require.Len(t, polls, 1)
	assert.Equal(t, DefaultConfig().PollInterval, polls[0].Delay)

	runs := h.queue.take(JobRunNode)
	assert.Equal(t, []string{"a"}, jobNodeIDs(runs))
	var job RunNodeJob
	require.NoError(t, json.Unmarshal(runs[0].Payload, &job))
	require.NoError(t, h.svc.RunNode(ctx, job))

	assert.Equal(t, []string{"a"}, h.skills.invokedNodes())
	assert.Equal(t, NodeStatusExecuting, h.node(t, execID, "a").Status)
	assert.NotNil(t, h.node(t, execID, "a").StartedAt)

	// a 仍在执行：不入队子节点，安排下一轮
	h.poll(t, execID)
	assert.Zero(t, h.queue.count(JobRunNode))
	assert.Equal(t, 1, h.queue.count(JobPollExecution))

	h.finish(t, execID, "a")
	h.poll(t, execID)
	assert.ElementsMatch(t, []string{"b", "c"}, jobNodeIDs(h.queue.take(JobRunNode)))

	require.NoError(t, h.svc.RunNode(ctx, RunNodeJob{ExecutionID: execID, NodeID: "b", UserID: "u1"}))
	require.NoError(t, h.svc.RunNode(ctx, RunNodeJob{ExecutionID: execID, NodeID: "c", UserID: "u1"}))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, h.skills.invokedNodes())

	h.finish(t, execID, "b")
	h.finish(t, execID, "c")
	h.poll(t, execID)

	exec = h.execution(t, execID)
	assert.Equal(t, ExecutionStatusFinish, exec.Status)
	assert.Equal(t, 3, exec.ExecutedNodes)
	assert.Zero(t, exec.FailedNodes)
	assert.Empty(t, exec.FailureReason)
	assert.NotNil(t, exec.CompletedAt)
	assert.Zero(t, h.slots(t, "u1"))
	assert.Zero(t, h.queue.count(JobPollExecution), "no poll after terminal state")
	assert.Empty(t, h.events(), "manual runs emit no schedule events")
	assert.Equal(t, 1, h.obs.started)
	assert.Equal(t, 1, h.obs.finished["finish/"])
}

func TestService_RunNodeWaitsForParents(t *testing.T) {
	h := newHarness(t, 5)
	h.graphs["g1"] = fanOut()
	ctx := testutil.TestContext(t)

	execID, err := h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{})
	require.NoError(t, err)

	require.NoError(t, h.svc.RunNode(ctx, RunNodeJob{ExecutionID: execID, NodeID: "b", UserID: "u1"}))
	assert.Empty(t, h.skills.invokedNodes())
	assert.Equal(t, NodeStatusWaiting, h.node(t, execID, "b").Status)
}

func TestService_ConcurrentRunNodeInvokesOnce(t *testing.T) {
	h := newHarness(t, 5)
	h.graphs["g1"] = fanOut()
	ctx := testutil.TestContext(t)

	execID, err := h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.svc.RunNode(ctx, RunNodeJob{ExecutionID: execID, NodeID: "a", UserID: "u1"}))
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"a"}, h.skills.invokedNodes())
	assert.Equal(t, NodeStatusExecuting, h.node(t, execID, "a").Status)
}

func TestService_InvokeErrorFailsNodeAndExecution(t *testing.T) {
	h := newHarness(t, 5)
	h.graphs["g1"] = fanOut()
	h.skills.err = errors.New("skill service down")
	ctx := testutil.TestContext(t)

	execID, err := h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{})
	require.NoError(t, err)

	err = h.svc.RunNode(ctx, RunNodeJob{ExecutionID: execID, NodeID: "a", UserID: "u1"})
	require.Error(t, err)

	a := h.node(t, execID, "a")
	assert.Equal(t, NodeStatusFailed, a.Status)
	assert.Contains(t, a.ErrorMessage, "skill service down")

	h.poll(t, execID)
	exec := h.execution(t, execID)
	assert.Equal(t, ExecutionStatusFailed, exec.Status)
	assert.Equal(t, FailureNodeFailed, exec.FailureReason)
	assert.Equal(t, 3, exec.FailedNodes)
	assert.Equal(t, NodeStatusFailed, h.node(t, execID, "b").Status)
	assert.Equal(t, NodeStatusFailed, h.node(t, execID, "c").Status)
	assert.Zero(t, h.slots(t, "u1"))
}

func TestService_PassThroughNodes(t *testing.T) {
	h := newHarness(t, 5)
	h.graphs["g1"] = &RawGraph{
		Nodes: []CanvasNode{
			{ID: "s", Type: NodeTypeStart},
			skill("a"),
			{ID: "m", Type: NodeTypeMemo},
			skill("d"),
		},
		Edges: []CanvasEdge{edge("s", "a"), edge("a", "m"), edge("m", "d")},
	}
	ctx := testutil.TestContext(t)

	execID, err := h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{})
	require.NoError(t, err)

	h.runNodes(t)
	assert.Equal(t, NodeStatusFinish, h.node(t, execID, "s").Status)
	assert.Empty(t, h.skills.invokedNodes(), "pass-through nodes do not call the skill service")

	h.poll(t, execID)
	h.runNodes(t)
	assert.Equal(t, []string{"a"}, h.skills.invokedNodes())

	h.finish(t, execID, "a")
	h.poll(t, execID)
	m := h.node(t, execID, "m")
	assert.Equal(t, NodeStatusFinish, m.Status)
	assert.NotNil(t, m.EndedAt)
	assert.Equal(t, []string{"d"}, jobNodeIDs(h.queue.take(JobRunNode)))
}

func TestService_StuckNodeTimesOut(t *testing.T) {
	h := newHarness(t, 5)
	h.graphs["g1"] = fanOut()
	ctx := testutil.TestContext(t)

	execID, err := h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{})
	require.NoError(t, err)
	h.runNodes(t)

	h.clock.Advance(DefaultConfig().NodeTimeout + time.Second)
	h.poll(t, execID)

	a := h.node(t, execID, "a")
	assert.Equal(t, NodeStatusFailed, a.Status)
	assert.Contains(t, a.ErrorMessage, "timed out")

	exec := h.execution(t, execID)
	assert.Equal(t, ExecutionStatusFailed, exec.Status)
	assert.Equal(t, FailureNodeFailed, exec.FailureReason)

	testutil.AssertEventuallyTrue(t, func() bool {
		return len(h.skills.cancelledNodes()) == 1
	}, time.Second)
	assert.Equal(t, []string{execID + "/a"}, h.skills.cancelledNodes())

	// 超时后回报的结果被忽略
	h.finish(t, execID, "a")
	assert.Equal(t, NodeStatusFailed, h.node(t, execID, "a").Status)
}

func TestService_ExecutionTimeout(t *testing.T) {
	h := newHarness(t, 5)
	h.graphs["g1"] = fanOut()
	ctx := testutil.TestContext(t)

	execID, err := h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{})
	require.NoError(t, err)
	h.runNodes(t)

	h.clock.Advance(DefaultConfig().ExecutionTimeout + time.Second)
	h.poll(t, execID)

	exec := h.execution(t, execID)
	assert.Equal(t, ExecutionStatusFailed, exec.Status)
	assert.Equal(t, FailureTimeout, exec.FailureReason)
	assert.Equal(t, 3, exec.FailedNodes)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, NodeStatusFailed, h.node(t, execID, id).Status, id)
	}
	assert.Zero(t, h.slots(t, "u1"))
	testutil.AssertEventuallyTrue(t, func() bool {
		return len(h.skills.cancelledNodes()) == 1
	}, time.Second)
	assert.Equal(t, 1, h.obs.finished["failed/timeout"])
}

func TestService_Abort(t *testing.T) {
	h := newHarness(t, 5)
	h.graphs["g1"] = fanOut()
	ctx := testutil.TestContext(t)

	execID, err := h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{})
	require.NoError(t, err)
	h.runNodes(t)

	assert.ErrorIs(t, h.svc.AbortExecution(ctx, "someone-else", execID), ErrExecutionNotFound)

	require.NoError(t, h.svc.AbortExecution(ctx, "u1", execID))

	exec := h.execution(t, execID)
	assert.Equal(t, ExecutionStatusFailed, exec.Status)
	assert.Equal(t, FailureAborted, exec.FailureReason)
	for _, id := range []string{"a", "b", "c"} {
		n := h.node(t, execID, id)
		assert.Equal(t, NodeStatusFailed, n.Status, id)
		assert.Equal(t, "execution aborted", n.ErrorMessage, id)
	}
	assert.Zero(t, h.slots(t, "u1"))
	testutil.AssertEventuallyTrue(t, func() bool {
		return len(h.skills.cancelledNodes()) == 1
	}, time.Second)

	// 终态之后的写入都是空操作
	h.finish(t, execID, "a")
	assert.Equal(t, NodeStatusFailed, h.node(t, execID, "a").Status)
	require.NoError(t, h.svc.RunNode(ctx, RunNodeJob{ExecutionID: execID, NodeID: "b", UserID: "u1"}))
	assert.Equal(t, []string{"a"}, h.skills.invokedNodes())
	h.poll(t, execID)
	assert.Zero(t, h.queue.count(JobPollExecution))
	assert.Equal(t, ExecutionStatusFailed, h.execution(t, execID).Status)

	assert.ErrorIs(t, h.svc.AbortExecution(ctx, "u1", execID), ErrExecutionNotRunning)
	assert.Zero(t, h.slots(t, "u1"), "slot released exactly once")
}

func TestService_InitializeErrors(t *testing.T) {
	t.Run("graph already executing", func(t *testing.T) {
		h := newHarness(t, 5)
		h.graphs["g1"] = fanOut()
		ctx := testutil.TestContext(t)

		_, err := h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{})
		require.NoError(t, err)

		_, err = h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{})
		assert.ErrorIs(t, err, ErrExecutionInProgress)
		assert.Equal(t, int64(1), h.slots(t, "u1"))

		// 其他用户不受影响
		_, err = h.svc.InitializeExecution(ctx, "u2", "g1", nil, InitializeOptions{})
		assert.NoError(t, err)

		_, err = h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{AllowConcurrent: true, TriggerType: TriggerRetry})
		require.NoError(t, err)
		assert.Equal(t, int64(2), h.slots(t, "u1"))
	})

	t.Run("concurrency limited", func(t *testing.T) {
		h := newHarness(t, 1)
		h.graphs["g1"] = fanOut()
		h.graphs["g2"] = fanOut()
		ctx := testutil.TestContext(t)

		_, err := h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{})
		require.NoError(t, err)

		_, err = h.svc.InitializeExecution(ctx, "u1", "g2", nil, InitializeOptions{})
		assert.ErrorIs(t, err, ErrConcurrencyLimited)

		var n int64
		require.NoError(t, h.db.Model(&Execution{}).Where("source_graph_id = ?", "g2").Count(&n).Error)
		assert.Zero(t, n)
		assert.Equal(t, int64(1), h.slots(t, "u1"))
	})

	t.Run("slot reserved by caller", func(t *testing.T) {
		h := newHarness(t, 1)
		h.graphs["g1"] = fanOut()
		ctx := testutil.TestContext(t)

		ok, err := h.limiter.TryReserve(ctx, "u1")
		require.NoError(t, err)
		require.True(t, ok)

		_, err = h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{SlotReserved: true})
		require.NoError(t, err)
		assert.Equal(t, int64(1), h.slots(t, "u1"))
	})

	t.Run("invalid graph", func(t *testing.T) {
		h := newHarness(t, 5)
		h.graphs["loop"] = &RawGraph{
			Nodes: []CanvasNode{skill("a"), skill("b")},
			Edges: []CanvasEdge{edge("a", "b"), edge("b", "a")},
		}
		ctx := testutil.TestContext(t)

		_, err := h.svc.InitializeExecution(ctx, "u1", "loop", nil, InitializeOptions{})
		assert.True(t, IsValidation(err))
		assert.ErrorIs(t, err, ErrGraphCycle)

		_, err = h.svc.InitializeExecution(ctx, "u1", "missing", nil, InitializeOptions{})
		assert.ErrorIs(t, err, ErrGraphUnavailable)

		v, exists, err := h.limiter.Current(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, exists && v > 0)
	})

	t.Run("queue failure aborts the run", func(t *testing.T) {
		h := newHarness(t, 5)
		h.graphs["g1"] = fanOut()
		h.queue.failType = JobRunNode
		ctx := testutil.TestContext(t)

		_, err := h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{})
		require.Error(t, err)

		var execs []Execution
		require.NoError(t, h.db.Find(&execs).Error)
		require.Len(t, execs, 1)
		assert.Equal(t, ExecutionStatusFailed, execs[0].Status)
		assert.Equal(t, FailureAborted, execs[0].FailureReason)
		assert.Zero(t, h.slots(t, "u1"))
	})
}

func TestService_ScheduledRunEmitsEvent(t *testing.T) {
	tests := []struct {
		name   string
		result NodeStatus
		check  func(t *testing.T, ev ExecutionEvent)
	}{
		{
			name:   "success",
			result: NodeStatusFinish,
			check: func(t *testing.T, ev ExecutionEvent) {
				assert.Equal(t, ExecutionStatusFinish, ev.Status)
				assert.Equal(t, 1, ev.ExecutedNodes)
				assert.Empty(t, ev.FailedNodeID)
			},
		},
		{
			name:   "failure",
			result: NodeStatusFailed,
			check: func(t *testing.T, ev ExecutionEvent) {
				assert.Equal(t, ExecutionStatusFailed, ev.Status)
				assert.Equal(t, FailureNodeFailed, ev.FailureReason)
				assert.Equal(t, "a", ev.FailedNodeID)
				assert.Equal(t, "quota exceeded", ev.FailedNodeError)
				assert.Equal(t, 1, ev.FailedNodes)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 5)
			ctx := testutil.TestContext(t)

			execID, err := h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{
				Snapshot:         &RawGraph{Nodes: []CanvasNode{skill("a")}},
				TriggerType:      TriggerScheduled,
				ScheduleID:       "sched-1",
				ScheduleRecordID: "rec-1",
				Behavior:         BehaviorCreate,
			})
			require.NoError(t, err)
			assert.NotEqual(t, "ent-a", h.node(t, execID, "a").EntityID)

			h.runNodes(t)
			require.NoError(t, h.svc.ReportNodeResult(ctx, NodeResult{
				ExecutionID: execID, NodeID: "a", Status: tt.result, ErrorMessage: "quota exceeded",
			}))
			h.poll(t, execID)

			jobs := h.queue.take(JobExecutionEvent)
			require.Len(t, jobs, 1)
			assert.Equal(t, "event:"+execID, jobs[0].ID)

			var ev ExecutionEvent
			require.NoError(t, json.Unmarshal(jobs[0].Payload, &ev))
			assert.Equal(t, execID, ev.ExecutionID)
			assert.Equal(t, "sched-1", ev.ScheduleID)
			assert.Equal(t, "rec-1", ev.ScheduleRecordID)
			assert.Equal(t, "u1", ev.UserID)
			assert.Equal(t, 1, ev.TotalNodes)
			tt.check(t, ev)
		})
	}
}

func TestService_ExecutionDetail(t *testing.T) {
	h := newHarness(t, 5)
	h.graphs["g1"] = &RawGraph{
		Nodes: []CanvasNode{skill("c"), skill("b"), skill("a")},
		Edges: []CanvasEdge{edge("a", "b"), edge("b", "c")},
	}
	ctx := testutil.TestContext(t)

	execID, err := h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{})
	require.NoError(t, err)

	detail, err := h.svc.GetExecutionDetail(ctx, "u1", execID)
	require.NoError(t, err)
	assert.Equal(t, execID, detail.Execution.ID)

	var order []string
	for _, n := range detail.Nodes {
		order = append(order, n.NodeID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, []string{"a"}, detail.Nodes[1].ParentNodeIDs)
	assert.Equal(t, []string{"c"}, detail.Nodes[1].ChildNodeIDs)

	_, err = h.svc.GetExecutionDetail(ctx, "u2", execID)
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestService_ReportNodeResult(t *testing.T) {
	h := newHarness(t, 5)
	h.graphs["g1"] = fanOut()
	ctx := testutil.TestContext(t)

	execID, err := h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{})
	require.NoError(t, err)

	err = h.svc.ReportNodeResult(ctx, NodeResult{ExecutionID: execID, NodeID: "a", Status: NodeStatusExecuting})
	assert.True(t, IsValidation(err))

	// a 尚未开始
	h.finish(t, execID, "a")
	assert.Equal(t, NodeStatusInit, h.node(t, execID, "a").Status)

	h.runNodes(t)
	require.NoError(t, h.svc.ReportNodeResult(ctx, NodeResult{ExecutionID: execID, NodeID: "a", Status: NodeStatusFailed}))
	a := h.node(t, execID, "a")
	assert.Equal(t, NodeStatusFailed, a.Status)
	assert.Equal(t, "skill invocation failed", a.ErrorMessage)
	assert.NotNil(t, a.EndedAt)

	err = h.svc.ReportNodeResult(ctx, NodeResult{ExecutionID: "missing", NodeID: "a", Status: NodeStatusFinish})
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestService_ResumeStalled(t *testing.T) {
	h := newHarness(t, 5)
	h.graphs["g1"] = fanOut()
	h.graphs["g2"] = fanOut()
	ctx := testutil.TestContext(t)

	stalled, err := h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{})
	require.NoError(t, err)
	initial := h.queue.take(JobPollExecution)
	require.Len(t, initial, 1)
	var late PollJob
	require.NoError(t, json.Unmarshal(initial[0].Payload, &late))
	require.NotEmpty(t, late.Token)

	h.clock.Advance(10 * time.Minute)
	_, err = h.svc.InitializeExecution(ctx, "u1", "g2", nil, InitializeOptions{})
	require.NoError(t, err)
	h.queue.take(JobPollExecution)

	n, err := h.svc.ResumeStalled(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	polls := h.queue.take(JobPollExecution)
	require.Len(t, polls, 1)
	var resumed PollJob
	require.NoError(t, json.Unmarshal(polls[0].Payload, &resumed))
	assert.Equal(t, stalled, resumed.ExecutionID)
	assert.NotEqual(t, late.Token, resumed.Token)

	// 迟到的旧对账任务不再续期，只有恢复出的链继续
	require.NoError(t, h.svc.PollExecution(ctx, late))
	assert.Zero(t, h.queue.count(JobPollExecution))

	require.NoError(t, h.svc.PollExecution(ctx, resumed))
	next := h.queue.take(JobPollExecution)
	require.Len(t, next, 1)
	var chained PollJob
	require.NoError(t, json.Unmarshal(next[0].Payload, &chained))
	assert.Equal(t, resumed.Token, chained.Token)
}

func TestService_RegisterHandlers(t *testing.T) {
	h := newHarness(t, 5)
	h.graphs["g1"] = fanOut()
	ctx := testutil.TestContext(t)

	q := newFakeQueue()
	h.svc.Register(q)
	require.Len(t, q.handlers, 3)

	execID, err := h.svc.InitializeExecution(ctx, "u1", "g1", nil, InitializeOptions{})
	require.NoError(t, err)
	h.queue.take(JobRunNode)

	run := &queue.Job{Type: JobRunNode, Payload: testutil.MustJSON(RunNodeJob{ExecutionID: execID, NodeID: "a", UserID: "u1"})}
	require.NoError(t, q.handlers[JobRunNode](ctx, run))
	assert.Equal(t, []string{"a"}, h.skills.invokedNodes())

	result := &queue.Job{Type: JobNodeResult, Payload: testutil.MustJSON(NodeResult{ExecutionID: execID, NodeID: "a", Status: NodeStatusFinish})}
	require.NoError(t, q.handlers[JobNodeResult](ctx, result))
	assert.Equal(t, NodeStatusFinish, h.node(t, execID, "a").Status)

	poll := &queue.Job{Type: JobPollExecution, Payload: testutil.MustJSON(PollJob{ExecutionID: execID, UserID: "u1"})}
	require.NoError(t, q.handlers[JobPollExecution](ctx, poll))
	assert.Equal(t, 2, h.queue.count(JobRunNode))

	bad := &queue.Job{Type: JobRunNode, Payload: []byte("{")}
	assert.Error(t, q.handlers[JobRunNode](context.Background(), bad))
}
