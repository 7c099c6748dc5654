package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/environment"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/scheduler"
	"github.com/stemsi/exstem-proctor/internal/security"
	"github.com/stemsi/exstem-proctor/internal/store"
)

type fakeGateway struct {
	mu            sync.Mutex
	status        model.ExamStatus
	statusErr     error
	join          gateway.JoinResult
	joinErr       error
	questions     []model.Question
	submits       []gateway.SubmitRequest
	submitErr     error
	submitBlock   chan struct{}
	submitStarted chan struct{}
	saves         map[string]string
	violations    int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		status:        model.ExamStatus{Phase: model.ExamWaiting},
		join:          gateway.JoinResult{RemainingSeconds: 120},
		questions:     []model.Question{{ID: "q1", Prompt: "2+2?", Options: []string{"3", "4"}}, {ID: "q2", Prompt: "fizzbuzz"}},
		submitStarted: make(chan struct{}, 8),
		saves:         make(map[string]string),
	}
}

func (g *fakeGateway) ExamStatus(context.Context) (*model.ExamStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	st := g.status
	return &st, nil
}

func (g *fakeGateway) Join(context.Context, string) (*gateway.JoinResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.joinErr != nil {
		return nil, g.joinErr
	}
	res := g.join
	return &res, nil
}

func (g *fakeGateway) Questions(context.Context, string) ([]model.Question, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]model.Question(nil), g.questions...), nil
}

func (g *fakeGateway) SaveAnswer(_ context.Context, _, questionID, value string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.saves[questionID] = value
	return nil
}

func (g *fakeGateway) ReportViolation(context.Context, string, model.SignalSource) (*model.ViolationAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.violations++
	return &model.ViolationAck{ViolationCount: g.violations}, nil
}

func (g *fakeGateway) Submit(_ context.Context, req gateway.SubmitRequest) (*gateway.SubmitResult, error) {
	g.submitStarted <- struct{}{}
	g.mu.Lock()
	block := g.submitBlock
	g.mu.Unlock()
	if block != nil {
		<-block
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits = append(g.submits, req)
	if g.submitErr != nil {
		return nil, g.submitErr
	}
	return &gateway.SubmitResult{Success: true}, nil
}

func (g *fakeGateway) set(fn func(g *fakeGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

func (g *fakeGateway) submitted() []gateway.SubmitRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.SubmitRequest(nil), g.submits...)
}

type harness struct {
	ctx     context.Context
	clock   *clockwork.FakeClock
	bus     *environment.Bus
	gw      *fakeGateway
	kv      *store.MemoryKV
	machine *Machine
}

func newHarness(t *testing.T, tweak ...func(*config.Policy)) *harness {
	t.Helper()
	h := &harness{
		ctx:   context.Background(),
		clock: clockwork.NewFakeClock(),
		bus:   environment.NewBus(),
		gw:    newFakeGateway(),
		kv:    store.NewMemoryKV(),
	}
	h.machine = h.newMachine(t, tweak...)
	return h
}

func (h *harness) newMachine(t *testing.T, tweak ...func(*config.Policy)) *Machine {
	t.Helper()
	policy := config.DefaultPolicy()
	policy.CountdownTicks = 2
	for _, fn := range tweak {
		fn(&policy)
	}
	m := New(Deps{
		Gateway:  h.gw,
		Env:      h.bus,
		Enforcer: security.NewEnforcer(nil, zerolog.Nop()),
		State:    store.NewLocalState(h.kv, "test"),
		Clock:    h.clock,
		Policy:   policy,
		Log:      zerolog.Nop(),
	})
	if err := m.Start(h.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func (h *harness) phase() model.Phase {
	return h.machine.Snapshot().Phase
}

func (h *harness) requirePhase(t *testing.T, want model.Phase) {
	t.Helper()
	if got := h.phase(); got != want {
		t.Fatalf("phase = %s, want %s", got, want)
	}
}

// toWaiting registers a participant and passes the full-screen gate.
func (h *harness) toWaiting(t *testing.T) {
	t.Helper()
	if err := h.machine.Register(h.ctx, "p-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.requirePhase(t, model.PhaseAwaitingFullscreen)
	h.machine.ConfirmFullscreen()
	h.requirePhase(t, model.PhaseWaiting)
}

// goLive drives the session from registration to Live with remaining
// seconds on the clock.
func (h *harness) goLive(t *testing.T, remaining int) {
	t.Helper()
	h.gw.set(func(g *fakeGateway) { g.join.RemainingSeconds = remaining })
	h.toWaiting(t)

	h.gw.set(func(g *fakeGateway) { g.status.Phase = model.ExamLive })
	h.machine.pollStatus(h.ctx)
	h.requirePhase(t, model.PhaseCountdown)
	h.machine.countdownTick(h.ctx)
	h.machine.countdownTick(h.ctx)
	if !h.machine.Snapshot().AwaitingFullscreen {
		t.Fatal("countdown finished without asking for full-screen")
	}
	h.machine.ConfirmFullscreen()
	h.machine.Wait()
	h.requirePhase(t, model.PhaseLive)
}

func (h *harness) signal(kind environment.Kind) {
	h.bus.Publish(environment.Signal{Kind: kind, At: h.clock.Now()})
}

// advanceUntil steps the fake clock until cond holds for the snapshot.
// Scheduled tasks run on their own goroutines, so each step gives them a
// moment to observe the tick before the next one.
func (h *harness) advanceUntil(t *testing.T, step time.Duration, maxSteps int, cond func(Snapshot) bool) {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		h.clock.Advance(step)
		deadline := time.Now().Add(200 * time.Millisecond)
		for time.Now().Before(deadline) {
			if cond(h.machine.Snapshot()) {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatalf("condition not reached after %d steps of %v: %+v", maxSteps, step, h.machine.Snapshot())
}

// blockUntilTasks waits until n scheduled tasks hold a ticker on the clock.
func (h *harness) blockUntilTasks(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("waiting for %d tasks: %v (scheduled: %v)", n, err, h.machine.sched.Names())
	}
}

func TestRegisterRequiresFullscreenFirst(t *testing.T) {
	h := newHarness(t)
	h.toWaiting(t)

	if !h.machine.sched.Active(scheduler.TaskStatusPoll) {
		t.Fatal("status poll not scheduled in Waiting")
	}
}

func TestFullscreenDeniedIsNotAViolation(t *testing.T) {
	h := newHarness(t)
	if err := h.machine.Register(h.ctx, "p-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	h.signal(environment.FullscreenDenied)
	snap := h.machine.Snapshot()
	if snap.Phase != model.PhaseAwaitingFullscreen {
		t.Fatalf("phase = %s", snap.Phase)
	}
	if snap.ViolationCount != 0 {
		t.Fatalf("violations = %d", snap.ViolationCount)
	}
	if len(snap.Notices) != 1 || snap.Notices[0].Kind != NoticeFullscreenDenied {
		t.Fatalf("notices = %+v", snap.Notices)
	}

	h.signal(environment.FullscreenEnter)
	snap = h.machine.Snapshot()
	if snap.Phase != model.PhaseWaiting || len(snap.Notices) != 0 {
		t.Fatalf("after retry: phase=%s notices=%+v", snap.Phase, snap.Notices)
	}
}

func TestNoFullscreenRequiredGoesStraightToWaiting(t *testing.T) {
	h := newHarness(t, func(p *config.Policy) { p.RequireFullscreen = false })
	if err := h.machine.Register(h.ctx, "p-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.requirePhase(t, model.PhaseWaiting)

	h.gw.set(func(g *fakeGateway) { g.status.Phase = model.ExamLive })
	h.machine.pollStatus(h.ctx)
	h.machine.countdownTick(h.ctx)
	h.machine.countdownTick(h.ctx)
	h.machine.Wait()
	h.requirePhase(t, model.PhaseLive)
}

func TestGoLiveStartsTimersAndGuards(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, 120)

	snap := h.machine.Snapshot()
	if snap.TimeLeftSeconds != 120 {
		t.Fatalf("time left = %d", snap.TimeLeftSeconds)
	}
	if !snap.Directive.Active(security.GuardRestrictedKeys) {
		t.Fatalf("directive = %+v", snap.Directive)
	}
	for _, name := range []string{scheduler.TaskTick, scheduler.TaskTimeResync, scheduler.TaskStatusPoll} {
		if !h.machine.sched.Active(name) {
			t.Errorf("task %s not scheduled", name)
		}
	}
	qs, err := h.machine.Questions()
	if err != nil || len(qs) != 2 {
		t.Fatalf("Questions = %v, %v", qs, err)
	}
	flags, _ := store.NewLocalState(h.kv, "test").Load(h.ctx)
	if !flags.Started {
		t.Fatal("started flag not persisted")
	}
}

func TestJoinFailureReturnsToWaiting(t *testing.T) {
	h := newHarness(t)
	h.gw.set(func(g *fakeGateway) { g.joinErr = errors.New("offline") })
	h.toWaiting(t)

	h.gw.set(func(g *fakeGateway) { g.status.Phase = model.ExamLive })
	h.machine.pollStatus(h.ctx)
	h.machine.countdownTick(h.ctx)
	h.machine.countdownTick(h.ctx)
	h.machine.ConfirmFullscreen()
	h.machine.Wait()

	h.requirePhase(t, model.PhaseWaiting)
	if h.machine.sched.Active(scheduler.TaskTick) {
		t.Fatal("tick scheduled after failed join")
	}
	snap := h.machine.Snapshot()
	if len(snap.Notices) != 1 || snap.Notices[0].Kind != NoticeJoinFailed {
		t.Fatalf("notices = %+v", snap.Notices)
	}

	// The next live poll starts the countdown again.
	h.gw.set(func(g *fakeGateway) { g.joinErr = nil })
	h.machine.pollStatus(h.ctx)
	h.requirePhase(t, model.PhaseCountdown)
}

func TestJoinReportsDisqualified(t *testing.T) {
	h := newHarness(t)
	h.gw.set(func(g *fakeGateway) { g.join.IsDisqualified = true })
	h.toWaiting(t)

	h.gw.set(func(g *fakeGateway) { g.status.Phase = model.ExamLive })
	h.machine.pollStatus(h.ctx)
	h.machine.countdownTick(h.ctx)
	h.machine.countdownTick(h.ctx)
	h.machine.ConfirmFullscreen()
	h.machine.Wait()

	h.requirePhase(t, model.PhaseDisqualified)
	if _, err := h.machine.Questions(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Questions err = %v", err)
	}
	if n := len(h.gw.submitted()); n != 0 {
		t.Fatalf("submitted %d times", n)
	}
}

func TestExamEndedBeforeLive(t *testing.T) {
	h := newHarness(t)
	h.toWaiting(t)

	h.gw.set(func(g *fakeGateway) { g.status.Phase = model.ExamEnded })
	h.machine.pollStatus(h.ctx)

	h.requirePhase(t, model.PhaseEnded)
	if n := len(h.gw.submitted()); n != 0 {
		t.Fatalf("submitted %d times", n)
	}
	if h.machine.sched.Active(scheduler.TaskStatusPoll) {
		t.Fatal("status poll still scheduled after termination")
	}
}

func TestExamBackToWaitingCancelsCountdown(t *testing.T) {
	h := newHarness(t)
	h.toWaiting(t)

	h.gw.set(func(g *fakeGateway) { g.status.Phase = model.ExamLive })
	h.machine.pollStatus(h.ctx)
	h.requirePhase(t, model.PhaseCountdown)

	h.gw.set(func(g *fakeGateway) { g.status.Phase = model.ExamWaiting })
	h.machine.pollStatus(h.ctx)
	h.requirePhase(t, model.PhaseWaiting)
	if h.machine.sched.Active(scheduler.TaskCountdown) {
		t.Fatal("countdown still scheduled")
	}
}

func TestPollFailureIsTransient(t *testing.T) {
	h := newHarness(t)
	h.toWaiting(t)

	h.gw.set(func(g *fakeGateway) { g.statusErr = errors.New("offline") })
	h.machine.pollStatus(h.ctx)
	h.machine.pollStatus(h.ctx)
	snap := h.machine.Snapshot()
	if snap.Phase != model.PhaseWaiting || len(snap.Notices) != 1 || snap.Notices[0].Blocking {
		t.Fatalf("snapshot = %+v", snap)
	}

	h.gw.set(func(g *fakeGateway) { g.statusErr = nil })
	h.machine.pollStatus(h.ctx)
	if n := len(h.machine.Snapshot().Notices); n != 0 {
		t.Fatalf("%d notices after recovery", n)
	}
}

// Scenario A.
func TestTimerExpiryFinalizesOnceWithTimeout(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, 120)

	for i := 0; i < 125; i++ {
		h.machine.tick(h.ctx)
	}
	h.machine.Wait()

	snap := h.machine.Snapshot()
	if snap.Phase != model.PhaseEnded {
		t.Fatalf("phase = %s", snap.Phase)
	}
	if snap.TimeLeftSeconds != 0 {
		t.Fatalf("time left = %d", snap.TimeLeftSeconds)
	}
	subs := h.gw.submitted()
	if len(subs) != 1 || subs[0].Reason != model.ReasonTimeout || subs[0].Disqualified {
		t.Fatalf("submissions = %+v", subs)
	}
	for _, name := range []string{scheduler.TaskTick, scheduler.TaskTimeResync, scheduler.TaskStatusPoll} {
		if h.machine.sched.Active(name) {
			t.Errorf("task %s survived termination", name)
		}
	}
	if !snap.Directive.Active(security.GuardHistoryLock) || snap.Directive.Active(security.GuardRestrictedKeys) {
		t.Fatalf("terminal directive = %+v", snap.Directive)
	}
}

func TestScheduledTasksDriveSessionToEnd(t *testing.T) {
	h := newHarness(t, func(p *config.Policy) { p.RequireFullscreen = false })
	h.gw.set(func(g *fakeGateway) { g.join.RemainingSeconds = 3 })
	if err := h.machine.Register(h.ctx, "p-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.requirePhase(t, model.PhaseWaiting)
	h.blockUntilTasks(t, 1)

	h.gw.set(func(g *fakeGateway) { g.status.Phase = model.ExamLive })
	h.advanceUntil(t, time.Second, 10, func(s Snapshot) bool { return s.Phase == model.PhaseCountdown })
	h.advanceUntil(t, time.Second, 10, func(s Snapshot) bool { return s.Phase == model.PhaseLive })

	// Status poll, tick and resync.
	h.blockUntilTasks(t, 3)
	h.advanceUntil(t, time.Second, 20, func(s Snapshot) bool { return s.Phase == model.PhaseEnded })
	h.machine.Wait()

	subs := h.gw.submitted()
	if len(subs) != 1 || subs[0].Reason != model.ReasonTimeout {
		t.Fatalf("submissions = %+v", subs)
	}
	if names := h.machine.sched.Names(); len(names) != 0 {
		t.Fatalf("tasks still scheduled after termination: %v", names)
	}
	done := make(chan struct{})
	go func() {
		h.machine.sched.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task goroutines still running after termination")
	}

	before := h.machine.Snapshot()
	for i := 0; i < 60; i++ {
		h.clock.Advance(time.Second)
	}
	h.machine.Wait()
	after := h.machine.Snapshot()
	if after.Version != before.Version || after.Phase != model.PhaseEnded {
		t.Fatalf("state changed after termination: %+v -> %+v", before, after)
	}
	if n := len(h.gw.submitted()); n != 1 {
		t.Fatalf("submit attempts after termination = %d, want 1", n)
	}
}

func TestTickAndResyncReachingZeroTogetherSubmitOnce(t *testing.T) {
	h := newHarness(t, func(p *config.Policy) { p.DriftTolerance = 0 })
	h.goLive(t, 1)
	end := h.clock.Now()
	h.gw.set(func(g *fakeGateway) { g.status.ServerEndTime = &end })

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); h.machine.tick(h.ctx) }()
	go func() { defer wg.Done(); h.machine.resync(h.ctx) }()
	wg.Wait()
	h.machine.Wait()

	subs := h.gw.submitted()
	if len(subs) != 1 || subs[0].Reason != model.ReasonTimeout {
		t.Fatalf("submissions = %+v", subs)
	}
	h.requirePhase(t, model.PhaseEnded)
}

func TestResyncAppliesOnlyBeyondTolerance(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, 120)

	small := h.clock.Now().Add(117 * time.Second)
	h.gw.set(func(g *fakeGateway) { g.status.ServerEndTime = &small })
	h.machine.resync(h.ctx)
	if got := h.machine.Snapshot().TimeLeftSeconds; got != 120 {
		t.Fatalf("time left after 3s drift = %d, want 120", got)
	}

	large := h.clock.Now().Add(100 * time.Second)
	h.gw.set(func(g *fakeGateway) { g.status.ServerEndTime = &large })
	h.machine.resync(h.ctx)
	if got := h.machine.Snapshot().TimeLeftSeconds; got != 100 {
		t.Fatalf("time left after 20s drift = %d, want 100", got)
	}
}

// Scenario B.
func TestFocusLossTwiceWithinDebounceWarnsOnce(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, 120)

	h.signal(environment.FocusLoss)
	h.clock.Advance(time.Second)
	h.signal(environment.FocusLoss)
	h.machine.Wait()

	snap := h.machine.Snapshot()
	if snap.ViolationCount != 1 {
		t.Fatalf("violations = %d, want 1", snap.ViolationCount)
	}
	if snap.Phase != model.PhaseLive {
		t.Fatalf("phase = %s", snap.Phase)
	}
	if !snap.InputLocked {
		t.Fatal("input not locked after warning")
	}
	found := false
	for _, n := range snap.Notices {
		found = found || n.Kind == NoticeWarning
	}
	if !found {
		t.Fatalf("no warning notice in %+v", snap.Notices)
	}
	if err := h.machine.SaveAnswer(h.ctx, "q1", "4"); !errors.Is(err, ErrInputLocked) {
		t.Fatalf("SaveAnswer while locked err = %v", err)
	}
}

// Scenario C.
func TestSecondViolationDisqualifiesOnce(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, 120)

	h.signal(environment.FocusLoss)
	h.machine.ConfirmFullscreen()
	if h.machine.Snapshot().InputLocked {
		t.Fatal("input still locked after full-screen was restored")
	}
	h.clock.Advance(4 * time.Second)
	h.signal(environment.FullscreenExit)
	h.machine.Wait()

	snap := h.machine.Snapshot()
	if snap.Phase != model.PhaseDisqualified {
		t.Fatalf("phase = %s", snap.Phase)
	}
	if snap.ViolationCount != 2 {
		t.Fatalf("violations = %d", snap.ViolationCount)
	}
	subs := h.gw.submitted()
	if len(subs) != 1 || subs[0].Reason != model.ReasonDisqualified || !subs[0].Disqualified {
		t.Fatalf("submissions = %+v", subs)
	}

	// No further state mutation once disqualified.
	h.clock.Advance(4 * time.Second)
	h.signal(environment.VisibilityHidden)
	h.machine.tick(h.ctx)
	h.machine.Wait()
	if err := h.machine.Submit(h.ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Submit after disqualification err = %v", err)
	}
	after := h.machine.Snapshot()
	if after.Phase != model.PhaseDisqualified || after.ViolationCount != 2 {
		t.Fatalf("state changed after disqualification: %+v", after)
	}
	if n := len(h.gw.submitted()); n != 1 {
		t.Fatalf("submitted %d times", n)
	}
	flags, _ := store.NewLocalState(h.kv, "test").Load(h.ctx)
	if !flags.Finished || !flags.Disqualified {
		t.Fatalf("flags = %+v", flags)
	}
}

// Scenario D.
func TestAdminEndFinalizesBeforeTimer(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, 40)

	h.gw.set(func(g *fakeGateway) { g.status.Phase = model.ExamEnded })
	h.machine.pollStatus(h.ctx)
	h.machine.Wait()

	snap := h.machine.Snapshot()
	if snap.Phase != model.PhaseEnded || snap.TimeLeftSeconds != 40 {
		t.Fatalf("snapshot = %+v", snap)
	}
	subs := h.gw.submitted()
	if len(subs) != 1 || subs[0].Reason != model.ReasonAdminEnded {
		t.Fatalf("submissions = %+v", subs)
	}
	view, err := h.machine.ExitView()
	if err != nil || view.Reason != model.ReasonAdminEnded || view.Disqualified {
		t.Fatalf("ExitView = %+v, %v", view, err)
	}
}

func TestConcurrentFinalizeSubmitsOnce(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, 120)
	h.gw.set(func(g *fakeGateway) { g.submitBlock = make(chan struct{}) })

	first := make(chan error, 1)
	go func() { first <- h.machine.Submit(h.ctx) }()
	<-h.gw.submitStarted

	if err := h.machine.Finalize(h.ctx, model.ReasonTimeout); !errors.Is(err, ErrFinalizeInProgress) {
		t.Fatalf("second Finalize err = %v", err)
	}
	if !h.machine.Submitting() {
		t.Fatal("Submitting() = false during submission")
	}
	if err := h.machine.SaveAnswer(h.ctx, "q1", "4"); !errors.Is(err, answer.ErrSubmitting) {
		t.Fatalf("SaveAnswer during submission err = %v", err)
	}
	h.machine.tick(h.ctx)
	h.requirePhase(t, model.PhaseFinalizing)

	h.gw.set(func(g *fakeGateway) {
		close(g.submitBlock)
		g.submitBlock = nil
	})
	if err := <-first; err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.machine.Finalize(h.ctx, model.ReasonNormal); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Finalize after success err = %v", err)
	}
	subs := h.gw.submitted()
	if len(subs) != 1 || subs[0].Reason != model.ReasonNormal {
		t.Fatalf("submissions = %+v", subs)
	}
}

func TestSubmitFailureRevertsToLiveAndRetries(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, 120)
	h.gw.set(func(g *fakeGateway) { g.submitErr = errors.New("offline") })

	if err := h.machine.Submit(h.ctx); err == nil {
		t.Fatal("expected submit error")
	}
	snap := h.machine.Snapshot()
	if snap.Phase != model.PhaseLive || snap.IsSubmitting {
		t.Fatalf("after failure: %+v", snap)
	}
	if len(snap.Notices) != 1 || snap.Notices[0].Kind != NoticeSubmitFailed || !snap.Notices[0].Blocking {
		t.Fatalf("notices = %+v", snap.Notices)
	}

	h.gw.set(func(g *fakeGateway) { g.submitErr = nil })
	if err := h.machine.Submit(h.ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	snap = h.machine.Snapshot()
	if snap.Phase != model.PhaseEnded || len(snap.Notices) != 0 {
		t.Fatalf("after retry: %+v", snap)
	}
	if n := len(h.gw.submitted()); n != 2 {
		t.Fatalf("submit attempts = %d, want 2", n)
	}
}

func TestTimeoutSubmitFailureRetriesOnNextTick(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, 1)
	h.gw.set(func(g *fakeGateway) { g.submitErr = errors.New("offline") })

	h.machine.tick(h.ctx)
	h.machine.Wait()
	h.requirePhase(t, model.PhaseLive)

	h.gw.set(func(g *fakeGateway) { g.submitErr = nil })
	h.machine.tick(h.ctx)
	h.machine.Wait()

	h.requirePhase(t, model.PhaseEnded)
	subs := h.gw.submitted()
	if len(subs) != 2 || subs[1].Reason != model.ReasonTimeout {
		t.Fatalf("submissions = %+v", subs)
	}
}

func TestZeroReachedDuringFailedSubmitStillTimesOut(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, 20)
	h.gw.set(func(g *fakeGateway) {
		g.submitBlock = make(chan struct{})
		g.submitErr = errors.New("offline")
	})

	submitted := make(chan error, 1)
	go func() { submitted <- h.machine.Submit(h.ctx) }()
	<-h.gw.submitStarted

	// The server end time has already passed; the zero trigger fires while
	// the manual submission holds the lock and is ignored.
	if !h.machine.sync.Reconcile(h.clock.Now()) {
		t.Fatal("expected the countdown to snap to the server end time")
	}
	h.requirePhase(t, model.PhaseFinalizing)

	h.gw.set(func(g *fakeGateway) {
		close(g.submitBlock)
		g.submitBlock = nil
		g.submitErr = nil
	})
	if err := <-submitted; err == nil {
		t.Fatal("expected the manual submission to fail")
	}
	h.requirePhase(t, model.PhaseLive)

	h.machine.tick(h.ctx)
	h.machine.Wait()

	h.requirePhase(t, model.PhaseEnded)
	subs := h.gw.submitted()
	if len(subs) != 2 || subs[0].Reason != model.ReasonNormal || subs[1].Reason != model.ReasonTimeout {
		t.Fatalf("submissions = %+v", subs)
	}
}

func TestSaveAnswer(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, 120)

	if err := h.machine.SaveAnswer(h.ctx, "q1", "4"); err != nil {
		t.Fatalf("SaveAnswer: %v", err)
	}
	if err := h.machine.SaveAnswer(h.ctx, "nope", "x"); !errors.Is(err, ErrUnknownQuestion) {
		t.Fatalf("unknown question err = %v", err)
	}
	qs, _ := h.machine.Questions()
	if qs[0].WorkingAnswer != "4" {
		t.Fatalf("working answer = %q", qs[0].WorkingAnswer)
	}
	h.gw.mu.Lock()
	defer h.gw.mu.Unlock()
	if h.gw.saves["q1"] != "4" {
		t.Fatalf("server saves = %v", h.gw.saves)
	}
}

func TestSaveBeforeLiveIsRefused(t *testing.T) {
	h := newHarness(t)
	h.toWaiting(t)
	if err := h.machine.SaveAnswer(h.ctx, "q1", "4"); !errors.Is(err, ErrNotLive) {
		t.Fatalf("err = %v, want ErrNotLive", err)
	}
}

func TestRegisterRefusedWhileLive(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, 120)
	if err := h.machine.Register(h.ctx, "p-2"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("err = %v, want ErrSessionActive", err)
	}
}

func TestExitViewRequiresFinishedSession(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, 120)
	if _, err := h.machine.ExitView(); !errors.Is(err, ErrNotFinished) {
		t.Fatalf("err = %v, want ErrNotFinished", err)
	}
}

func TestFinishedSessionNeverReentersLive(t *testing.T) {
	h := newHarness(t)
	h.goLive(t, 120)
	if err := h.machine.Submit(h.ctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.machine.Close()

	// Reload with the same persisted state.
	h.machine = h.newMachine(t)
	h.requirePhase(t, model.PhaseEnded)
	h.machine.pollStatus(h.ctx)
	h.machine.ConfirmFullscreen()
	h.requirePhase(t, model.PhaseEnded)
	if _, err := h.machine.ExitView(); err != nil {
		t.Fatalf("ExitView: %v", err)
	}

	// A new registration starts over.
	if err := h.machine.Register(h.ctx, "p-2"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.requirePhase(t, model.PhaseAwaitingFullscreen)
}

func TestResumedSessionSkipsCountdown(t *testing.T) {
	h := newHarness(t)
	state := store.NewLocalState(h.kv, "test")
	if err := state.Register(h.ctx, "p-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := state.MarkStarted(h.ctx); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	h.machine.Close()
	h.machine = h.newMachine(t)

	h.requirePhase(t, model.PhaseAwaitingFullscreen)
	h.machine.ConfirmFullscreen()
	h.gw.set(func(g *fakeGateway) { g.status.Phase = model.ExamLive })
	h.machine.pollStatus(h.ctx)

	snap := h.machine.Snapshot()
	if snap.Phase != model.PhaseCountdown || !snap.AwaitingFullscreen || snap.CountdownLeft != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	h.machine.ConfirmFullscreen()
	h.machine.Wait()
	h.requirePhase(t, model.PhaseLive)
}

func TestObserversReceiveSnapshots(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var phases []model.Phase
	stop := h.machine.Observe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, s.Phase)
	})
	h.toWaiting(t)
	stop()
	h.machine.pollStatus(h.ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(phases) != 2 || phases[0] != model.PhaseAwaitingFullscreen || phases[1] != model.PhaseWaiting {
		t.Fatalf("observed %v", phases)
	}
}

func TestDismissNotice(t *testing.T) {
	h := newHarness(t)
	h.toWaiting(t)
	h.gw.set(func(g *fakeGateway) { g.statusErr = errors.New("offline") })
	h.machine.pollStatus(h.ctx)

	id := h.machine.Snapshot().Notices[0].ID
	if !h.machine.DismissNotice(id) {
		t.Fatal("DismissNotice returned false")
	}
	if h.machine.DismissNotice(id) {
		t.Fatal("notice dismissed twice")
	}
}
