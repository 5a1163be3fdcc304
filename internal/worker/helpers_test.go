package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"

	"payrun-orchestrator/internal/models"
	"payrun-orchestrator/internal/store"
	"payrun-orchestrator/internal/store/storetest"
)

var errCalc = errors.New("calculator rejected paycheck")

// scriptedCalc fails an employee for its first n calls; n < 0 fails forever.
type scriptedCalc struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func newScriptedCalc(failures map[string]int) *scriptedCalc {
	return &scriptedCalc{failures: failures, calls: map[string]int{}}
}

func (c *scriptedCalc) FinalizePaycheck(_ context.Context, _, _, employeeID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[employeeID]++
	n, ok := c.failures[employeeID]
	if ok && (n < 0 || c.calls[employeeID] <= n) {
		return fmt.Errorf("%w: %s", errCalc, employeeID)
	}
	return nil
}

func (c *scriptedCalc) callsFor(employeeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[employeeID]
}

// calcFunc adapts a function to Calculator.
type calcFunc func(ctx context.Context, employerID, payRunID, employeeID, paycheckID string) error

func (f calcFunc) FinalizePaycheck(ctx context.Context, employerID, payRunID, employeeID, paycheckID string) error {
	return f(ctx, employerID, payRunID, employeeID, paycheckID)
}

type finalizedEvent struct {
	payRunID string
	status   models.PayRunStatus
	counts   models.StatusCounts
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []finalizedEvent
}

func (n *recordingNotifier) PayRunFinalized(_ context.Context, run models.PayRun, status models.PayRunStatus, counts models.StatusCounts) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, finalizedEvent{payRunID: run.PayRunID, status: status, counts: counts})
	return nil
}

func (n *recordingNotifier) all() []finalizedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]finalizedEvent(nil), n.events...)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	store    *store.Store
	clock    *clockwork.FakeClock
	notifier *recordingNotifier
	calc     *scriptedCalc
}

func newHarness(t *testing.T, failures map[string]int) *harness {
	t.Helper()
	st, clock := storetest.New(t)
	return &harness{store: st, clock: clock, notifier: &recordingNotifier{}, calc: newScriptedCalc(failures)}
}

func (h *harness) executor(owner string, maxAttempts int) *Executor {
	return NewExecutor(ExecutorConfig{
		Store:       h.store,
		Calculator:  h.calc,
		Notifier:    h.notifier,
		Clock:       h.clock,
		Logger:      discard,
		Owner:       owner,
		MaxAttempts: maxAttempts,
	})
}
