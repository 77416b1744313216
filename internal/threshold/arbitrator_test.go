package threshold

import (
	"errors"
	"testing"

	"github.com/memwatch/memwatch/internal/provider"
)

const (
	testPool    = "heap"
	testInitial = int64(900)
)

// newTestCoordinator builds a coordinator over a single-pool fake provider:
// pool max 1000, initial usage threshold 900, initial collection threshold 0.
func newTestCoordinator(t *testing.T) (*Coordinator, *fakeProvider) {
	t.Helper()
	f := newFakeProvider(2000)
	f.addPool(testPool, provider.MemoryUsage{Used: 400, Committed: 800, Max: 1000}, true, true, testInitial, 0)
	c := New(f, Options{})
	t.Cleanup(c.Close)
	return c, f
}

func register(t *testing.T, c *Coordinator) *Handle {
	t.Helper()
	h, err := c.RegisterListener(&recordingListener{}, nil, nil)
	if err != nil {
		t.Fatalf("RegisterListener: %v", err)
	}
	return h
}

func TestLowestPercentageWins(t *testing.T) {
	tests := []struct {
		name  string
		first int
		then  int
	}{
		{"ascending", 50, 80},
		{"descending", 80, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, f := newTestCoordinator(t)
			h1 := register(t, c)
			h2 := register(t, c)

			if err := h1.SetUsageThreshold(tt.first); err != nil {
				t.Fatalf("first set: %v", err)
			}
			if err := h2.SetUsageThreshold(tt.then); err != nil {
				t.Fatalf("second set: %v", err)
			}

			// 50% of pool max 1000
			if got := f.installedUsage(testPool); got != 500 {
				t.Errorf("installed threshold = %d, want 500", got)
			}
		})
	}
}

func TestCloseRevertsToNextLowestThenInitial(t *testing.T) {
	c, f := newTestCoordinator(t)
	h1 := register(t, c)
	h2 := register(t, c)

	h1.SetUsageThreshold(80)
	h2.SetUsageThreshold(50)
	if got := f.installedUsage(testPool); got != 500 {
		t.Fatalf("installed = %d, want 500", got)
	}

	h2.Close()
	if got := f.installedUsage(testPool); got != 800 {
		t.Errorf("after closing minimum holder: installed = %d, want 800", got)
	}

	h1.Close()
	if got := f.installedUsage(testPool); got != testInitial {
		t.Errorf("after closing last holder: installed = %d, want initial %d", got, testInitial)
	}
}

func TestRaisingOwnRequestFollowsNewMinimum(t *testing.T) {
	c, f := newTestCoordinator(t)
	h1 := register(t, c)
	h2 := register(t, c)

	h1.SetUsageThreshold(50)
	h2.SetUsageThreshold(80)
	if got := f.installedUsage(testPool); got != 500 {
		t.Fatalf("installed = %d, want 500", got)
	}

	// The minimum holder weakens its own request: the next-lowest active
	// request becomes the installed value.
	if err := h1.SetUsageThreshold(90); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if got := f.installedUsage(testPool); got != 800 {
		t.Errorf("installed = %d, want 800 (lowest active is 80%%)", got)
	}

	// And symmetrically back down.
	if err := h1.SetUsageThreshold(40); err != nil {
		t.Fatalf("lower: %v", err)
	}
	if got := f.installedUsage(testPool); got != 400 {
		t.Errorf("installed = %d, want 400", got)
	}
}

func TestRaisingSoleRequestFollowsIt(t *testing.T) {
	c, f := newTestCoordinator(t)
	h := register(t, c)

	h.SetUsageThreshold(50)
	h.SetUsageThreshold(80)
	if got := f.installedUsage(testPool); got != 800 {
		t.Errorf("installed = %d, want 800 after the only request moved up", got)
	}
}

func TestPercentageOver100Rejected(t *testing.T) {
	c, f := newTestCoordinator(t)
	h := register(t, c)
	h.SetUsageThreshold(80)

	err := h.SetUsageThreshold(101)
	if !errors.Is(err, ErrPercentageRange) {
		t.Fatalf("err = %v, want ErrPercentageRange", err)
	}

	// No state change: the 80% request survives.
	if got := f.installedUsage(testPool); got != 800 {
		t.Errorf("installed = %d, want 800 (unchanged)", got)
	}
	infos := c.Registrations()
	if len(infos) != 1 || infos[0].UsagePercent != 80 {
		t.Errorf("registration state mutated: %+v", infos)
	}
}

func TestZeroDisables(t *testing.T) {
	c, f := newTestCoordinator(t)
	h1 := register(t, c)
	h2 := register(t, c)

	h1.SetUsageThreshold(50)
	h2.SetUsageThreshold(80)

	// Others still active: lowest remaining wins.
	h1.SetUsageThreshold(0)
	if got := f.installedUsage(testPool); got != 800 {
		t.Fatalf("installed = %d, want 800", got)
	}

	// Nobody left: explicit off.
	h2.SetUsageThreshold(0)
	if got := f.installedUsage(testPool); got != 0 {
		t.Errorf("installed = %d, want 0 (off)", got)
	}
}

func TestNegativeResets(t *testing.T) {
	c, f := newTestCoordinator(t)
	h := register(t, c)

	h.SetUsageThreshold(50)
	if got := f.installedUsage(testPool); got != 500 {
		t.Fatalf("installed = %d, want 500", got)
	}

	if err := h.SetUsageThreshold(-1); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := f.installedUsage(testPool); got != testInitial {
		t.Errorf("installed = %d, want initial %d", got, testInitial)
	}
}

func TestEqualPercentagesCoexist(t *testing.T) {
	c, f := newTestCoordinator(t)
	h1 := register(t, c)
	h2 := register(t, c)

	h1.SetUsageThreshold(50)
	h2.SetUsageThreshold(50)

	h1.Close()
	if got := f.installedUsage(testPool); got != 500 {
		t.Errorf("installed = %d, want 500 (h2 still holds 50%%)", got)
	}
}

func TestUnmanagedSubordinateToManaged(t *testing.T) {
	c, f := newTestCoordinator(t)

	if err := c.SetUsageThreshold(30); err != nil {
		t.Fatalf("unmanaged set: %v", err)
	}
	if got := f.installedUsage(testPool); got != 300 {
		t.Fatalf("installed = %d, want 300", got)
	}

	// A managed request takes over even at a higher percentage.
	h := register(t, c)
	h.SetUsageThreshold(50)
	if got := f.installedUsage(testPool); got != 500 {
		t.Errorf("installed = %d, want 500 (managed wins)", got)
	}

	// While a managed request is active, unmanaged changes are recorded
	// but not installed.
	if err := c.SetUsageThreshold(10); err != nil {
		t.Fatalf("unmanaged set: %v", err)
	}
	if got := f.installedUsage(testPool); got != 500 {
		t.Errorf("installed = %d, want 500 (unmanaged subordinate)", got)
	}

	// Last managed request gone: unmanaged reasserts.
	h.Close()
	if got := f.installedUsage(testPool); got != 100 {
		t.Errorf("installed = %d, want 100 (unmanaged reasserts)", got)
	}
}

func TestManagedDisableOverridesUnmanaged(t *testing.T) {
	c, f := newTestCoordinator(t)
	if err := c.SetUsageThreshold(30); err != nil {
		t.Fatalf("unmanaged set: %v", err)
	}

	// A managed disable is an affirmative off: it wins over the recorded
	// unmanaged percentage.
	h := register(t, c)
	h.SetUsageThreshold(0)
	if got := f.installedUsage(testPool); got != 0 {
		t.Fatalf("installed = %d, want 0 (explicit off)", got)
	}

	// The disabling registration holds no request, so closing it changes
	// nothing; the unmanaged percentage reasserts only on the next
	// arbitration change for the kind.
	h.Close()
	if got := f.installedUsage(testPool); got != 0 {
		t.Errorf("installed = %d, want 0 after close", got)
	}
}

func TestUnmanagedOver100Rejected(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if err := c.SetCollectionThreshold(150); !errors.Is(err, ErrPercentageRange) {
		t.Errorf("err = %v, want ErrPercentageRange", err)
	}
}

func TestUnknownMaxFallsBackToProcessMax(t *testing.T) {
	f := newFakeProvider(2000)
	f.addPool("stack", provider.MemoryUsage{Used: 100, Committed: 200, Max: -1}, true, false, 0, -1)
	c := New(f, Options{})
	defer c.Close()

	h, err := c.RegisterListener(&recordingListener{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	h.SetUsageThreshold(50)

	// 50% of process max 2000
	if got := f.installedUsage("stack"); got != 1000 {
		t.Errorf("installed = %d, want 1000", got)
	}
}

func TestAbsoluteValueRoundsUp(t *testing.T) {
	f := newFakeProvider(0)
	f.addPool(testPool, provider.MemoryUsage{Used: 1, Max: 999}, true, false, 0, -1)
	c := New(f, Options{})
	defer c.Close()

	h, _ := c.RegisterListener(&recordingListener{}, nil, nil)
	h.SetUsageThreshold(33)

	// ceil(999 * 33 / 100) = ceil(329.67) = 330
	if got := f.installedUsage(testPool); got != 330 {
		t.Errorf("installed = %d, want 330", got)
	}
}

func TestPushFailureOnOnePoolContinues(t *testing.T) {
	f := newFakeProvider(0)
	f.addPool("a", provider.MemoryUsage{Used: 1, Max: 1000}, true, false, 0, -1)
	f.addPool("b", provider.MemoryUsage{Used: 1, Max: 1000}, true, false, 0, -1)
	f.setErr["a"] = errors.New("pool a unavailable")
	c := New(f, Options{})
	defer c.Close()

	h, _ := c.RegisterListener(&recordingListener{}, nil, nil)
	if err := h.SetUsageThreshold(50); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Partial application: b got the value despite a failing.
	if got := f.installedUsage("b"); got != 500 {
		t.Errorf("pool b installed = %d, want 500", got)
	}
}

func TestSetOnClosedHandleRejected(t *testing.T) {
	c, _ := newTestCoordinator(t)
	h := register(t, c)
	h.Close()

	if err := h.SetUsageThreshold(50); !errors.Is(err, ErrRegistrationClosed) {
		t.Errorf("err = %v, want ErrRegistrationClosed", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, f := newTestCoordinator(t)
	h := register(t, c)
	h.SetUsageThreshold(50)

	h.Close()
	if !h.IsClosed() {
		t.Fatal("IsClosed() = false after Close")
	}
	first := f.installedUsage(testPool)

	h.Close() // second call: no effect, no panic
	if got := f.installedUsage(testPool); got != first {
		t.Errorf("second Close changed installed threshold: %d -> %d", first, got)
	}
	if got := len(c.Registrations()); got != 0 {
		t.Errorf("registrations = %d, want 0", got)
	}
}

func TestKindsArbitrateIndependently(t *testing.T) {
	c, f := newTestCoordinator(t)
	h := register(t, c)

	h.SetUsageThreshold(50)
	h.SetCollectionThreshold(20)

	if got := f.installedUsage(testPool); got != 500 {
		t.Errorf("usage installed = %d, want 500", got)
	}
	if got, _ := f.Threshold(testPool, provider.Collection); got != 200 {
		t.Errorf("collection installed = %d, want 200", got)
	}
}
