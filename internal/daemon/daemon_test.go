package daemon_test

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ldaptools/ldap-distd/internal/daemon"
	"github.com/ldaptools/ldap-distd/internal/helper"
	"github.com/ldaptools/ldap-distd/internal/ldapclient"
)

// stubClient serves one canned entry; good enough to drive controllers.
type stubClient struct {
	mu       sync.Mutex
	searches int
}

func (s *stubClient) SimpleBind(dn, password string) error { return nil }
func (s *stubClient) SASLGssapiBind(authzID string) error  { return nil }
func (s *stubClient) Modify(mod *ldapclient.Modification) error {
	return nil
}
func (s *stubClient) Close() error { return nil }

func (s *stubClient) Compare(dn, attribute, value string) (bool, error) {
	return false, nil
}

func (s *stubClient) Search(baseDN string, scope ldapclient.Scope, filter string, attributes []string) ([]*ldapclient.Entry, error) {
	s.mu.Lock()
	s.searches++
	s.mu.Unlock()

	return []*ldapclient.Entry{{
		DN: "uid=john,ou=People,dc=example,dc=com",
		Attributes: map[string][]string{
			"uid":             {"john"},
			"modifyTimestamp": {"20200101000000Z"},
		},
	}}, nil
}

func (s *stubClient) searchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.searches
}

// countingHelper counts Work calls and fails on demand.
type countingHelper struct {
	works   *atomic.Int64
	workErr error
}

func (h *countingHelper) Attributes() []string { return []string{"uid"} }

func (h *countingHelper) ParseOptions(options map[string]string) (helper.Context, error) {
	return struct{}{}, nil
}

func (h *countingHelper) Work(ctx helper.Context, entry *ldapclient.Entry, modified bool) error {
	h.works.Add(1)

	return h.workErr
}

func (h *countingHelper) Finish() error { return nil }

var registerSeq atomic.Int64

func newController(t *testing.T, name string, interval time.Duration, workErr error) (*helper.Controller, *atomic.Int64) {
	t.Helper()

	works := &atomic.Int64{}
	id := fmt.Sprintf("daemon-mock-%d", registerSeq.Add(1))
	helper.Register(id, func() helper.Helper { return &countingHelper{works: works, workErr: workErr} })

	ctrl, err := helper.NewController(name, id, interval, "dc=example,dc=com", "(uid=*)", false, nil)
	require.NoError(t, err)

	return ctrl, works
}

func awaitCompletion(t *testing.T, completion <-chan error) error {
	t.Helper()

	select {
	case err := <-completion:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("completion channel never resolved")

		return nil
	}
}

func TestRunInvokesEveryControllerOnce(t *testing.T) {
	client := &stubClient{}
	d := daemon.New(client)

	ctrlA, worksA := newController(t, "alpha", time.Hour, nil)
	ctrlB, worksB := newController(t, "beta", time.Hour, nil)
	d.AddHelper(ctrlA)
	d.AddHelper(ctrlB)

	require.NoError(t, d.Run())

	assert.Equal(t, int64(1), worksA.Load())
	assert.Equal(t, int64(1), worksB.Load())
	assert.Equal(t, daemon.StateIdle, d.State())
}

func TestIntervalZeroRunsOnce(t *testing.T) {
	client := &stubClient{}
	d := daemon.New(client)

	ctrl, works := newController(t, "once", 0, nil)
	d.AddHelper(ctrl)

	completion := d.Start()
	assert.Equal(t, daemon.StateRunning, d.State())

	// The task retires after one run; the daemon keeps running until
	// stopped.
	assert.Eventually(t, func() bool { return works.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), works.Load())

	d.Stop()
	require.NoError(t, awaitCompletion(t, completion))
	assert.Equal(t, daemon.StateTerminated, d.State())
}

func TestPeriodicTicks(t *testing.T) {
	client := &stubClient{}
	d := daemon.New(client)

	ctrl, works := newController(t, "ticker", 20*time.Millisecond, nil)
	d.AddHelper(ctrl)

	completion := d.Start()

	assert.Eventually(t, func() bool { return works.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	d.Stop()
	require.NoError(t, awaitCompletion(t, completion))
}

func TestStopWithoutControllers(t *testing.T) {
	d := daemon.New(&stubClient{})

	completion := d.Start()
	d.Stop()

	require.NoError(t, awaitCompletion(t, completion))
	assert.Equal(t, daemon.StateTerminated, d.State())
}

func TestFatalErrorSurfacesViaCompletion(t *testing.T) {
	client := &stubClient{}
	d := daemon.New(client)

	fatal := errors.New("wires crossed")
	ctrl, _ := newController(t, "broken", 10*time.Millisecond, fatal)
	d.AddHelper(ctrl)

	completion := d.Start()

	err := awaitCompletion(t, completion)
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, daemon.StateTerminated, d.State())
}

func TestHelperErrorDoesNotStopDaemon(t *testing.T) {
	client := &stubClient{}
	d := daemon.New(client)

	ctrl, works := newController(t, "flaky", 10*time.Millisecond, helper.Errorf("recoverable"))
	d.AddHelper(ctrl)

	completion := d.Start()

	assert.Eventually(t, func() bool { return works.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, daemon.StateRunning, d.State())

	d.Stop()
	require.NoError(t, awaitCompletion(t, completion))
}

func TestAddHelperOverwritesByName(t *testing.T) {
	d := daemon.New(&stubClient{})

	first, _ := newController(t, "shared", time.Hour, nil)
	second, _ := newController(t, "shared", time.Hour, nil)
	d.AddHelper(first)
	d.AddHelper(second)

	ctrls := d.Controllers()
	require.Len(t, ctrls, 1)
	assert.Same(t, second, ctrls[0])
}

func TestRemoveHelper(t *testing.T) {
	d := daemon.New(&stubClient{})

	ctrl, works := newController(t, "gone", 10*time.Millisecond, nil)
	d.AddHelper(ctrl)

	completion := d.Start()

	assert.Eventually(t, func() bool { return works.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	d.RemoveHelper("gone")
	assert.Empty(t, d.Controllers())

	count := works.Load()
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, works.Load(), count+1)

	d.Stop()
	require.NoError(t, awaitCompletion(t, completion))
}

func TestCompletionResolvesExactlyOnce(t *testing.T) {
	d := daemon.New(&stubClient{})

	ctrl, _ := newController(t, "solo", 10*time.Millisecond, nil)
	d.AddHelper(ctrl)

	completion := d.Start()
	d.Stop()
	d.Stop()

	require.NoError(t, awaitCompletion(t, completion))

	// The channel is closed after its single value.
	_, open := <-completion
	assert.False(t, open)
}
