package daemon

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ldaptools/ldap-distd/internal/helper"
	"github.com/ldaptools/ldap-distd/internal/ldapclient"
)

// State describes where the daemon is in its lifecycle.
type State int32

const (
	// StateIdle accepts controller registration; nothing is scheduled.
	StateIdle State = iota
	// StateRunning has one periodic task per controller.
	StateRunning
	// StateStopping fires no new ticks and drains in-flight ones.
	StateStopping
	// StateTerminated is final; the completion channel has been resolved.
	StateTerminated
)

// String returns the lowercase state name used in logs and the status API.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "terminated"
	}
}

// task is the handle for one controller's periodic goroutine.
type task struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func (t *task) cancel() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Context owns a set of helper controllers, their periodic tasks and the
// shared LDAP client. Controllers run in their own goroutines; the client
// is serialized behind a mutex because an LDAP session carries one
// request/response exchange at a time.
type Context struct {
	client ldapclient.Client

	mu          sync.Mutex
	controllers map[string]*helper.Controller
	tasks       map[string]*task
	stopping    bool
	failure     error

	state atomic.Int32

	wg          sync.WaitGroup
	completion  chan error
	resolveOnce sync.Once
	drainOnce   sync.Once
}

// serialClient serializes every operation on the shared connection.
type serialClient struct {
	mu    sync.Mutex
	inner ldapclient.Client
}

func (s *serialClient) SimpleBind(dn, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inner.SimpleBind(dn, password)
}

func (s *serialClient) SASLGssapiBind(authzID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inner.SASLGssapiBind(authzID)
}

func (s *serialClient) Search(baseDN string, scope ldapclient.Scope, filter string, attributes []string) ([]*ldapclient.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inner.Search(baseDN, scope, filter, attributes)
}

func (s *serialClient) Compare(dn, attribute, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inner.Compare(dn, attribute, value)
}

func (s *serialClient) Modify(mod *ldapclient.Modification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inner.Modify(mod)
}

func (s *serialClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inner.Close()
}

// New builds an idle daemon context around a connected LDAP client.
func New(client ldapclient.Client) *Context {
	return &Context{
		client:      &serialClient{inner: client},
		controllers: make(map[string]*helper.Controller),
		tasks:       make(map[string]*task),
		completion:  make(chan error, 1),
	}
}

// State returns the current lifecycle state.
func (d *Context) State() State {
	return State(d.state.Load())
}

// Controllers returns the registered controllers, sorted by name. Used by
// Run and the status listener.
func (d *Context) Controllers() []*helper.Controller {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctrls := make([]*helper.Controller, 0, len(d.controllers))
	for _, c := range d.controllers {
		ctrls = append(ctrls, c)
	}
	sort.Slice(ctrls, func(i, j int) bool { return ctrls[i].Name < ctrls[j].Name })

	return ctrls
}

// AddHelper registers a controller under its name. Reusing a name
// overwrites the prior controller and discards its scheduled task.
func (d *Context) AddHelper(ctrl *helper.Controller) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.tasks[ctrl.Name]; ok {
		t.cancel()
		delete(d.tasks, ctrl.Name)
	}

	d.controllers[ctrl.Name] = ctrl
}

// RemoveHelper stops the named controller's task, if scheduled, and
// forgets the controller.
func (d *Context) RemoveHelper(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.tasks[name]; ok {
		t.cancel()
		delete(d.tasks, name)
	}

	delete(d.controllers, name)
}

// Start schedules one periodic task per registered controller and returns
// the completion channel. The channel delivers exactly one value when the
// daemon reaches its terminal state: nil after a clean Stop, or the first
// fatal error when a controller's pass failed fatally.
func (d *Context) Start() <-chan error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if State(d.state.Load()) != StateIdle {
		return d.completion
	}

	d.state.Store(int32(StateRunning))
	d.stopping = false

	for name, ctrl := range d.controllers {
		t := &task{stop: make(chan struct{})}
		d.tasks[name] = t
		d.wg.Add(1)
		go d.runTask(name, ctrl.Interval, t)
	}

	log.Info().Int("controllers", len(d.controllers)).Msg("daemon started")

	return d.completion
}

// Run invokes every registered controller exactly once, synchronously and
// in name order. It returns the first fatal error, leaving the daemon
// usable for a later Start.
func (d *Context) Run() error {
	for _, ctrl := range d.Controllers() {
		if err := d.invoke(ctrl.Name); err != nil {
			return err
		}
	}

	return nil
}

// Stop requests shutdown: no new ticks fire, in-flight ticks drain, then
// the completion channel resolves. Safe to call more than once.
func (d *Context) Stop() {
	d.mu.Lock()
	if State(d.state.Load()) == StateIdle {
		d.state.Store(int32(StateTerminated))
		d.mu.Unlock()
		d.resolve()

		return
	}

	d.stopping = true
	d.state.Store(int32(StateStopping))
	for name, t := range d.tasks {
		t.cancel()
		delete(d.tasks, name)
	}
	d.mu.Unlock()

	d.drainAndResolve()
}

// runTask is one controller's periodic loop. An interval of zero runs the
// controller once and retires the task. Ticks never overlap: the loop
// blocks in invoke, and ticker fires that land mid-pass coalesce so the
// next pass begins right after the current one completes, without
// catching up on missed ticks.
func (d *Context) runTask(name string, interval time.Duration, t *task) {
	defer d.wg.Done()
	defer d.retireTask(name, t)

	if interval == 0 {
		if err := d.invoke(name); err != nil {
			d.fail(err)
		}

		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if err := d.invoke(name); err != nil {
				d.fail(err)

				return
			}
		}
	}
}

// invoke runs one pass of the named controller, translating panics into
// fatal errors so a broken helper cannot take the process down without
// reporting through the completion channel.
func (d *Context) invoke(name string) (err error) {
	d.mu.Lock()
	ctrl, ok := d.controllers[name]
	stopping := d.stopping
	d.mu.Unlock()

	if !ok || stopping {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("helper %q panicked: %v", name, r)
		}
	}()

	return ctrl.Work(d.client)
}

// retireTask forgets the task handle once its goroutine exits, unless the
// name has already been taken over by a newer task.
func (d *Context) retireTask(name string, t *task) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if current, ok := d.tasks[name]; ok && current == t {
		delete(d.tasks, name)
	}
}

// fail records the first fatal error and initiates shutdown.
func (d *Context) fail(err error) {
	d.mu.Lock()
	if d.failure == nil {
		d.failure = err
	}
	d.stopping = true
	d.state.Store(int32(StateStopping))
	for name, t := range d.tasks {
		t.cancel()
		delete(d.tasks, name)
	}
	d.mu.Unlock()

	log.Error().Err(err).Msg("fatal helper error, daemon stopping")

	d.drainAndResolve()
}

// drainAndResolve waits for in-flight ticks from a separate goroutine
// (Stop and fail may be called from within a task) and then resolves the
// completion channel exactly once.
func (d *Context) drainAndResolve() {
	d.drainOnce.Do(func() {
		go func() {
			d.wg.Wait()
			d.resolve()
		}()
	})
}

func (d *Context) resolve() {
	d.resolveOnce.Do(func() {
		d.mu.Lock()
		failure := d.failure
		d.mu.Unlock()

		d.state.Store(int32(StateTerminated))
		d.completion <- failure
		close(d.completion)

		if failure == nil {
			log.Info().Msg("daemon stopped")
		}
	})
}
