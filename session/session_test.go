package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/wirekit/correlation"
	"github.com/vinayprograms/wirekit/protocol"
)

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	corr, err := correlation.NewManager(correlation.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { corr.Close() })

	c, err := NewCoordinator(cfg, corr, nil)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if err := (Config{IdleTimeout: -1}).Validate(); err == nil {
		t.Error("negative IdleTimeout accepted")
	}
	if err := (Config{IdleTimeout: time.Minute}).Validate(); err == nil {
		t.Error("IdleTimeout without SweepInterval accepted")
	}
	if err := (Config{MaxSessions: -1}).Validate(); err == nil {
		t.Error("negative MaxSessions accepted")
	}
}

func TestRegisterSession(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	in, err := c.RegisterSession("s1")
	if err != nil {
		t.Fatalf("RegisterSession() error = %v", err)
	}
	if in.SessionID() != "s1" {
		t.Errorf("SessionID() = %q, want s1", in.SessionID())
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}

	if _, err := c.RegisterSession("s1"); err != ErrSessionExists {
		t.Errorf("duplicate register = %v, want ErrSessionExists", err)
	}
	if _, err := c.RegisterSession(""); err != ErrInvalidID {
		t.Errorf("empty id register = %v, want ErrInvalidID", err)
	}
}

func TestRegisterSession_Capacity(t *testing.T) {
	c := newTestCoordinator(t, Config{MaxSessions: 2})

	c.RegisterSession("a")
	c.RegisterSession("b")
	if _, err := c.RegisterSession("c"); err != ErrCapacityExceeded {
		t.Fatalf("third register = %v, want ErrCapacityExceeded", err)
	}

	// Completing one frees the slot.
	c.CompleteSession("a")
	if _, err := c.RegisterSession("c"); err != nil {
		t.Fatalf("register after completion = %v", err)
	}
}

func TestAwaitReply_Dispatch(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	c.RegisterSession("s1")

	resp, _ := protocol.NewResponse(1, map[string]string{"ok": "yes"})

	type result struct {
		msg *protocol.Message
		err error
	}
	got := make(chan result, 1)
	go func() {
		msg, err := c.AwaitReply(context.Background(), "s1")
		got <- result{msg, err}
	}()

	// Give the waiter time to park.
	deadline := time.Now().Add(time.Second)
	for {
		if err := c.Dispatch("s1", resp); err == nil {
			break
		} else if err != ErrNoWaiter {
			t.Fatalf("Dispatch() error = %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("waiter never registered")
		}
		time.Sleep(time.Millisecond)
	}

	r := <-got
	if r.err != nil {
		t.Fatalf("AwaitReply() error = %v", r.err)
	}
	if !r.msg.IsResponse() {
		t.Errorf("expected response, got %+v", r.msg)
	}
}

func TestAwaitReply_SecondWaiterBusy(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	c.RegisterSession("s1")

	parked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithCancel(context.Background())
		close(parked)
		defer cancel()
		c.AwaitReply(ctx, "s1")
	}()
	<-parked

	// Poll until the first waiter is actually registered.
	deadline := time.Now().Add(time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		_, err := c.AwaitReply(ctx, "s1")
		cancel()
		if err == ErrSessionBusy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second waiter error = %v, want ErrSessionBusy", err)
		}
	}

	resp, _ := protocol.NewResponse(1, nil)
	c.Dispatch("s1", resp)
	<-done
}

func TestAwaitReplyFor_RequiresPipelining(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	c.RegisterSession("s1")

	if _, err := c.AwaitReplyFor(context.Background(), "s1", "req-1"); err != ErrSessionBusy {
		t.Fatalf("AwaitReplyFor without pipelining = %v, want ErrSessionBusy", err)
	}
}

func TestAwaitReplyFor_RoutesByRequestID(t *testing.T) {
	c := newTestCoordinator(t, Config{AllowPipelining: true})
	c.RegisterSession("s1")

	respA, _ := protocol.NewResponse("req-a", map[string]string{"for": "a"})
	respB, _ := protocol.NewResponse("req-b", map[string]string{"for": "b"})

	var wg sync.WaitGroup
	results := make(map[string]*protocol.Message, 2)
	var mu sync.Mutex

	for _, id := range []string{"req-a", "req-b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			msg, err := c.AwaitReplyFor(context.Background(), "s1", id)
			if err != nil {
				t.Errorf("AwaitReplyFor(%s) error = %v", id, err)
				return
			}
			mu.Lock()
			results[id] = msg
			mu.Unlock()
		}(id)
	}

	// Dispatch in reverse order once both waiters are parked.
	deadline := time.Now().Add(time.Second)
	for _, resp := range []*protocol.Message{respB, respA} {
		for {
			if err := c.Dispatch("s1", resp); err == nil {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("waiters never registered")
			}
			time.Sleep(time.Millisecond)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	var bodyA map[string]string
	if err := results["req-a"].UnmarshalResult(&bodyA); err != nil || bodyA["for"] != "a" {
		t.Errorf("req-a got %v (err %v), want for=a", bodyA, err)
	}
	var bodyB map[string]string
	if err := results["req-b"].UnmarshalResult(&bodyB); err != nil || bodyB["for"] != "b" {
		t.Errorf("req-b got %v (err %v), want for=b", bodyB, err)
	}
}

func TestDispatch_Errors(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	resp, _ := protocol.NewResponse(1, nil)

	if err := c.Dispatch("ghost", resp); err != ErrSessionNotFound {
		t.Errorf("unknown session = %v, want ErrSessionNotFound", err)
	}

	c.RegisterSession("s1")
	if err := c.Dispatch("s1", resp); err != ErrNoWaiter {
		t.Errorf("no waiter = %v, want ErrNoWaiter", err)
	}
}

func TestCompleteSession_CancelsCorrelations(t *testing.T) {
	corr, err := correlation.NewManager(correlation.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer corr.Close()

	c, err := NewCoordinator(Config{}, corr, nil)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	defer c.Close()

	c.RegisterSession("s1")
	c.RegisterSession("s2")

	p1, _ := corr.Register("req-1", "s1", time.Minute)
	p2, _ := corr.Register("req-2", "s2", time.Minute)

	if err := c.CompleteSession("s1"); err != nil {
		t.Fatalf("CompleteSession() error = %v", err)
	}

	select {
	case out := <-p1.Done():
		if out.Err != correlation.ErrConnectionClosed {
			t.Errorf("s1 pending error = %v, want ErrConnectionClosed", out.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("s1 pending not cancelled")
	}

	// The other session's correlation is untouched.
	select {
	case out := <-p2.Done():
		t.Fatalf("s2 pending resolved unexpectedly: %+v", out)
	default:
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}

	if err := c.CompleteSession("s1"); err != ErrSessionNotFound {
		t.Errorf("second completion = %v, want ErrSessionNotFound", err)
	}
}

func TestCompleteSession_FailsWaiters(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	c.RegisterSession("s1")

	errCh := make(chan error, 1)
	go func() {
		_, err := c.AwaitReply(context.Background(), "s1")
		errCh <- err
	}()

	// Wait for the waiter to park, then complete underneath it.
	deadline := time.Now().Add(time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		_, err := c.AwaitReply(ctx, "s1")
		cancel()
		if err == ErrSessionBusy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("waiter never registered")
		}
	}

	c.CompleteSession("s1")

	select {
	case err := <-errCh:
		if err != ErrSessionClosed {
			t.Errorf("waiter error = %v, want ErrSessionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}

func TestInbound_DeliverResolvesWaiter(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	in, _ := c.RegisterSession("s1")

	got := make(chan *protocol.Message, 1)
	go func() {
		msg, err := c.AwaitReply(context.Background(), "s1")
		if err != nil {
			t.Errorf("AwaitReply() error = %v", err)
			return
		}
		got <- msg
	}()

	resp, _ := protocol.NewResponse(1, nil)
	deadline := time.Now().Add(time.Second)
	for {
		in.Deliver(resp)
		select {
		case <-got:
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("delivered response never reached waiter")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInbound_DeliverNotificationIsNoop(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	in, _ := c.RegisterSession("s1")

	note, _ := protocol.NewNotification("tick", nil)
	if err := in.Deliver(note); err != nil {
		t.Fatalf("Deliver(notification) error = %v", err)
	}
}

func TestIdleMonitor_CompletesStaleSessions(t *testing.T) {
	corr, err := correlation.NewManager(correlation.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer corr.Close()

	c, err := NewCoordinator(Config{
		IdleTimeout:   50 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	}, corr, nil)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	defer c.Close()

	c.RegisterSession("stale")
	c.RegisterSession("active")
	pending, _ := corr.Register("stale-req", "stale", time.Minute)

	// Keep one session warm past the other's expiry.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.Touch("active")
		if c.Len() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after idle sweep", c.Len())
	}
	sessions := c.Sessions()
	if len(sessions) != 1 || sessions[0].ID != "active" {
		t.Errorf("surviving sessions = %+v, want [active]", sessions)
	}

	// Sweeping a session cancels its in-flight requests too.
	select {
	case out := <-pending.Done():
		if out.Err != correlation.ErrConnectionClosed {
			t.Errorf("swept pending error = %v, want ErrConnectionClosed", out.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("swept session's pending not cancelled")
	}
}

func TestRegisterSession_RacingCloseNeverOrphans(t *testing.T) {
	corr, err := correlation.NewManager(correlation.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer corr.Close()

	c, err := NewCoordinator(Config{}, corr, nil)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}

	const goroutines = 8
	const perGoroutine = 40
	start := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			<-start
			for i := 0; i < perGoroutine; i++ {
				id := fmt.Sprintf("s-%d-%d", g, i)
				if _, err := c.RegisterSession(id); err != nil &&
					err != ErrClosed && err != ErrSessionExists {
					t.Errorf("RegisterSession error = %v", err)
				}
			}
		}(g)
	}

	close(start)
	c.Close()
	wg.Wait()

	// No record may slip in after Close tore the table down.
	if got := c.Len(); got != 0 {
		t.Errorf("Len() = %d after Close, want 0", got)
	}
}

func TestClose_CompletesEverything(t *testing.T) {
	corr, _ := correlation.NewManager(correlation.DefaultConfig(), nil)
	defer corr.Close()
	c, _ := NewCoordinator(Config{}, corr, nil)

	c.RegisterSession("a")
	c.RegisterSession("b")
	p, _ := corr.Register("req-1", "a", time.Minute)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
	select {
	case out := <-p.Done():
		if out.Err != correlation.ErrConnectionClosed {
			t.Errorf("pending error = %v, want ErrConnectionClosed", out.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending not cancelled on close")
	}

	if _, err := c.RegisterSession("late"); err != ErrClosed {
		t.Errorf("register after close = %v, want ErrClosed", err)
	}
}
