package match

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/giongto35/cloud-session/pkg/api"
	"github.com/giongto35/cloud-session/pkg/logger"
	"github.com/giongto35/cloud-session/pkg/network/loopback"
	"github.com/giongto35/cloud-session/pkg/reliable"
	"github.com/google/go-cmp/cmp"
)

func now(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func testPolicy() reliable.Policy {
	return reliable.Policy{Limit: 3, After: now, Shutdown: &reliable.Flag{}}
}

// matchmaker answers the requests on the other side of the pair.
type matchmaker struct {
	ch  *loopback.Channel
	got chan api.Envelope
	fn  func(n int, e api.Envelope) (api.MessageId, any, bool)
	n   atomic.Int32
}

func newMatchmaker(ch *loopback.Channel, fn func(n int, e api.Envelope) (api.MessageId, any, bool)) *matchmaker {
	m := &matchmaker{ch: ch, got: make(chan api.Envelope, 16), fn: fn}
	ch.OnMessage(func(e api.Envelope) {
		n := int(m.n.Add(1))
		m.got <- e
		if m.fn == nil {
			return
		}
		if id, payload, ok := m.fn(n, e); ok {
			_ = m.ch.Send(id, e.SessionId, payload)
		}
	})
	return m
}

func (m *matchmaker) recv(t *testing.T) api.Envelope {
	t.Helper()
	select {
	case e := <-m.got:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no request")
	}
	return api.Envelope{}
}

func newClient(t *testing.T, opts ...Option) (*Client, *loopback.Channel, *reliable.Queue) {
	a, b := loopback.Pair()
	t.Cleanup(func() { _ = a.Close() })
	q := reliable.NewQueue()
	opts = append([]Option{WithPolicy(testPolicy()), WithLogger(logger.Nop()), WithTimeout(time.Second)}, opts...)
	c := New(a, q, opts...)
	a.OnMessage(c.Handle)
	return c, b, q
}

func TestMatch(t *testing.T) {
	c, b, _ := newClient(t)
	m := newMatchmaker(b, func(_ int, e api.Envelope) (api.MessageId, any, bool) {
		return api.MatchResp, api.MatchResponse{Status: api.Status{Ok: true}, RoomId: "r1", Seat: 2}, true
	})

	rs, err := c.Match(context.Background(), api.MatchRequest{UserId: "u1", Seats: 4})
	if err != nil {
		t.Fatal(err)
	}
	want := api.MatchResponse{Status: api.Status{Ok: true}, RoomId: "r1", Seat: 2}
	if diff := cmp.Diff(want, rs); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}

	e := m.recv(t)
	if e.Id != api.MatchReq || e.SessionId == "" {
		t.Errorf("unexpected request %v %q", e.Id, e.SessionId)
	}
	rq, err := api.Unwrap[api.MatchRequest](e)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(api.MatchRequest{UserId: "u1", Seats: 4}, *rq); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
	if c.Pending() != 0 {
		t.Errorf("pending %v", c.Pending())
	}
}

func TestMatchRetriesFailedStatus(t *testing.T) {
	c, b, _ := newClient(t)
	m := newMatchmaker(b, func(n int, _ api.Envelope) (api.MessageId, any, bool) {
		if n == 1 {
			return api.MatchResp, api.MatchResponse{Status: api.Status{Code: 503, Message: "busy"}}, true
		}
		return api.MatchResp, api.MatchResponse{Status: api.Status{Ok: true}, RoomId: "r1"}, true
	})

	rs, err := c.Match(context.Background(), api.MatchRequest{UserId: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if rs.RoomId != "r1" {
		t.Errorf("unexpected response %+v", rs)
	}
	first, second := m.recv(t), m.recv(t)
	if first.SessionId == second.SessionId {
		t.Errorf("a retry should use a new request id")
	}
}

func TestMatchRetriesOnTimeout(t *testing.T) {
	c, b, _ := newClient(t, WithTimeout(50*time.Millisecond))
	newMatchmaker(b, func(n int, _ api.Envelope) (api.MessageId, any, bool) {
		return api.MatchResp, api.MatchResponse{Status: api.Status{Ok: true}}, n > 1
	})

	if _, err := c.Match(context.Background(), api.MatchRequest{UserId: "u1"}); err != nil {
		t.Fatal(err)
	}
}

func TestMatchGivesUpAtLimit(t *testing.T) {
	c, b, _ := newClient(t)
	m := newMatchmaker(b, func(int, api.Envelope) (api.MessageId, any, bool) {
		return api.CancelMatchResp, api.CancelMatchResponse{Status: api.Status{Code: 404}}, true
	})

	rs, err := c.CancelMatch(context.Background(), api.CancelMatchRequest{UserId: "u1"})
	var gu *reliable.GiveUpError
	if !errors.As(err, &gu) || gu.Reason != reliable.LimitReached {
		t.Fatalf("expected the limit, got %v", err)
	}
	if rs.Code != 404 {
		t.Errorf("the last response is lost, %+v", rs)
	}
	if n := m.n.Load(); n != 4 {
		t.Errorf("calls %v, want 4", n)
	}
}

func TestDeferredWhileDisconnected(t *testing.T) {
	defer leaktest.Check(t)()

	var connected atomic.Bool
	g := taskgroup.New(nil)
	a, b := loopback.Pair()
	defer func() { _ = a.Close() }()
	q := reliable.NewQueue()
	c := New(a, q,
		WithPolicy(testPolicy()),
		WithLogger(logger.Nop()),
		WithConnected(connected.Load),
		WithGroup(g),
		WithTimeout(50*time.Millisecond),
	)
	a.OnMessage(c.Handle)
	m := newMatchmaker(b, func(int, api.Envelope) (api.MessageId, any, bool) {
		return api.MatchResp, api.MatchResponse{Status: api.Status{Ok: true}}, connected.Load()
	})

	_, err := c.Match(context.Background(), api.MatchRequest{UserId: "u1"})
	if !errors.Is(err, ErrDeferred) {
		t.Fatalf("expected a deferred call, got %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("queue %v", q.Len())
	}
	// the first attempt went out while disconnected
	m.recv(t)

	connected.Store(true)
	q.Process()
	if e := m.recv(t); e.Id != api.MatchReq {
		t.Fatalf("unexpected %v", e.Id)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 0 || c.Pending() != 0 {
		t.Errorf("leftovers, queue %v, pending %v", q.Len(), c.Pending())
	}
}

func TestEndGameIsDoneOnceSent(t *testing.T) {
	c, b, _ := newClient(t)
	m := newMatchmaker(b, nil)

	if err := c.EndGame(context.Background(), api.EndGameRequest{RoomId: "r1", Reason: "over"}); err != nil {
		t.Fatal(err)
	}
	if err := c.PodMessage(context.Background(), api.PodMessageRequest{To: "p2", Message: "hi"}); err != nil {
		t.Fatal(err)
	}

	end := m.recv(t)
	rq, err := api.Unwrap[api.EndGameRequest](end)
	if err != nil {
		t.Fatal(err)
	}
	if end.Id != api.EndGameReq || rq.RoomId != "r1" {
		t.Errorf("unexpected %v %+v", end.Id, rq)
	}
	if pod := m.recv(t); pod.Id != api.PodMessageReq {
		t.Errorf("unexpected %v", pod.Id)
	}
}

func TestNotifications(t *testing.T) {
	var mu sync.Mutex
	var ends []api.EndGameNotification
	pods := make(chan api.PodMessageNotification, 1)

	_, b, _ := newClient(t,
		WithEndGame(func(n api.EndGameNotification) {
			mu.Lock()
			ends = append(ends, n)
			mu.Unlock()
		}),
		WithPodMessage(func(n api.PodMessageNotification) { pods <- n }),
	)

	_ = b.Send(api.EndGameNotify, "", api.EndGameNotification{RoomId: "r1"})
	_ = b.Send(api.PodMessageNotify, "", api.PodMessageNotification{From: "p1", Message: "hi"})

	select {
	case n := <-pods:
		if diff := cmp.Diff(api.PodMessageNotification{From: "p1", Message: "hi"}, n); diff != "" {
			t.Errorf("pod message mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no pod message")
	}

	// one pump delivers in order
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]api.EndGameNotification{{RoomId: "r1"}}, ends); diff != "" {
		t.Errorf("end game mismatch (-want +got):\n%s", diff)
	}
}

func TestLateResponseIsSkipped(t *testing.T) {
	c, b, _ := newClient(t)
	_ = b.Send(api.MatchResp, "unknown", api.MatchResponse{})
	_ = b.Send(api.CancelMatchResp, "unknown", api.CancelMatchResponse{})
	if c.Pending() != 0 {
		t.Errorf("pending %v", c.Pending())
	}
}
