package mux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestExactlyOneLeaderPerPort(t *testing.T) {
	port := freePort(t)
	m1, _ := startMux(t, port, "s1")
	m2, _ := startMux(t, port, "s2")

	if got := m1.Role(); got != RoleLeader {
		t.Fatalf("first instance role = %s, want leader", got)
	}
	if got := m2.Role(); got != RoleFollower {
		t.Fatalf("second instance role = %s, want follower", got)
	}
	if !m2.Connected() {
		t.Fatal("follower should report connected after handshake")
	}
	rotation := m1.sched.rotationOrder()
	if len(rotation) != 2 {
		t.Fatalf("leader rotation = %v, want both sessions", rotation)
	}
}

func TestFollowerCommandRoundTrip(t *testing.T) {
	port := freePort(t)
	m1, fake := startMux(t, port, "s1")
	m2, _ := startMux(t, port, "s2")
	_ = m1

	fake.setHandler(func(method string, params map[string]any) (any, error) {
		if method == "evaluate" {
			return map[string]any{"value": "ok"}, nil
		}
		return map[string]any{}, nil
	})

	result, err := m2.SendCmd(context.Background(), "evaluate", map[string]any{"expression": "1+1"}, 2*time.Second)
	if err != nil {
		t.Fatalf("follower SendCmd: %v", err)
	}
	obj, ok := result.(map[string]any)
	if !ok || obj["value"] != "ok" {
		t.Fatalf("follower result = %#v, want map with value ok", result)
	}

	calls := fake.callsFor("evaluate")
	if len(calls) != 1 {
		t.Fatalf("evaluate dispatched %d times, want 1", len(calls))
	}
	if got := calls[0].Params["sessionId"]; got != "s2" {
		t.Fatalf("relayed command tagged %v, want s2", got)
	}
}

func TestFollowerCommandErrorPropagates(t *testing.T) {
	port := freePort(t)
	_, fake := startMux(t, port, "s1")
	m2, _ := startMux(t, port, "s2")

	fake.setHandler(func(method string, params map[string]any) (any, error) {
		return nil, errors.New("no tab attached")
	})

	_, err := m2.SendCmd(context.Background(), "evaluate", nil, 2*time.Second)
	if err == nil || !strings.Contains(err.Error(), "no tab attached") {
		t.Fatalf("follower error = %v, want extension error text", err)
	}
}

func TestDuplicateSessionIDRejected(t *testing.T) {
	port := freePort(t)
	startMux(t, port, "s1")
	startMux(t, port, "dup")

	m3 := New(Options{
		Port:           port,
		SessionID:      "dup",
		ConnectTimeout: 2 * time.Second,
		NewTransport: func(host string, p int) Transport {
			return newFakeTransport(host, p)
		},
	})
	err := m3.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "already connected") {
		t.Fatalf("duplicate session start = %v, want rejection naming the collision", err)
	}
	if got := m3.Role(); got != RoleUnstarted {
		t.Fatalf("role after rejected start = %s, want unstarted", got)
	}
}

func TestFollowerDisconnectCleansUpLeaderState(t *testing.T) {
	port := freePort(t)
	m1, fake := startMux(t, port, "s1")
	m2, _ := startMux(t, port, "s2")

	if _, err := m2.SendCmd(context.Background(), "selectTab", map[string]any{"tabId": 5}, 2*time.Second); err != nil {
		t.Fatalf("follower selectTab: %v", err)
	}
	if owner, ok := m1.owners.ownerOf(5); !ok || owner != "s2" {
		t.Fatalf("tab 5 owner = %q, %v; want s2", owner, ok)
	}

	// Hold one request in flight so a second stays queued, then drop the
	// follower with both outstanding.
	gate := make(chan struct{})
	fake.setHandler(func(method string, params map[string]any) (any, error) {
		if method == "evaluate" {
			<-gate
		}
		return map[string]any{}, nil
	})
	defer close(gate)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m2.SendCmd(context.Background(), "evaluate", nil, 10*time.Second)
		}()
	}
	waitFor(t, 2*time.Second, "requests to reach the leader", func() bool {
		return m1.sched.queueDepth("s2") >= 1
	})

	m2.Stop()

	waitFor(t, 2*time.Second, "leader to forget the session", func() bool {
		rotation := m1.sched.rotationOrder()
		return len(rotation) == 1 && rotation[0] == "s1"
	})
	if _, ok := m1.owners.ownerOf(5); ok {
		t.Fatal("tab 5 still owned after follower disconnect")
	}
	waitFor(t, 2*time.Second, "extension session release", func() bool {
		return len(fake.callsFor("releaseGroup")) == 1
	})
	if got := fake.callsFor("releaseGroup")[0].Params["sessionId"]; got != "s2" {
		t.Fatalf("releaseGroup for %v, want s2", got)
	}
	wg.Wait()
}

func TestFollowerPromotionAfterLeaderLoss(t *testing.T) {
	port := freePort(t)
	m1, _ := startMux(t, port, "s1")
	m2, _ := startMux(t, port, "s2")
	m3, _ := startMux(t, port, "s3")

	m1.Stop()

	// One follower wins the bind race; the other backs off and re-follows.
	followers := []*Mux{m2, m3}
	waitFor(t, 8*time.Second, "a new leader and a re-attached follower", func() bool {
		var leaders, attached int
		for _, m := range followers {
			switch m.Role() {
			case RoleLeader:
				leaders++
			case RoleFollower:
				if m.Connected() {
					attached++
				}
			}
		}
		return leaders == 1 && attached == 1
	})

	// Commands flow through the new leader.
	for _, m := range followers {
		if _, err := m.SendCmd(context.Background(), "getTabs", nil, 2*time.Second); err != nil {
			t.Fatalf("SendCmd via %s after promotion: %v", m.SessionID(), err)
		}
	}
}

func TestSendCmdFailFastStates(t *testing.T) {
	m := New(Options{Port: freePort(t)})
	if _, err := m.SendCmd(context.Background(), "getTabs", nil, time.Second); err == nil || !strings.Contains(err.Error(), "not started") {
		t.Fatalf("unstarted SendCmd = %v, want not-started error", err)
	}

	port := freePort(t)
	startMux(t, port, "s1")
	m2, _ := startMux(t, port, "s2")
	m2.Stop()
	if _, err := m2.SendCmd(context.Background(), "getTabs", nil, time.Second); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped SendCmd = %v, want ErrStopped", err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	port := freePort(t)
	m1, _ := startMux(t, port, "s1")
	startMux(t, port, "s2")

	if _, err := m1.SendCmd(context.Background(), "selectTab", map[string]any{"tabId": 3}, 2*time.Second); err != nil {
		t.Fatalf("selectTab: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/status", port))
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}

	var report struct {
		Role     string   `json:"role"`
		Rotation []string `json:"rotation"`
		Sessions []struct {
			ID        string `json:"id"`
			Local     bool   `json:"local"`
			OwnedTabs []int  `json:"ownedTabs"`
		} `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if report.Role != "leader" {
		t.Fatalf("status role = %q, want leader", report.Role)
	}
	if len(report.Sessions) != 2 || len(report.Rotation) != 2 {
		t.Fatalf("status sessions/rotation = %v / %v, want two entries each", report.Sessions, report.Rotation)
	}
	var foundLocal bool
	for _, s := range report.Sessions {
		if s.ID == "s1" {
			foundLocal = true
			if !s.Local || len(s.OwnedTabs) != 1 || s.OwnedTabs[0] != 3 {
				t.Fatalf("local session entry = %+v, want local with tab 3", s)
			}
		}
	}
	if !foundLocal {
		t.Fatalf("local session missing from status: %+v", report.Sessions)
	}

	post, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/status", port), "application/json", nil)
	if err != nil {
		t.Fatalf("POST /status: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST status code = %d, want 405", post.StatusCode)
	}
}
