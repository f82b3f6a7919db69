package mux

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/roelfdiedericks/tabmux/internal/metrics"
)

// recentErrors keeps the last N scheduler errors for /status.
type recentErrors struct {
	mu      sync.Mutex
	entries []string
	max     int
}

func newRecentErrors(max int) *recentErrors {
	return &recentErrors{max: max}
}

func (r *recentErrors) add(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, time.Now().Format("15:04:05")+" "+msg)
	if len(r.entries) > r.max {
		r.entries = r.entries[len(r.entries)-r.max:]
	}
}

func (r *recentErrors) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	copy(out, r.entries)
	return out
}

// statusSession is one session's view in the status report.
type statusSession struct {
	ID          string `json:"id"`
	Local       bool   `json:"local,omitempty"`
	QueueDepth  int    `json:"queueDepth"`
	OwnedTabs   []int  `json:"ownedTabs"`
	AttachedTab int    `json:"attachedTab,omitempty"`
}

type statusReport struct {
	Role      string          `json:"role"`
	SessionID string          `json:"sessionId"`
	Sessions  []statusSession `json:"sessions"`
	Rotation  []string        `json:"rotation"`
	Extension struct {
		Connected    bool     `json:"connected"`
		Browser      string   `json:"browser,omitempty"`
		BuildTime    string   `json:"buildTime,omitempty"`
		ActiveTab    int      `json:"activeTab,omitempty"`
		RecentErrors []string `json:"recentErrors,omitempty"`
	} `json:"extension"`
	SchedulerErrors []string         `json:"schedulerErrors,omitempty"`
	Metrics         metrics.Snapshot `json:"metrics"`
}

// handleStatus answers GET /status on the leader with a JSON overview of
// sessions, queues, ownership, and metrics.
func (m *Mux) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.mu.Lock()
	role := m.role
	transport := m.transport
	owners := m.owners
	sched := m.sched
	m.mu.Unlock()

	report := statusReport{
		Role:            role.String(),
		SessionID:       m.sessionID,
		SchedulerErrors: m.schedErrors.list(),
		Metrics:         metrics.GetInstance().GetSnapshot(),
	}

	if owners != nil && sched != nil {
		ids := owners.sessionIDs()
		sort.Strings(ids)
		for _, id := range ids {
			tabs := owners.ownedTabs(id)
			sort.Ints(tabs)
			report.Sessions = append(report.Sessions, statusSession{
				ID:          id,
				Local:       id == m.sessionID,
				QueueDepth:  sched.queueDepth(id),
				OwnedTabs:   tabs,
				AttachedTab: owners.attachedTab(id),
			})
		}
		report.Rotation = sched.rotationOrder()
	}

	if transport != nil {
		report.Extension.Connected = transport.Connected()
		report.Extension.Browser = transport.Browser()
		report.Extension.BuildTime = transport.BuildTime()
		report.Extension.RecentErrors = transport.RecentErrors()
	}
	if owners != nil {
		report.Extension.ActiveTab = owners.currentActiveTab()
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(report)
}
