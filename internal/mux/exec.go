package mux

import (
	"encoding/json"
	"fmt"

	. "github.com/roelfdiedericks/tabmux/internal/logging"
	"github.com/roelfdiedericks/tabmux/internal/metrics"
)

// Tab-management methods bypass the auto context-switch; everything else is
// assumed to operate on "the current tab".
func isTabScoped(method string) bool {
	switch method {
	case "selectTab", "createTab", "closeTab", "getTabs":
		return false
	}
	return true
}

// executeRequest is the leader-side pipeline run by the scheduler for each
// picked request: ownership enforcement, policy, auto context-switch, session
// tagging, dispatch, bookkeeping, and the getTabs filter. Ownership and
// policy violations reject locally without touching the extension.
func (m *Mux) executeRequest(req *queuedRequest) (any, error) {
	sess := req.sessionID
	method := req.method

	// Ownership enforcement for explicit claims and releases.
	tabID := intParam(req.params, "tabId")
	switch method {
	case "selectTab":
		if tabID != 0 {
			if err := m.owners.checkClaim(sess, tabID); err != nil {
				metrics.GetInstance().IncrementCounter("mux", "ownership_rejections")
				m.recordSchedError(fmt.Sprintf("%s %s: %v", sess, method, err))
				return nil, err
			}
		}
	case "closeTab":
		if tabID == 0 {
			tabID = m.owners.attachedTab(sess)
		}
		if tabID != 0 {
			if err := m.owners.checkClaim(sess, tabID); err != nil {
				metrics.GetInstance().IncrementCounter("mux", "ownership_rejections")
				m.recordSchedError(fmt.Sprintf("%s %s: %v", sess, method, err))
				return nil, err
			}
		}
	}

	// Navigation targets pass the origin policy before anything is
	// dispatched, so followers cannot bypass it.
	if m.opts.Policy != nil {
		if err := m.opts.Policy.CheckMethod(method); err != nil {
			metrics.GetInstance().IncrementCounter("mux", "policy_rejections")
			return nil, err
		}
		if urlStr, ok := req.params["url"].(string); ok && urlStr != "" {
			if method == "navigate" || method == "createTab" {
				if err := m.opts.Policy.CheckURL(urlStr); err != nil {
					metrics.GetInstance().IncrementCounter("mux", "policy_rejections")
					return nil, err
				}
			}
		}
	}

	// Auto context-switch: if this session last worked in a tab that is no
	// longer the extension's active one, switch first. A session with no
	// remembered tab gets no switch; the command surfaces its own error.
	if isTabScoped(method) {
		attached := m.owners.attachedTab(sess)
		if attached != 0 && attached != m.owners.currentActiveTab() {
			switchParams := map[string]any{"tabId": attached, "sessionId": sess}
			if _, err := m.transportRef().SendCmd("selectTab", switchParams, req.timeout); err != nil {
				return nil, fmt.Errorf("context switch to tab %d: %w", attached, err)
			}
			m.owners.setActiveTab(attached)
			metrics.GetInstance().IncrementCounter("mux", "context_switches")
			L_debug("mux: context switch", "session", sess, "tab", attached)
		}
	}

	// Tag with the submitting session so the extension keeps per-session
	// browser state isolated.
	params := make(map[string]any, len(req.params)+1)
	for k, v := range req.params {
		params[k] = v
	}
	params["sessionId"] = sess

	result, err := m.transportRef().SendCmd(method, params, req.timeout)
	if err != nil {
		m.recordSchedError(fmt.Sprintf("%s %s: %v", sess, method, err))
		return nil, err
	}

	// Bookkeeping after successful tab management.
	switch method {
	case "selectTab", "createTab":
		claimed := tabFromResult(result)
		if claimed == 0 {
			claimed = tabID
		}
		m.owners.claim(sess, claimed)
	case "closeTab":
		m.owners.release(sess, tabID)
	case "getTabs":
		result = m.filterTabs(sess, result)
	}

	return result, nil
}

// filterTabs drops tabs owned by other sessions from a getTabs result. The
// extension is expected to scope this already; the leader re-applies the
// filter as the safety net in case that scoping is bypassed or stale.
func (m *Mux) filterTabs(sess string, result any) any {
	switch v := result.(type) {
	case []any:
		return m.filterTabList(sess, v)
	case map[string]any:
		if tabs, ok := v["tabs"].([]any); ok {
			out := make(map[string]any, len(v))
			for k, val := range v {
				out[k] = val
			}
			out["tabs"] = m.filterTabList(sess, tabs)
			return out
		}
	}
	return result
}

func (m *Mux) filterTabList(sess string, tabs []any) []any {
	filtered := make([]any, 0, len(tabs))
	for _, entry := range tabs {
		tab, ok := entry.(map[string]any)
		if !ok {
			filtered = append(filtered, entry)
			continue
		}
		id := intParam(tab, "id")
		if id == 0 {
			id = intParam(tab, "tabId")
		}
		if id != 0 && m.owners.ownedByOther(sess, id) {
			L_trace("mux: filtered foreign tab from getTabs", "session", sess, "tab", id)
			continue
		}
		filtered = append(filtered, entry)
	}
	return filtered
}

// intParam reads a numeric param that may arrive as float64 (JSON), int, or
// json.Number depending on which path produced it.
func intParam(params map[string]any, key string) int {
	if params == nil {
		return 0
	}
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

// tabFromResult extracts the tab id a successful selectTab/createTab reports.
func tabFromResult(result any) int {
	m, ok := result.(map[string]any)
	if !ok {
		return 0
	}
	if id := intParam(m, "tabId"); id != 0 {
		return id
	}
	return intParam(m, "id")
}

// transportRef returns the current transport under the role lock. The drain
// goroutine only runs while this process is leader, but promotion swaps the
// transport pointer, so reads go through here.
func (m *Mux) transportRef() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport
}
