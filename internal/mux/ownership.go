package mux

import "sync"

// sessionState is the leader's view of one session: the tabs it holds and the
// tab it believes is current. The owners map is the authority for the
// one-owner-per-tab invariant; per-session sets mirror it.
type sessionState struct {
	id          string
	ownedTabs   map[int]struct{}
	attachedTab int // 0 = none
	groupID     string
}

// ownershipTable is the leader-only bookkeeping of which session controls
// which browser tab. A tab appears in at most one session's set at any time.
type ownershipTable struct {
	mu        sync.Mutex
	owners    map[int]string
	sessions  map[string]*sessionState
	activeTab int // tab currently active in the extension, 0 = unknown
}

func newOwnershipTable() *ownershipTable {
	return &ownershipTable{
		owners:   make(map[int]string),
		sessions: make(map[string]*sessionState),
	}
}

func (o *ownershipTable) addSession(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.sessions[id]; exists {
		return
	}
	o.sessions[id] = &sessionState{id: id, ownedTabs: make(map[int]struct{})}
}

// removeSession drops a session and releases every tab it owned.
func (o *ownershipTable) removeSession(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		return
	}
	for tab := range sess.ownedTabs {
		delete(o.owners, tab)
	}
	delete(o.sessions, id)
}

func (o *ownershipTable) hasSession(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.sessions[id]
	return ok
}

func (o *ownershipTable) sessionIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	return ids
}

// checkClaim verifies a session may take a tab: unowned or self-owned passes,
// owned by anyone else fails.
func (o *ownershipTable) checkClaim(sessionID string, tab int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	owner, owned := o.owners[tab]
	if owned && owner != sessionID {
		return &OwnershipError{TabID: tab, Owner: owner}
	}
	return nil
}

// claim records a tab as owned by and attached to the session, and marks it
// as the extension's active tab.
func (o *ownershipTable) claim(sessionID string, tab int) {
	if tab == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[sessionID]
	if !ok {
		return
	}
	if prev, owned := o.owners[tab]; owned && prev != sessionID {
		// checkClaim runs before dispatch, so this should never trip.
		return
	}
	o.owners[tab] = sessionID
	sess.ownedTabs[tab] = struct{}{}
	sess.attachedTab = tab
	o.activeTab = tab
}

// release drops a tab from the session and clears attachment and active-tab
// pointers that referenced it.
func (o *ownershipTable) release(sessionID string, tab int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if owner, owned := o.owners[tab]; owned && owner == sessionID {
		delete(o.owners, tab)
	}
	if sess, ok := o.sessions[sessionID]; ok {
		delete(sess.ownedTabs, tab)
		if sess.attachedTab == tab {
			sess.attachedTab = 0
		}
	}
	if o.activeTab == tab {
		o.activeTab = 0
	}
}

func (o *ownershipTable) ownerOf(tab int) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	owner, ok := o.owners[tab]
	return owner, ok
}

func (o *ownershipTable) attachedTab(sessionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sess, ok := o.sessions[sessionID]; ok {
		return sess.attachedTab
	}
	return 0
}

func (o *ownershipTable) ownedTabs(sessionID string) []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[sessionID]
	if !ok {
		return nil
	}
	tabs := make([]int, 0, len(sess.ownedTabs))
	for tab := range sess.ownedTabs {
		tabs = append(tabs, tab)
	}
	return tabs
}

func (o *ownershipTable) currentActiveTab() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeTab
}

// setActiveTab records the extension-reported active tab (from tab info
// pushes), keeping the context-switch comparison honest when the user
// switches tabs by hand.
func (o *ownershipTable) setActiveTab(tab int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activeTab = tab
}

// ownedByOther reports whether a tab belongs to a session other than the one
// given. Used for the getTabs defense-in-depth filter.
func (o *ownershipTable) ownedByOther(sessionID string, tab int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	owner, owned := o.owners[tab]
	return owned && owner != sessionID
}
