package domain

// SessionSnapshot is the observable state of one query session.
type SessionSnapshot struct {
	ID          string         `json:"id"`
	Connection  ConnectionInfo `json:"connection"`
	Tabs        []QueryTab     `json:"tabs"`
	ActiveTabID string         `json:"activeTabId"`
}

// Snapshot is the consistent view pushed to observers after every
// committed transition.
type Snapshot struct {
	Seq       uint64            `json:"seq"`
	Instances []Instance        `json:"instances"`
	Downloads []Download        `json:"downloads"`
	Sessions  []SessionSnapshot `json:"sessions"`
}

// Observer receives snapshots. OnSnapshot is called synchronously and
// must not block.
type Observer interface {
	OnSnapshot(s Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(s Snapshot)

func (f ObserverFunc) OnSnapshot(s Snapshot) { f(s) }

// Dashboard aggregates the overview counters.
type Dashboard struct {
	TotalServers    int `json:"totalServers"`
	Running         int `json:"running"`
	Stopped         int `json:"stopped"`
	ActiveDownloads int `json:"activeDownloads"`
}
