package domain

import "time"

// InstanceStatus is the lifecycle state of a configured server.
type InstanceStatus string

const (
	InstanceStopped     InstanceStatus = "stopped"
	InstanceRunning     InstanceStatus = "running"
	InstanceDownloading InstanceStatus = "downloading"
	InstanceInstalling  InstanceStatus = "installing"
)

// Busy reports whether a transfer or install is in flight.
func (s InstanceStatus) Busy() bool {
	return s == InstanceDownloading || s == InstanceInstalling
}

// Valid reports whether s is one of the known statuses.
func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceStopped, InstanceRunning, InstanceDownloading, InstanceInstalling:
		return true
	}
	return false
}

// Instance is one configured database server.
// InstallProgress is non-nil exactly while Status is downloading or installing.
type Instance struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Engine            EngineKind     `json:"engine"`
	CurrentVersion    string         `json:"currentVersion"`
	AvailableVersions []string       `json:"availableVersions"`
	Status            InstanceStatus `json:"status"`
	Port              uint16         `json:"port"`
	InstallProgress   *int           `json:"installProgress,omitempty"`
	LastError         string         `json:"lastError,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to observers.
func (i Instance) Clone() Instance {
	out := i
	out.AvailableVersions = append([]string(nil), i.AvailableVersions...)
	if i.InstallProgress != nil {
		p := *i.InstallProgress
		out.InstallProgress = &p
	}
	return out
}

// HasVersion reports whether v is one of the instance's available versions.
func (i Instance) HasVersion(v string) bool {
	for _, av := range i.AvailableVersions {
		if av == v {
			return true
		}
	}
	return false
}

// InstanceStore persists instances across restarts.
type InstanceStore interface {
	SaveInstance(inst *Instance) error
	ListInstances() ([]Instance, error)
	DeleteInstance(id string) error
}
