// Package clock provides the agent's time source and host identity.
//
// All time-dependent decisions in the pipeline (retry delays, circuit
// cooldowns, spill file timestamps) go through an injected Clock so tests
// can drive them deterministically.
package clock

import (
	"os"

	bclock "github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
)

// Clock is the injectable time source. The real implementation delegates
// to the runtime clock; tests use a mock.
type Clock = bclock.Clock

// New returns a Clock backed by the system clock.
func New() Clock {
	return bclock.New()
}

// NewMock returns a controllable Clock for tests.
func NewMock() *bclock.Mock {
	return bclock.NewMock()
}

// Identity carries the tags stamped onto every outgoing request and
// payload: who this agent is and who it reports for.
type Identity struct {
	Hostname string
	TenantID string
	RunID    string            // unique per agent process
	Tags     map[string]string // operator-supplied global tags
}

// NewIdentity resolves the host identity. Hostname resolution prefers the
// gopsutil host info (stable across containers with UTS namespaces) and
// falls back to os.Hostname.
func NewIdentity(tenantID string, tags map[string]string) Identity {
	hostname := ""
	if info, err := host.Info(); err == nil {
		hostname = info.Hostname
	}
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	if tags == nil {
		tags = make(map[string]string)
	}
	return Identity{
		Hostname: hostname,
		TenantID: tenantID,
		RunID:    uuid.NewString(),
		Tags:     tags,
	}
}

// BaseTags returns the tag set collectors merge into every payload.
func (id Identity) BaseTags() map[string]string {
	tags := make(map[string]string, len(id.Tags)+1)
	for k, v := range id.Tags {
		tags[k] = v
	}
	tags["host"] = id.Hostname
	return tags
}
