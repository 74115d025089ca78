package model

import (
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// Capability is a set of actions a request is allowed to perform.
type Capability uint32

const (
	CapGenerate Capability = 1 << iota
	CapMemoryRecall
	CapMemoryRecord
	CapBookingAction
	CapSummaryRefresh

	CapNone Capability = 0
	CapAll             = CapGenerate | CapMemoryRecall | CapMemoryRecord | CapBookingAction | CapSummaryRefresh
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapGenerate, "generate"},
	{CapMemoryRecall, "memory_recall"},
	{CapMemoryRecord, "memory_record"},
	{CapBookingAction, "booking_action"},
	{CapSummaryRefresh, "summary_refresh"},
}

// Has reports whether every bit of c is set.
func (x Capability) Has(c Capability) bool {
	return x&c == c
}

func (x Capability) With(c Capability) Capability {
	return x | c
}

func (x Capability) Without(c Capability) Capability {
	return x &^ c
}

func (x Capability) String() string {
	var names []string
	for _, n := range capabilityNames {
		if x.Has(n.cap) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseCapability converts a capability name into its bit.
func ParseCapability(name string) (Capability, error) {
	for _, n := range capabilityNames {
		if n.name == name {
			return n.cap, nil
		}
	}
	return CapNone, goerr.Wrap(ErrInvalidArgument, "unknown capability", goerr.V("name", name))
}
