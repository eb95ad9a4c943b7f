package models

import (
	"fmt"
	"strings"
)

// TargetKind classifies where a command executes.
type TargetKind int

const (
	// TargetNone means no target was declared.
	TargetNone TargetKind = iota
	// TargetVE is the hypervisor host shell ("ve" or "proxmox").
	TargetVE
	// TargetLXC is container attach on the hypervisor host.
	TargetLXC
	// TargetHost is a named remote host resolved by discovery.
	TargetHost
)

// Target is a parsed execute_on value.
type Target struct {
	Kind TargetKind
	Host string // set only for TargetHost
}

func (t Target) String() string {
	switch t.Kind {
	case TargetVE:
		return "ve"
	case TargetLXC:
		return "lxc"
	case TargetHost:
		return "host:" + t.Host
	default:
		return ""
	}
}

// ParseTarget parses an execute_on value. "ve" and "proxmox" are
// synonymous. An empty value parses to TargetNone without error.
func ParseTarget(s string) (Target, error) {
	switch s {
	case "":
		return Target{Kind: TargetNone}, nil
	case "ve", "proxmox":
		return Target{Kind: TargetVE}, nil
	case "lxc":
		return Target{Kind: TargetLXC}, nil
	}
	if host, ok := strings.CutPrefix(s, "host:"); ok {
		if host == "" {
			return Target{}, fmt.Errorf("execute_on %q is missing a hostname", s)
		}
		return Target{Kind: TargetHost, Host: host}, nil
	}
	return Target{}, fmt.Errorf("unknown execute_on value %q", s)
}
