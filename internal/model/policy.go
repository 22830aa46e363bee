package model

import (
	"fmt"
	"strings"
	"time"
)

// ReplicationMode selects how backup entries leave the primary
type ReplicationMode string

const (
	// ReplicationSync blocks the writer until backups acknowledge
	ReplicationSync ReplicationMode = "sync"
	// ReplicationAsyncImmediate drains the backup log as fast as the transport allows
	ReplicationAsyncImmediate ReplicationMode = "async-immediate"
	// ReplicationAsyncScheduled flushes the backup log at most once per interval
	ReplicationAsyncScheduled ReplicationMode = "async-scheduled"
)

// ReplicationPolicy is the per-service backup policy
type ReplicationPolicy struct {
	Mode     ReplicationMode
	Interval time.Duration
}

// IsSync reports whether writes wait for backup acknowledgement
func (p ReplicationPolicy) IsSync() bool {
	return p.Mode == ReplicationSync
}

// MaxStaleness is the staleness bound a backup read accepts under this policy.
// Zero means backups are never behind an acknowledged write.
func (p ReplicationPolicy) MaxStaleness() time.Duration {
	if p.Mode == ReplicationAsyncScheduled {
		return p.Interval
	}
	return 0
}

func (p ReplicationPolicy) String() string {
	if p.Mode == ReplicationAsyncScheduled {
		return fmt.Sprintf("%s(%s)", p.Mode, p.Interval)
	}
	return string(p.Mode)
}

// ParseReplicationPolicy parses an async-backup value:
// "false" selects synchronous backups, "true" immediate asynchronous backups,
// and a duration such as "10s" scheduled asynchronous backups.
func ParseReplicationPolicy(value string) (ReplicationPolicy, error) {
	v := strings.TrimSpace(strings.ToLower(value))
	switch v {
	case "", "false":
		return ReplicationPolicy{Mode: ReplicationSync}, nil
	case "true":
		return ReplicationPolicy{Mode: ReplicationAsyncImmediate}, nil
	}

	interval, err := time.ParseDuration(v)
	if err != nil {
		return ReplicationPolicy{}, fmt.Errorf("invalid async-backup value %q: expected true, false or a duration", value)
	}
	if interval <= 0 {
		return ReplicationPolicy{}, fmt.Errorf("invalid async-backup interval %q: must be positive", value)
	}
	return ReplicationPolicy{Mode: ReplicationAsyncScheduled, Interval: interval}, nil
}

// ReadLocatorKind names a built-in or custom read placement policy
type ReadLocatorKind string

const (
	ReadLocatorPrimary      ReadLocatorKind = "primary"
	ReadLocatorClosest      ReadLocatorKind = "closest"
	ReadLocatorRandom       ReadLocatorKind = "random"
	ReadLocatorRandomBackup ReadLocatorKind = "random-backup"
	ReadLocatorCustom       ReadLocatorKind = "custom"
)

// ReadLocatorPolicy is a parsed read-locator value
type ReadLocatorPolicy struct {
	Kind ReadLocatorKind
	// Ref names the registered resolver for custom policies
	Ref string
}

// AllowsStaleReads reports whether the policy may target a backup
func (p ReadLocatorPolicy) AllowsStaleReads() bool {
	return p.Kind != ReadLocatorPrimary
}

func (p ReadLocatorPolicy) String() string {
	if p.Kind == ReadLocatorCustom {
		return fmt.Sprintf("custom:%s", p.Ref)
	}
	return string(p.Kind)
}

// ParseReadLocator parses primary|closest|random|random-backup|custom:<ref>
func ParseReadLocator(value string) (ReadLocatorPolicy, error) {
	v := strings.TrimSpace(value)
	switch ReadLocatorKind(strings.ToLower(v)) {
	case "", ReadLocatorPrimary:
		return ReadLocatorPolicy{Kind: ReadLocatorPrimary}, nil
	case ReadLocatorClosest:
		return ReadLocatorPolicy{Kind: ReadLocatorClosest}, nil
	case ReadLocatorRandom:
		return ReadLocatorPolicy{Kind: ReadLocatorRandom}, nil
	case ReadLocatorRandomBackup:
		return ReadLocatorPolicy{Kind: ReadLocatorRandomBackup}, nil
	}

	if ref, ok := strings.CutPrefix(v, "custom:"); ok {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return ReadLocatorPolicy{}, fmt.Errorf("invalid read-locator %q: custom resolver reference is empty", value)
		}
		return ReadLocatorPolicy{Kind: ReadLocatorCustom, Ref: ref}, nil
	}
	return ReadLocatorPolicy{}, fmt.Errorf("invalid read-locator %q", value)
}
