// Package storage defines the block store consumed by the cache subsystem: a
// put/get/evict surface addressed by block ID under a configurable storage
// level, plus an in-process implementation with memory residency, disk spill
// and asynchronous eviction.
package storage

import (
	"fmt"
	"strings"
)

// Level describes where and how cached block bytes are kept.
type Level struct {
	// UseMemory keeps blocks resident in memory when the budget allows
	UseMemory bool
	// UseDisk allows blocks to live (or spill) to disk
	UseDisk bool
	// Serialized stores blocks as compressed bytes instead of decoded structures
	Serialized bool
	// Replication is the desired copy count. The in-process store records it
	// but keeps a single copy; replication belongs to distributed deployments.
	Replication int
}

// Predefined storage levels.
var (
	// MemoryOnly keeps deserialized blocks in memory; overflow is dropped
	MemoryOnly = Level{UseMemory: true, Replication: 1}
	// MemoryOnlySerialized keeps compressed block bytes in memory
	MemoryOnlySerialized = Level{UseMemory: true, Serialized: true, Replication: 1}
	// MemoryAndDisk keeps blocks in memory and spills to disk under pressure
	MemoryAndDisk = Level{UseMemory: true, UseDisk: true, Replication: 1}
	// MemoryAndDiskSerialized is MemoryAndDisk with compressed in-memory bytes
	MemoryAndDiskSerialized = Level{UseMemory: true, UseDisk: true, Serialized: true, Replication: 1}
	// DiskOnly keeps blocks exclusively on disk, always serialized
	DiskOnly = Level{UseDisk: true, Serialized: true, Replication: 1}
)

// Validate rejects levels that store nowhere or replicate nonsensically.
func (l Level) Validate() error {
	if !l.UseMemory && !l.UseDisk {
		return fmt.Errorf("storage level must use memory, disk, or both")
	}
	if l.UseDisk && !l.UseMemory && !l.Serialized {
		return fmt.Errorf("disk-only storage must be serialized")
	}
	if l.Replication < 1 {
		return fmt.Errorf("replication must be at least 1")
	}
	return nil
}

// String renders the level, e.g. "memory_and_disk_ser_2x".
func (l Level) String() string {
	var b strings.Builder
	switch {
	case l.UseMemory && l.UseDisk:
		b.WriteString("memory_and_disk")
	case l.UseMemory:
		b.WriteString("memory_only")
	default:
		b.WriteString("disk_only")
	}
	if l.Serialized && (l.UseMemory || !l.UseDisk) {
		b.WriteString("_ser")
	}
	if l.Replication > 1 {
		fmt.Fprintf(&b, "_%dx", l.Replication)
	}
	return b.String()
}

// ParseLevel resolves a configuration name to a predefined level.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "memory_only":
		return MemoryOnly, nil
	case "memory_only_ser":
		return MemoryOnlySerialized, nil
	case "memory_and_disk", "":
		return MemoryAndDisk, nil
	case "memory_and_disk_ser":
		return MemoryAndDiskSerialized, nil
	case "disk_only":
		return DiskOnly, nil
	default:
		return Level{}, fmt.Errorf("unknown storage level %q", name)
	}
}
