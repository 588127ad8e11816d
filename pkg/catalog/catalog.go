package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// LoopConfig is one catalog file entry: a control loop observed on one or
// more machines, with role names (PV, SP, CO, ...) mapped to the source
// signal that backs them. The source address for a (machine, role) pair is
// the address template with {machine} and {signal} substituted.
type LoopConfig struct {
	LoopID          string            `yaml:"loop_id"`
	Machines        []string          `yaml:"machines"`
	AddressTemplate string            `yaml:"address_template"`
	Signals         map[string]string `yaml:"signals"`
}

// File is the on-disk catalog shape.
type File struct {
	Loops []LoopConfig `yaml:"loops"`
}

// Series is one raw series to collect: a loop on a machine, with every role
// resolved to a concrete source address.
type Series struct {
	LoopID    string
	MachineID string
	// Addresses maps role name -> source address.
	Addresses map[string]string
}

// Key returns the series identity used in logs and store tags.
func (s Series) Key() string {
	return s.LoopID + "/" + s.MachineID
}

// Roles returns the role names in stable order.
func (s Series) Roles() []string {
	roles := make([]string, 0, len(s.Addresses))
	for r := range s.Addresses {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// Snapshot is an immutable, fully-expanded view of the catalog. The
// collector takes one per tick and never sees a half-written entry.
type Snapshot struct {
	Series []Series
	// Skipped counts entries dropped during validation.
	Skipped int
}

// expand validates the file and resolves every (loop, machine, role) to a
// Series. Malformed entries are skipped and reported, never fatal.
func expand(f *File, logger *zap.Logger) *Snapshot {
	snap := &Snapshot{}
	for i, lc := range f.Loops {
		if err := validate(lc); err != nil {
			snap.Skipped++
			logger.Warn("Skipping malformed catalog entry",
				zap.Int("entry", i),
				zap.String("loop_id", lc.LoopID),
				zap.Error(err))
			continue
		}
		for _, machine := range lc.Machines {
			addrs := make(map[string]string, len(lc.Signals))
			for role, signal := range lc.Signals {
				addr := strings.ReplaceAll(lc.AddressTemplate, "{machine}", machine)
				addr = strings.ReplaceAll(addr, "{signal}", signal)
				addrs[role] = addr
			}
			snap.Series = append(snap.Series, Series{
				LoopID:    lc.LoopID,
				MachineID: machine,
				Addresses: addrs,
			})
		}
	}
	sort.Slice(snap.Series, func(a, b int) bool {
		return snap.Series[a].Key() < snap.Series[b].Key()
	})
	return snap
}

func validate(lc LoopConfig) error {
	if lc.LoopID == "" {
		return fmt.Errorf("loop_id is required")
	}
	if len(lc.Machines) == 0 {
		return fmt.Errorf("loop %s: at least one machine is required", lc.LoopID)
	}
	if len(lc.Signals) == 0 {
		return fmt.Errorf("loop %s: at least one signal role is required", lc.LoopID)
	}
	if !strings.Contains(lc.AddressTemplate, "{signal}") {
		return fmt.Errorf("loop %s: address_template must reference {signal}", lc.LoopID)
	}
	for role, signal := range lc.Signals {
		if role == "" || signal == "" {
			return fmt.Errorf("loop %s: empty role or signal name", lc.LoopID)
		}
	}
	return nil
}

// Registry holds the current catalog snapshot and swaps it atomically on
// reload. Readers are never blocked by a reload in progress.
type Registry struct {
	path    string
	logger  *zap.Logger
	current atomic.Pointer[Snapshot]
}

// NewRegistry loads the catalog file at path and returns a registry serving
// it. A file that parses but contains only malformed entries yields an empty
// snapshot, not an error.
func NewRegistry(path string, logger *zap.Logger) (*Registry, error) {
	r := &Registry{path: path, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the catalog file and atomically replaces the snapshot.
// On read or parse failure the previous snapshot stays in effect.
func (r *Registry) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read catalog %s: %w", r.path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse catalog %s: %w", r.path, err)
	}

	snap := expand(&f, r.logger)
	r.current.Store(snap)
	r.logger.Info("Catalog loaded",
		zap.String("path", r.path),
		zap.Int("series", len(snap.Series)),
		zap.Int("skipped", snap.Skipped))
	return nil
}

// Snapshot returns the current catalog view. The returned value is immutable.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}
