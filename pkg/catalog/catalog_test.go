package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const validCatalog = `
loops:
  - loop_id: reactor_temp_001
    machines: [ReactorA, ReactorB]
    address_template: "ns=2;s={machine}.{signal}"
    signals:
      PV: TempMeasured
      SP: TempSetpoint
      CO: ValveOutput
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegistry_LoadExpandsSeriesPerMachine(t *testing.T) {
	path := writeCatalog(t, validCatalog)

	reg, err := NewRegistry(path, zap.NewNop())
	require.NoError(t, err)

	snap := reg.Snapshot()
	require.Len(t, snap.Series, 2)
	assert.Equal(t, 0, snap.Skipped)

	a := snap.Series[0]
	assert.Equal(t, "reactor_temp_001", a.LoopID)
	assert.Equal(t, "ReactorA", a.MachineID)
	assert.Equal(t, "ns=2;s=ReactorA.TempMeasured", a.Addresses["PV"])
	assert.Equal(t, "ns=2;s=ReactorA.TempSetpoint", a.Addresses["SP"])
	assert.Equal(t, "ns=2;s=ReactorA.ValveOutput", a.Addresses["CO"])
	assert.Equal(t, []string{"CO", "PV", "SP"}, a.Roles())
}

func TestRegistry_SkipsMalformedEntryKeepsOthers(t *testing.T) {
	path := writeCatalog(t, `
loops:
  - loop_id: ""
    machines: [MachineX]
    address_template: "tag://{machine}/{signal}"
    signals:
      PV: pv
  - loop_id: good_loop
    machines: [MachineY]
    address_template: "tag://{machine}/{signal}"
    signals:
      PV: pv
  - loop_id: bad_template
    machines: [MachineZ]
    address_template: "tag://static"
    signals:
      PV: pv
`)

	reg, err := NewRegistry(path, zap.NewNop())
	require.NoError(t, err)

	snap := reg.Snapshot()
	require.Len(t, snap.Series, 1)
	assert.Equal(t, "good_loop", snap.Series[0].LoopID)
	assert.Equal(t, 2, snap.Skipped)
}

func TestRegistry_ReloadSwapsSnapshotAtomically(t *testing.T) {
	path := writeCatalog(t, validCatalog)

	reg, err := NewRegistry(path, zap.NewNop())
	require.NoError(t, err)
	before := reg.Snapshot()
	require.Len(t, before.Series, 2)

	require.NoError(t, os.WriteFile(path, []byte(`
loops:
  - loop_id: reactor_temp_001
    machines: [ReactorA]
    address_template: "ns=2;s={machine}.{signal}"
    signals:
      PV: TempMeasured
`), 0o644))
	require.NoError(t, reg.Reload())

	after := reg.Snapshot()
	require.Len(t, after.Series, 1)
	// The old snapshot is untouched by the reload.
	assert.Len(t, before.Series, 2)
}

func TestRegistry_ReloadFailureKeepsPreviousSnapshot(t *testing.T) {
	path := writeCatalog(t, validCatalog)

	reg, err := NewRegistry(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("loops: [not, valid, {"), 0o644))
	require.Error(t, reg.Reload())

	snap := reg.Snapshot()
	assert.Len(t, snap.Series, 2)
}

func TestRegistry_MissingFile(t *testing.T) {
	_, err := NewRegistry(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop())
	require.Error(t, err)
}
