package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var simAddrs = []string{
	"ns=2;s=ReactorA.TempMeasured",
	"ns=2;s=ReactorA.TempSetpoint",
	"ns=2;s=ReactorA.ValveOutput",
}

func TestSimulator_Deterministic(t *testing.T) {
	a := NewSimulator(7)
	b := NewSimulator(7)

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		ra, err := a.Read(ctx, simAddrs)
		require.NoError(t, err)
		rb, err := b.Read(ctx, simAddrs)
		require.NoError(t, err)
		for j := range ra {
			assert.Equal(t, ra[j].Value, rb[j].Value)
		}
	}
}

func TestSimulator_RoleClassification(t *testing.T) {
	s := NewSimulator(1)
	readings, err := s.Read(context.Background(), simAddrs)
	require.NoError(t, err)
	require.Len(t, readings, 3)

	pv, sp, co := readings[0].Value, readings[1].Value, readings[2].Value
	// SP draws from [80, 120]; CO is clamped to [0, 100]; PV starts near SP.
	assert.GreaterOrEqual(t, sp, 80.0)
	assert.LessOrEqual(t, sp, 120.0)
	assert.GreaterOrEqual(t, co, 0.0)
	assert.LessOrEqual(t, co, 100.0)
	assert.InDelta(t, sp-10.0, pv, 5.0)
}

func TestSimulator_MachinesEvolveIndependently(t *testing.T) {
	s := NewSimulator(3)
	ctx := context.Background()

	ra, err := s.Read(ctx, []string{"tag://MachineA/TempSetpoint"})
	require.NoError(t, err)
	rb, err := s.Read(ctx, []string{"tag://MachineB/TempSetpoint"})
	require.NoError(t, err)
	assert.NotEqual(t, ra[0].Value, rb[0].Value)
}

func TestSimulator_FailAddress(t *testing.T) {
	s := NewSimulator(5)
	addr := simAddrs[1]
	s.FailAddress(addr, true)

	readings, err := s.Read(context.Background(), simAddrs)
	require.NoError(t, err)
	assert.True(t, readings[0].Ok())
	assert.False(t, readings[1].Ok())
	var ae *AddressError
	require.ErrorAs(t, readings[1].Err, &ae)
	assert.Equal(t, addr, ae.Address)
	assert.True(t, readings[2].Ok())

	s.FailAddress(addr, false)
	readings, err = s.Read(context.Background(), simAddrs)
	require.NoError(t, err)
	assert.True(t, readings[1].Ok())
}

func TestSplitAddress(t *testing.T) {
	cases := []struct {
		addr    string
		machine string
		signal  string
	}{
		{"ns=2;s=ReactorA.TempMeasured", "ReactorA", "TempMeasured"},
		{"tag://ReactorB/ValveOutput", "ReactorB", "ValveOutput"},
		{"ReactorC.TempSetpoint", "ReactorC", "TempSetpoint"},
	}
	for _, c := range cases {
		m, sig := splitAddress(c.addr)
		assert.Equal(t, c.machine, m, c.addr)
		assert.Equal(t, c.signal, sig, c.addr)
	}
}
