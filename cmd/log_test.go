package main

import (
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

func TestSetLogLevels(t *testing.T) {
	t.Cleanup(func() {
		setLogLevels("info")
	})

	setLogLevels("debug")
	for id, logger := range subsystemLoggers {
		require.Equal(t, btclog.LevelDebug, logger.Level(), id)
	}

	// Pairs only touch the named subsystems, unknown ones are ignored.
	setLogLevels("rply=trace,NOPE=error")
	require.Equal(t, btclog.LevelTrace, rplyLog.Level())
	require.Equal(t, btclog.LevelDebug, pendLog.Level())
	require.Equal(t, btclog.LevelDebug, onioLog.Level())
}
