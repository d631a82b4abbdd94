package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultReconcileConfigIsValid(t *testing.T) {
	require.NoError(t, ValidateReconcileConfig(DefaultReconcileConfig()))
}

func TestValidateRejectsBadCalendars(t *testing.T) {
	cases := map[string][]DunningStep{
		"too short":     {{Day: 0, State: "RETRYING"}},
		"late start":    {{Day: 1, State: "RETRYING"}, {Day: 5, State: "SUSPENDED"}},
		"not ascending": {{Day: 0, State: "RETRYING"}, {Day: 7, State: "WARNING_SENT"}, {Day: 7, State: "SUSPENDED"}},
		"no suspension": {{Day: 0, State: "RETRYING"}, {Day: 3, State: "WARNING_SENT"}},
	}
	for name, steps := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultReconcileConfig()
			cfg.Dunning.Calendar = steps
			require.Error(t, ValidateReconcileConfig(cfg))
		})
	}
}

func TestValidateRejectsNegativeSettleDelay(t *testing.T) {
	cfg := DefaultReconcileConfig()
	cfg.Reporting.SettleDelay = -time.Minute
	require.Error(t, ValidateReconcileConfig(cfg))
}

func TestHolderLoadsFileOverrides(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`
reporting:
  maxRetries: 3
  settleDelay: 30m
sweeps:
  aggregateInterval: 30m
  reportInterval: 12h
  retryInterval: 2h
dunning:
  calendar:
    - day: 0
      state: RETRYING
    - day: 2
      state: WARNING_SENT
      notify: true
      template: dunning.warning
    - day: 10
      state: SUSPENDED
      notify: true
      template: dunning.suspended
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reconcile.yml"), body, 0o600))

	holder, err := NewReconcileConfigHolder(Config{ReconcileConfigDir: dir}, zap.NewNop())
	require.NoError(t, err)

	got := holder.Get()
	require.Equal(t, 3, got.Reporting.MaxRetries)
	require.Equal(t, 30*time.Minute, got.Reporting.SettleDelay)
	require.Equal(t, 30*time.Minute, got.Sweeps.AggregateInterval)
	require.Len(t, got.Dunning.Calendar, 3)
	require.Equal(t, 10, got.Dunning.Calendar[2].Day)
	require.Equal(t, DefaultReconcileConfig().JobQueue.Workers, got.JobQueue.Workers)
}
