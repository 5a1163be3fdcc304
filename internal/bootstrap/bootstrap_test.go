package bootstrap

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payrun-orchestrator/internal/calculator"
	"payrun-orchestrator/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestCalculatorSelection(t *testing.T) {
	cfg := config.Default()
	_, isDev := Calculator(cfg).(calculator.Dev)
	assert.True(t, isDev)

	cfg.Calculator.URL = "http://calculator.internal"
	_, isClient := Calculator(cfg).(*calculator.Client)
	assert.True(t, isClient)
}

func TestWorkerIDPrefersConfig(t *testing.T) {
	cfg := config.Default()
	cfg.WorkerID = "w-7"
	assert.Equal(t, "w-7", WorkerID(cfg))
	cfg.WorkerID = ""
	assert.NotEmpty(t, WorkerID(cfg))
}

func TestOpenStoreMigratesSQLite(t *testing.T) {
	cfg := config.Default()
	cfg.DatabaseDSN = filepath.Join(t.TempDir(), "payroll.db")
	st, err := OpenStore(context.Background(), cfg, clockwork.NewFakeClock(), slog.Default())
	require.NoError(t, err)
	defer st.Close()
	assert.Equal(t, "sqlite", st.Dialect())
}
