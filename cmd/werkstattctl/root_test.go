package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/werkstatt-flow/api/internal/domain"
	"github.com/werkstatt-flow/api/internal/platform/config"
	"github.com/werkstatt-flow/api/internal/repositories"
	"github.com/werkstatt-flow/api/internal/repositories/memory"
)

var cliNow = time.Date(2025, 11, 3, 9, 30, 0, 0, time.UTC)

type cliFixture struct {
	app   *app
	store *memory.Store
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	clock := func() time.Time { return cliNow }
	store := memory.NewStore(memory.WithClock(clock))
	a := &app{
		logger: zap.NewNop(),
		now:    clock,
		loadConfig: func(context.Context, string) (config.Config, error) {
			return config.Config{
				Server:   config.ServerConfig{Environment: "test"},
				Workflow: config.WorkflowConfig{DefaultService: "lackier", MaxAttempts: 3, RetryInitial: time.Millisecond, RetryMax: time.Millisecond},
				Invoicing: config.InvoicingConfig{
					Enabled:          true,
					Prefix:           "RE",
					CounterID:        "invoices",
					MaxAttempts:      3,
					RetryInitial:     time.Millisecond,
					RetryMax:         time.Millisecond,
					PaymentTermsDays: 14,
					VATRate:          "19",
				},
			}, nil
		},
		openRegistry: func(context.Context, config.Config) (repositories.Registry, error) {
			return store, nil
		},
	}
	return &cliFixture{app: a, store: store}
}

func (f *cliFixture) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(f.app)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--env-file", "", "--overrides", "", "--default-service", "lackier"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func (f *cliFixture) seedFinished(id string) {
	at := cliNow.Add(-time.Hour)
	price := decimal.RequireFromString("1000.00")
	f.store.PutRaw(memory.RawFromOrder(domain.Order{
		ID:             id,
		PrimaryService: domain.ServiceLackier,
		ServiceStatuses: map[domain.ServiceType]domain.ServiceStatusEntry{
			domain.ServiceLackier: {Status: "bereit", Timestamp: at},
		},
		LegacyProcessStatus: "bereit",
		LicensePlate:        "B-WF 1",
		Quote:               domain.Quote{AgreedPrice: &price},
		InvoicePending:      true,
		CompletedAt:         &at,
		CreatedAt:           at,
		LastModified:        at,
	}))
}

func TestWorkflowsCommand(t *testing.T) {
	f := newCLIFixture(t)

	out, _, err := f.run(t, "workflows")
	require.NoError(t, err)
	assert.Contains(t, out, "SERVICE")
	assert.Contains(t, out, "angenommen > demontage > montage > wuchten > bereit")

	out, _, err = f.run(t, "workflows", "Räder", "--json")
	require.NoError(t, err)
	var listed []workflowOutput
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "reifen", listed[0].Service)
	assert.Equal(t, "abholung", listed[0].Portal["bereit"])

	_, _, err = f.run(t, "workflows", "raumfahrt")
	assert.ErrorContains(t, err, "unknown service")
}

func TestValidateCommand(t *testing.T) {
	f := newCLIFixture(t)

	out, _, err := f.run(t, "validate", "lackier", "angenommen", "lackierung")
	require.NoError(t, err)
	assert.Equal(t, "allowed: lackier angenommen -> lackierung\n", out)

	out, _, err = f.run(t, "validate", "lackier", "angenommen", "qualitaet")
	assert.ErrorIs(t, err, errTransitionDenied)
	assert.Contains(t, out, "denied (too_many_skipped)")
	assert.Contains(t, out, "may override")

	out, _, err = f.run(t, "validate", "lackier", "trocknung", "vorbereitung")
	assert.ErrorIs(t, err, errTransitionDenied)
	assert.Contains(t, out, "denied (backward_transition)")

	_, _, err = f.run(t, "validate", "lackier", "angenommen")
	assert.Error(t, err)
}

func TestHealCommandDryRunAndWrite(t *testing.T) {
	f := newCLIFixture(t)
	f.store.PutRaw(domain.RawOrder{
		Order: domain.Order{ID: "F-9", PrimaryService: domain.ServiceLackier, CreatedAt: cliNow.Add(-time.Hour)},
		RawAdditional: domain.RawServiceList{
			Kind:   domain.RawListObject,
			Values: []string{"reifen", "lackier", "reifen"},
		},
		RawStatuses: map[string]domain.RawStatusEntry{
			"lackier": {Kind: domain.RawEntryString, Status: "vorbereitung"},
		},
	})

	out, _, err := f.run(t, "heal", "F-9")
	require.NoError(t, err)
	assert.Contains(t, out, string(domain.IssuePrimaryInAdditional))
	assert.Contains(t, out, "dry run")
	stored := f.store.Snapshot()
	require.Len(t, stored, 1)
	assert.Equal(t, domain.RawListObject, stored[0].RawAdditional.Kind)

	out, _, err = f.run(t, "heal", "F-9", "--write")
	require.NoError(t, err)
	assert.Contains(t, out, "stored healed order F-9")

	stored = f.store.Snapshot()
	require.Len(t, stored, 1)
	assert.Equal(t, domain.RawListArray, stored[0].RawAdditional.Kind)
	assert.Equal(t, []string{"reifen"}, stored[0].RawAdditional.Values)
	assert.Equal(t, "vorbereitung", stored[0].RawStatuses["lackier"].Status)

	out, _, err = f.run(t, "heal", "F-9")
	require.NoError(t, err)
	assert.Equal(t, "order F-9 is healthy\n", out)

	_, _, err = f.run(t, "heal", "F-missing")
	assert.Error(t, err)
}

func TestHealCommandReportsPendingMigration(t *testing.T) {
	f := newCLIFixture(t)
	f.store.PutRaw(domain.RawOrder{
		Order: domain.Order{
			ID:                  "F-8",
			PrimaryService:      domain.ServiceLackier,
			LegacyProcessStatus: "lackierung",
			CreatedAt:           cliNow.Add(-time.Hour),
		},
		RawAdditional: domain.RawServiceList{Kind: domain.RawListArray},
	})

	out, _, err := f.run(t, "heal", "F-8")
	require.NoError(t, err)
	assert.NotContains(t, out, "healthy")
	assert.Contains(t, out, "migration_pending")
	assert.Contains(t, out, "dry run")
	assert.Empty(t, f.store.Snapshot()[0].RawStatuses)

	out, _, err = f.run(t, "heal", "F-8", "--write")
	require.NoError(t, err)
	assert.Contains(t, out, "stored healed order F-8")
	stored := f.store.Snapshot()[0]
	assert.Equal(t, "lackierung", stored.RawStatuses["lackier"].Status)
	assert.Equal(t, domain.RawEntryObject, stored.RawStatuses["lackier"].Kind)

	out, _, err = f.run(t, "heal", "F-8")
	require.NoError(t, err)
	assert.Equal(t, "order F-8 is healthy\n", out)
}

func TestAllocateCommand(t *testing.T) {
	f := newCLIFixture(t)

	out, _, err := f.run(t, "allocate", "--peek")
	require.NoError(t, err)
	assert.Contains(t, out, "no invoice number allocated yet")

	out, _, err = f.run(t, "allocate")
	require.NoError(t, err)
	assert.Equal(t, "RE-2025-11-0001\n", out)
	out, _, err = f.run(t, "allocate")
	require.NoError(t, err)
	assert.Equal(t, "RE-2025-11-0002\n", out)

	out, _, err = f.run(t, "allocate", "--peek")
	require.NoError(t, err)
	assert.Equal(t, "2025-11 last=2\n", out)

	_, _, err = f.run(t, "allocate", "--period", "November")
	assert.ErrorContains(t, err, "invalid --period")
}

func TestInvoicesReconcileAndExport(t *testing.T) {
	f := newCLIFixture(t)
	f.seedFinished("F-1")

	out, _, err := f.run(t, "invoices", "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "scanned=1 created=1 skipped=0 failed=0")
	assert.Contains(t, out, "created RE-2025-11-0001")

	path := filepath.Join(t.TempDir(), "november.xlsx")
	_, errOut, err := f.run(t, "invoices", "export", "--month", "2025-11", "--out", path)
	require.NoError(t, err)
	assert.Contains(t, errOut, "wrote 1 invoices")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	book, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer book.Close()
	assert.NotEmpty(t, book.GetSheetList())

	_, _, err = f.run(t, "invoices", "export", "--month", "11/2025")
	assert.ErrorContains(t, err, "invalid --month")

	_, _, err = f.run(t, "invoices", "reconcile", "--limit", "0")
	assert.ErrorContains(t, err, "--limit must be positive")
}
