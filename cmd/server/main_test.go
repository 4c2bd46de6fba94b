package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/creditguard/billing"
	"github.com/warp/creditguard/config"
	"github.com/warp/creditguard/credit"
	"github.com/warp/creditguard/lock"
	"github.com/warp/creditguard/store/sqlite"
)

// seedDrift creates cus-1 with a 2000 bill through the guard and a 1200 bill
// written straight to the ledger, then writes a config pointing at the file.
func seedDrift(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data", "creditguard.db")
	require.NoError(t, os.MkdirAll(filepath.Dir(dbPath), 0o755))

	s, err := sqlite.New(dbPath)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	logger, _ := logtest.NewNullLogger()
	engine := credit.NewEngine(s, credit.WithLogger(logger))
	require.NoError(t, s.CreateCustomer(ctx, credit.Customer{
		ID:         "cus-1",
		BusinessID: "biz-1",
		Name:       "Acme",
		Policy:     credit.Policy{Enabled: true, Limit: decimal.NewFromInt(10000)},
	}))

	svc := billing.NewService(engine, s, logger)
	_, err = svc.CreateBill(ctx, billing.CreateBillRequest{
		Key: "inv-1", CustomerID: "cus-1", Total: decimal.NewFromInt(2000), ActorID: "u-1",
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, s.SaveBill(ctx, credit.Bill{
		ID:         billing.BillIDForKey("bypass"),
		BusinessID: "biz-1",
		CustomerID: "cus-1",
		Total:      decimal.NewFromInt(1200),
		Paid:       decimal.Zero,
		Status:     credit.BillPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))

	cfgPath := filepath.Join(dir, "creditguard.yaml")
	yaml := "database:\n  driver: sqlite\n  path: " + dbPath + "\nlog:\n  level: error\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o600))
	return cfgPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReconcileCommand_ReportsThenFixes(t *testing.T) {
	cfgPath := seedDrift(t)

	// GIVEN: the cache is 1200 behind the ledger
	// WHEN: reconciling without --auto-fix
	out, err := execute(t, "--config", cfgPath, "reconcile", "--business", "biz-1")

	// THEN: drift is reported, not fixed
	require.NoError(t, err)
	assert.Contains(t, out, "total=1 drifted=1 fixed=0 failed=0")
	assert.Contains(t, out, "cus-1")
	assert.Contains(t, out, "drift")

	// WHEN: reconciling with --auto-fix
	out, err = execute(t, "--config", cfgPath, "reconcile", "--business", "biz-1", "--auto-fix", "--actor", "ops")
	require.NoError(t, err)
	assert.Contains(t, out, "fixed=1")

	// THEN: a second pass finds nothing
	out, err = execute(t, "--config", cfgPath, "reconcile", "--business", "biz-1")
	require.NoError(t, err)
	assert.Contains(t, out, "total=1 drifted=0 fixed=0 failed=0")
}

func TestReconcileCommand_RequiresBusiness(t *testing.T) {
	cfgPath := seedDrift(t)

	_, err := execute(t, "--config", cfgPath, "reconcile")

	assert.Error(t, err)
}

func TestAuditCommand(t *testing.T) {
	cfgPath := seedDrift(t)

	_, err := execute(t, "--config", cfgPath, "reconcile", "--business", "biz-1", "--auto-fix")
	require.NoError(t, err)

	out, err := execute(t, "--config", cfgPath, "audit", "--customer", "cus-1")
	require.NoError(t, err)
	assert.Contains(t, out, "RESERVE")
	assert.Contains(t, out, "RECONCILED")
	assert.Contains(t, out, "bill:create:inv-1")

	out, err = execute(t, "--config", cfgPath, "audit", "--customer", "cus-1", "--action", "reconciled")
	require.NoError(t, err)
	assert.NotContains(t, out, "bill:create:inv-1")
	assert.Contains(t, out, "system")

	_, err = execute(t, "--config", cfgPath, "audit", "--customer", "cus-1", "--action", "BOGUS")
	assert.ErrorContains(t, err, "unknown action")
}

func TestOpenBackend(t *testing.T) {
	logger, _ := logtest.NewNullLogger()

	mem, closer, err := openBackend(config.DatabaseConfig{Driver: "memory"}, logger)
	require.NoError(t, err)
	assert.NotNil(t, mem)
	assert.Nil(t, closer)

	path := filepath.Join(t.TempDir(), "nested", "db.sqlite")
	lite, closer, err := openBackend(config.DatabaseConfig{Driver: "sqlite", Path: path}, logger)
	require.NoError(t, err)
	assert.NotNil(t, lite)
	require.NoError(t, closer())
	assert.FileExists(t, path)

	_, _, err = openBackend(config.DatabaseConfig{Driver: "postgres"}, logger)
	assert.ErrorContains(t, err, "unknown database driver")
}

func TestNewLocker_LocalWithoutRedis(t *testing.T) {
	locker, closer, err := newLocker(context.Background(), config.RedisConfig{})

	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.IsType(t, &lock.LocalLocker{}, locker)
}
