package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "epicbot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		require.Nil(t, st)
	}
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	require.ErrorContains(t, err, "unknown storage driver")
}

func TestAuditRoundTrip(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "state", "epicbot.db")

			st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })

			base := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
			for i, target := range []string{"-1001", "-1002", "-1003"} {
				e := AuditEntry{At: base.Add(time.Duration(i) * time.Second), Plugin: "epicfree", Action: "push", Target: target, OK: 1, TookMS: int64(10 * i)}
				if i == 1 {
					e.OK, e.Fail, e.Error = 0, 1, "chat not found"
				}
				require.NoError(t, st.AppendAudit(ctx, e))
			}
			require.NoError(t, st.AppendAudit(ctx, AuditEntry{At: base, Plugin: "other", Action: "x"}))

			got, err := st.RecentAudit(ctx, "epicfree", 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.Equal(t, "-1003", got[0].Target)
			require.Equal(t, "-1002", got[1].Target)
			require.Equal(t, "chat not found", got[1].Error)
			require.Equal(t, 1, got[1].Fail)
			require.True(t, got[0].At.Equal(base.Add(2*time.Second)))

			all, err := st.RecentAudit(ctx, "", 10)
			require.NoError(t, err)
			require.Len(t, all, 4)

			none, err := st.RecentAudit(ctx, "epicfree", 0)
			require.NoError(t, err)
			require.Empty(t, none)
		})
	}
}

func TestFileStoreRejectsAfterClose(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "a.json")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.ErrorIs(t, st.AppendAudit(context.Background(), AuditEntry{Plugin: "p"}), ErrDisabled)
}
