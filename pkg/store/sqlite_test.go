package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oetiker/go-cert-fleet-manager/pkg/common"
)

func newTestDB(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestConnectionRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.CreateConnection(ctx, &common.Connection{
		Name:               "CUCM Publisher",
		ApplicationType:    common.AppTypeVOS,
		Hostname:           "cucm01",
		Domain:             "voice.example.com",
		AltNames:           []string{"a.example.com", "b.example.com"},
		Username:           "admin",
		Password:           "secret",
		SSLProvider:        "acme_primary",
		DNSProvider:        "cloudflare",
		EnableSSH:          true,
		AutoRestartService: true,
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	conn, err := db.GetConnectionByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "CUCM Publisher", conn.Name)
	assert.Equal(t, common.AppTypeVOS, conn.ApplicationType)
	assert.Equal(t, "cucm01.voice.example.com", conn.FQDN())
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, conn.AltNames)
	assert.True(t, conn.EnableSSH)
	assert.True(t, conn.AutoRestartService)
	assert.Nil(t, conn.LastCertIssued)
	assert.Zero(t, conn.CertCountThisWeek)
}

func TestGetConnectionNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetConnectionByID(context.Background(), 999)
	assert.True(t, common.IsKind(err, common.KindNotFound), "kind = %q", common.KindOf(err))
}

func TestUpdateConnection(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id, err := db.CreateConnection(ctx, &common.Connection{
		Name: "web", ApplicationType: common.AppTypeGeneral,
		Hostname: "www", Domain: "example.com",
	})
	require.NoError(t, err)

	issued := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.UpdateConnection(ctx, id, map[string]any{
		"last_cert_issued":      issued,
		"cert_count_this_week":  3,
		"cert_count_reset_date": issued,
	}))

	conn, err := db.GetConnectionByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, conn.LastCertIssued)
	assert.True(t, conn.LastCertIssued.Equal(issued))
	assert.Equal(t, 3, conn.CertCountThisWeek)
	require.NotNil(t, conn.CertCountResetDate)
	assert.True(t, conn.CertCountResetDate.Equal(issued))
}

func TestUpdateConnectionRejectsUnknownField(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id, err := db.CreateConnection(ctx, &common.Connection{
		Name: "x", ApplicationType: common.AppTypeGeneral, Hostname: "h", Domain: "d.com",
	})
	require.NoError(t, err)

	assert.Error(t, db.UpdateConnection(ctx, id, map[string]any{"name": "evil"}))
}

func TestUpdateConnectionNotFound(t *testing.T) {
	db := newTestDB(t)
	err := db.UpdateConnection(context.Background(), 42, map[string]any{"cert_count_this_week": 1})
	assert.True(t, common.IsKind(err, common.KindNotFound))
}

func TestSettings(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	settings, err := db.GetSettingsByProvider(ctx, "cloudflare")
	require.NoError(t, err)
	assert.Empty(t, settings)

	require.NoError(t, db.UpsertSetting(ctx, "cloudflare", "CF_TOKEN", "old"))
	require.NoError(t, db.UpsertSetting(ctx, "cloudflare", "CF_TOKEN", "new"))
	require.NoError(t, db.UpsertSetting(ctx, "route53", "AWS_REGION", "eu-west-1"))

	settings, err = db.GetSettingsByProvider(ctx, "cloudflare")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"CF_TOKEN": "new"}, settings)
}

func TestRenewalStatusRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	end := time.Date(2025, 8, 2, 9, 30, 0, 0, time.UTC)
	status := &common.RenewalStatus{
		ID:           "renewal-1",
		ConnectionID: 7,
		State:        common.StateWaitingManualDNS,
		Message:      "Waiting for manually created DNS records",
		Progress:     common.StateWaitingManualDNS.Progress(),
		StartTime:    end.Add(-time.Hour),
		Logs:         []string{"line one", "line two"},
		ManualDNS: &common.ManualDNSEntry{
			RecordName:   "_acme-challenge.cucm01.example.com.",
			RecordValue:  "abc",
			Instructions: "create the record",
		},
	}
	require.NoError(t, db.SaveRenewalStatus(ctx, status))

	loaded, err := db.GetRenewalStatus(ctx, "renewal-1")
	require.NoError(t, err)
	assert.Equal(t, status.ConnectionID, loaded.ConnectionID)
	assert.Equal(t, common.StateWaitingManualDNS, loaded.State)
	assert.Equal(t, status.Logs, loaded.Logs)
	require.NotNil(t, loaded.ManualDNS)
	assert.Equal(t, "abc", loaded.ManualDNS.RecordValue)
	assert.Nil(t, loaded.EndTime)

	// Upsert to terminal.
	status.State = common.StateFailed
	status.Error = "propagation timed out"
	status.EndTime = &end
	require.NoError(t, db.SaveRenewalStatus(ctx, status))

	loaded, err = db.GetRenewalStatus(ctx, "renewal-1")
	require.NoError(t, err)
	assert.Equal(t, common.StateFailed, loaded.State)
	assert.Equal(t, "propagation timed out", loaded.Error)
	require.NotNil(t, loaded.EndTime)
	assert.True(t, loaded.EndTime.Equal(end))
}

func TestGetRenewalStatusNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetRenewalStatus(context.Background(), "missing")
	assert.True(t, common.IsKind(err, common.KindNotFound))
}

func TestListUnfinishedRenewalStatuses(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	save := func(id string, state common.RenewalState) {
		require.NoError(t, db.SaveRenewalStatus(ctx, &common.RenewalStatus{
			ID: id, ConnectionID: 1, State: state, StartTime: now, Logs: []string{},
		}))
	}
	save("done", common.StateCompleted)
	save("dead", common.StateFailed)
	save("live-1", common.StateWaitingDNSPropagation)
	save("live-2", common.StatePending)

	unfinished, err := db.ListUnfinishedRenewalStatuses(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(unfinished))
	for _, s := range unfinished {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{"live-1", "live-2"}, ids)
}
