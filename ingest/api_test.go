// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ingest_test

import (
	"encoding/json"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/inlet/ingest"
	"storj.io/inlet/ingest/ingestdb"
	"storj.io/inlet/ingest/ingestdb/testdb"
	"storj.io/inlet/ingest/source"
)

func TestOpsServerEndpoints(t *testing.T) {
	testdb.Run(t, func(ctx *testcontext.Context, t *testing.T, db *ingestdb.DB) {
		tenant, err := db.Tenants().Create(ctx, "acme")
		require.NoError(t, err)
		require.NoError(t, db.Tenants().ConnectSource(ctx, tenant.ID, source.TeamworkTask, "acme", nil))

		backfill, err := db.Backfills().Create(ctx, tenant.ID, source.TeamworkTask)
		require.NoError(t, err)
		require.NoError(t, db.Backfills().AddTotal(ctx, backfill.ID, 3))
		require.NoError(t, db.Backfills().AddAttempted(ctx, backfill.ID))
		require.NoError(t, db.Backfills().AddDone(ctx, backfill.ID))

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)

		srv := ingest.NewOpsServer(zaptest.NewLogger(t), listener, db)
		defer ctx.Check(srv.Close)
		ctx.Go(func() error { return srv.Run(ctx) })

		base := "http://" + srv.TestGetAddress()

		get := func(path string, out any) int {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer func() { require.NoError(t, resp.Body.Close()) }()
			if out != nil {
				require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
			}
			return resp.StatusCode
		}

		var tenants []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		require.Equal(t, http.StatusOK, get("/tenants", &tenants))
		require.Len(t, tenants, 1)
		require.Equal(t, tenant.ID.String(), tenants[0].ID)
		require.Equal(t, "acme", tenants[0].Name)

		var sources []struct {
			Source    string `json:"source"`
			Connected bool   `json:"connected"`
			Subdomain string `json:"subdomain"`
		}
		require.Equal(t, http.StatusOK, get("/tenants/"+tenant.ID.String()+"/sources", &sources))
		require.Len(t, sources, 1)
		require.Equal(t, "teamwork_task", sources[0].Source)
		require.True(t, sources[0].Connected)
		require.Equal(t, "acme", sources[0].Subdomain)

		var backfills []struct {
			Source          string `json:"source"`
			TotalIngestJobs int64  `json:"total_ingest_jobs"`
			Attempted       int64  `json:"attempted"`
			Done            int64  `json:"done"`
			Finished        bool   `json:"finished"`
		}
		require.Equal(t, http.StatusOK, get("/tenants/"+tenant.ID.String()+"/backfills", &backfills))
		require.Len(t, backfills, 1)
		require.Equal(t, int64(3), backfills[0].TotalIngestJobs)
		require.Equal(t, int64(1), backfills[0].Done)
		require.False(t, backfills[0].Finished)

		require.Equal(t, http.StatusBadRequest, get("/tenants/not-a-uuid/sources", nil))
	})
}
