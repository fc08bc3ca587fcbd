//go:build integration

package store_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohammad-safakhou/newsdesk/internal/agent/core"
	"github.com/mohammad-safakhou/newsdesk/internal/server"
	"github.com/mohammad-safakhou/newsdesk/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "newsdesk",
			"POSTGRES_PASSWORD": "newsdesk",
			"POSTGRES_DB":       "newsdesk",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	host, err := pg.Host(ctx)
	require.NoError(t, err)
	port, err := pg.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://newsdesk:newsdesk@%s:%s/newsdesk?sslmode=disable", host, port.Port())
}

func migrationsDir(t *testing.T) string {
	t.Helper()
	cwd, _ := os.Getwd()
	for i := 0; i < 6; i++ {
		candidate := filepath.Join(cwd, "migrations")
		if st, err := os.Stat(candidate); err == nil && st.IsDir() {
			return "file://" + candidate
		}
		cwd = filepath.Dir(cwd)
	}
	t.Fatal("migrations directory not found")
	return ""
}

func TestStoreAgainstPostgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	dsn := startPostgres(t, ctx)
	require.NoError(t, server.Migrate(migrationsDir(t), dsn, "up", 0))

	st, err := store.Open(ctx, dsn)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.MarkRunStarted(ctx, "sess-int", "2026-10-18", "parallel"))
	rec, ok, err := st.GetRun(ctx, "sess-int")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.RunStatusRunning, rec.Status)
	assert.Nil(t, rec.FinishedAt)

	start := time.Now().UTC().Truncate(time.Millisecond)
	report := core.RunReport{
		SessionID: "sess-int",
		Date:      "2026-10-18",
		Mode:      "parallel",
		Results: map[string]core.StoryResult{
			"greek_political_1": {Story: core.Story{ID: 1, Category: "greek_political", Headline: "Vote"}, Synthesis: "Ψηφοφορία"},
			"science_1":         {Story: core.Story{ID: 1, Category: "science", Headline: "Probe"}},
		},
		Errors:     map[string]core.Errors{},
		Summary:    core.RunSummary{Status: core.RunStatusCompleted, Processed: 2, Successful: 2, CostUSD: 0.125},
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
	}
	require.NoError(t, st.SaveRun(ctx, report))
	// saving twice replaces the story rows
	require.NoError(t, st.SaveRun(ctx, report))

	rec, ok, err = st.GetRun(ctx, "sess-int")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.RunStatusCompleted, rec.Status)
	assert.InDelta(t, 0.125, rec.CostUSD, 1e-9)
	require.NotNil(t, rec.FinishedAt)

	stories, err := st.ListStories(ctx, "sess-int")
	require.NoError(t, err)
	require.Len(t, stories, 2)
	assert.Equal(t, "greek_political_1", stories[0].StoryKey)

	science, err := st.ListStories(ctx, "sess-int", "science")
	require.NoError(t, err)
	require.Len(t, science, 1)

	runs, err := st.ListRuns(ctx, store.ListFilter{Statuses: []string{core.RunStatusCompleted}})
	require.NoError(t, err)
	require.Len(t, runs, 1)
}
