//go:build integration

package redis

import (
	"context"
	"testing"

	"github.com/dukex/orchestra/pkg/events"
	"github.com/dukex/orchestra/pkg/models"
	"github.com/dukex/orchestra/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestCheckpointRepository(t *testing.T) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	defer func() { _ = container.Terminate(ctx) }()

	url, err := container.PortEndpoint(ctx, "6379/tcp", "redis")
	require.NoError(t, err)

	repo, err := Open(ctx, url)
	require.NoError(t, err)

	defer func() { _ = repo.Close() }()

	def := &models.WorkflowDefinition{
		ID: "etl", Version: 1, Name: "etl",
		Tasks: []models.TaskSpec{{ID: "fetch", Component: "http", Action: "get"}},
	}

	x, err := models.Instantiate(def, nil, nil)
	require.NoError(t, err)

	first, err := models.NewCheckpoint(x, models.CheckpointInitial)
	require.NoError(t, err)

	require.NoError(t, x.Apply(x.NewEvent(events.ExecutionStarted, "", x.CreatedAt)))

	second, err := models.NewCheckpoint(x, models.CheckpointInterval)
	require.NoError(t, err)

	require.NoError(t, repo.Save(ctx, second))
	require.NoError(t, repo.Save(ctx, first))

	latest, err := repo.Latest(ctx, x.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	require.NoError(t, latest.Verify())

	list, err := repo.List(ctx, x.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)

	require.NoError(t, repo.Delete(ctx, second.ID))

	latest, err = repo.Latest(ctx, x.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)

	_, err = repo.Get(ctx, second.ID)
	assert.True(t, persistence.IsCheckpointNotFound(err))
}
