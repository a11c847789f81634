//go:build integration

package registry

import (
	"context"
	"testing"

	"github.com/dukex/orchestra/pkg/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestNATSTransport(t *testing.T) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready"),
		},
		Started: true,
	})
	require.NoError(t, err)

	defer func() { _ = container.Terminate(ctx) }()

	url, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)

	conn, err := nats.Connect(url)
	require.NoError(t, err)

	defer conn.Close()

	sub, err := Serve(conn, "components.echo", echoComponent())
	require.NoError(t, err)

	defer func() { _ = sub.Unsubscribe() }()

	r := NewRegistry(testLogger())
	r.RegisterTransport(NewNATSTransport(conn))
	require.NoError(t, r.Register(protocol.Endpoint{Component: "echo", Transport: NATSTransportName, Address: "components.echo"}))

	endpoint, err := r.Resolve(ctx, "echo")
	require.NoError(t, err)

	out, err := r.Invoke(ctx, endpoint, "say", map[string]any{"text": "over nats"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"said": "over nats"}, out)

	_, err = r.Invoke(ctx, endpoint, "fail", nil)

	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "action_failed", remote.Code)
}
