//go:build integration

package containers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RabbitMQContainer wraps a RabbitMQ broker started from the generic
// container API.
type RabbitMQContainer struct {
	Container testcontainers.Container
	URL       string
}

// NewRabbitMQContainer starts a RabbitMQ broker with default credentials.
func NewRabbitMQContainer(t *testing.T) *RabbitMQContainer {
	t.Helper()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start rabbitmq container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get rabbitmq host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5672/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get rabbitmq port: %v", err)
	}

	return &RabbitMQContainer{
		Container: container,
		URL:       fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port()),
	}
}
