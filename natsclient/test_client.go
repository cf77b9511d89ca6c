//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const defaultNATSImage = "nats:2.11.7-alpine"

// TestServer is a JetStream-enabled NATS server in a container
type TestServer struct {
	container testcontainers.Container
	URL       string
}

// TestOption configures a test server
type TestOption func(*testServerConfig)

type testServerConfig struct {
	image        string
	startTimeout time.Duration
}

// WithNATSImage overrides the container image
func WithNATSImage(image string) TestOption {
	return func(cfg *testServerConfig) {
		cfg.image = image
	}
}

// WithStartTimeout sets the container startup timeout
func WithStartTimeout(d time.Duration) TestOption {
	return func(cfg *testServerConfig) {
		cfg.startTimeout = d
	}
}

// NewTestServer starts a NATS container for the duration of t
func NewTestServer(t testing.TB, opts ...TestOption) *TestServer {
	t.Helper()

	cfg := testServerConfig{
		image:        defaultNATSImage,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.startTimeout)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        cfg.image,
			ExposedPorts: []string{"4222/tcp"},
			Cmd:          []string{"--js"},
			WaitingFor: wait.ForLog("Server is ready").
				WithStartupTimeout(cfg.startTimeout),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start NATS container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate NATS container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	return &TestServer{
		container: container,
		URL:       fmt.Sprintf("nats://%s:%s", host, port.Port()),
	}
}

// Connect returns a connected client that is closed with t
func (s *TestServer) Connect(t testing.TB, opts ...ClientOption) *Client {
	t.Helper()

	client, err := NewClient(s.URL, append([]ClientOption{WithTimeout(5 * time.Second)}, opts...)...)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close(context.Background())
	})
	return client
}
