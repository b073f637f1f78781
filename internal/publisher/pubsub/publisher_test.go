package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type runNote struct {
	Stage string `json:"stage"`
}

func (n runNote) Attributes() map[string]string {
	return map[string]string{"stage": n.Stage}
}

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublishSendsJSONWithAttributes(t *testing.T) {
	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "stage-runs")
	require.NoError(t, err)

	pub := New(client)
	id, err := pub.Publish(ctx, "stage-runs", runNote{Stage: "websites"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"stage":"websites"}`, string(msgs[0].Data))
	require.Equal(t, "websites", msgs[0].Attributes["stage"])
}

func TestPublishRequiresTopic(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := New(client).Publish(context.Background(), "", runNote{})
	require.ErrorContains(t, err, "topic")
}

func TestOpenRequiresProject(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "")
	require.ErrorContains(t, err, "project")
}
