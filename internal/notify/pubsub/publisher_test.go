package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPublishDeliversJSONWithAttributes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	_, err := srv.GServer.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/test-project/topics/run-reports"})
	require.NoError(t, err)

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	pub := New(client.Publisher("run-reports"))
	id, err := pub.Publish(ctx, map[string]any{"collector_id": "court-a", "status": "ok"}, map[string]string{"status": "ok"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "ok", msgs[0].Attributes["status"])
	var body map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &body))
	require.Equal(t, "court-a", body["collector_id"])
}

func TestPublishWithoutPublisher(t *testing.T) {
	t.Parallel()

	_, err := (&Publisher{}).Publish(context.Background(), "x", nil)
	require.Error(t, err)
	_, err = Dial(context.Background(), "", "")
	require.Error(t, err)
}
