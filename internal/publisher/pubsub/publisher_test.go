package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
	"github.com/JakeFAU/resilient-extractor/internal/jobs"
)

func TestPublisherPublishesNotification(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer func() { _ = srv.Close() }()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	topicName := "projects/project-id/topics/batches"
	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	require.NoError(t, err)

	pub := New(client.Publisher(topicName))
	defer pub.Stop()

	note := jobs.Notification{
		JobID:      "job-1",
		BatchID:    "nightly",
		Status:     jobs.StatusSucceeded,
		Stats:      extraction.Stats{Total: 3, Successful: 2, Failed: 1, SuccessRate: 2.0 / 3},
		FinishedAt: time.Unix(100, 0).UTC(),
	}
	id, err := pub.Publish(ctx, "ignored", note)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "nightly", msgs[0].Attributes["batch_id"])
	require.Equal(t, "job-1", msgs[0].Attributes["job_id"])
	require.Equal(t, "succeeded", msgs[0].Attributes["status"])

	var decoded jobs.Notification
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	require.Equal(t, 2, decoded.Stats.Successful)
}

func TestPublisherWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "", map[string]string{})
	require.ErrorContains(t, err, "not configured")
}

func TestAttributes(t *testing.T) {
	t.Parallel()

	require.Empty(t, Attributes(map[string]string{"k": "v"}))
	attrs := Attributes(&jobs.Notification{JobID: "j", BatchID: "b", Status: jobs.StatusFailed})
	require.Equal(t, map[string]string{"job_id": "j", "batch_id": "b", "status": "failed"}, attrs)

	carrier := &pubsubCarrier{attrs: attrs}
	carrier.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", carrier.Get("traceparent"))
	require.ElementsMatch(t, []string{"job_id", "batch_id", "status", "traceparent"}, carrier.Keys())
}
