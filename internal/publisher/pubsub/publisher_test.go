package pubsub

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type roundPayload struct {
	Round int `json:"round"`
}

func (r roundPayload) Attributes() map[string]string {
	return map[string]string{"round": "7"}
}

func TestPublisherPublishesJSON(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := pstest.NewServer()
	defer func() { _ = srv.Close() }()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = client.CreateTopic(ctx, "rounds")
	require.NoError(t, err)

	pub := New(client, nil)
	id, err := pub.Publish(ctx, "rounds", roundPayload{Round: 7})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	pub.Stop()
	pub.Stop()

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"round":7}`, string(msgs[0].Data))
	assert.Equal(t, "application/json", msgs[0].Attributes["content_type"])
	assert.Equal(t, "7", msgs[0].Attributes["round"])

	_, err = pub.Publish(ctx, "rounds", roundPayload{Round: 8})
	assert.Error(t, err)
}

func TestPublisherRejectsMisconfiguration(t *testing.T) {
	t.Parallel()

	var nilPub *Publisher
	_, err := nilPub.Publish(context.Background(), "rounds", "x")
	assert.Error(t, err)

	pub := New(nil, nil)
	_, err = pub.Publish(context.Background(), "rounds", "x")
	assert.Error(t, err)
}
