package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	sent    []string
	inbox   []sqstypes.Message
	deleted []string
	recvErr error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	msgs := f.inbox
	f.inbox = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

type fakeReplayer map[string]error

func (f fakeReplayer) Replay(_ context.Context, id string) (Outcome, error) {
	if err, ok := f[id]; ok {
		return "", err
	}
	return OutcomeApplied, nil
}

func message(t *testing.T, handle string, msg ReplayMessage) sqstypes.Message {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return sqstypes.Message{Body: aws.String(string(body)), ReceiptHandle: aws.String(handle)}
}

func TestSQSPublisherSendsReplayMessage(t *testing.T) {
	q := &fakeSQS{}
	p := NewSQSPublisher(q, "https://sqs.example/queue")

	require.NoError(t, p.Publish(context.Background(), ReplayMessage{UnreconciledID: "u-1", EventType: EventSubscriptionUpdated}))
	require.Len(t, q.sent, 1)

	var got ReplayMessage
	require.NoError(t, json.Unmarshal([]byte(q.sent[0]), &got))
	assert.Equal(t, "u-1", got.UnreconciledID)
}

func TestWorkerDeletesOnlyFinishedMessages(t *testing.T) {
	q := &fakeSQS{}
	q.inbox = []sqstypes.Message{
		message(t, "h-ok", ReplayMessage{UnreconciledID: "ok"}),
		message(t, "h-retry", ReplayMessage{UnreconciledID: "retry"}),
		message(t, "h-done", ReplayMessage{UnreconciledID: "done"}),
		message(t, "h-gone", ReplayMessage{UnreconciledID: "gone"}),
		message(t, "h-stuck", ReplayMessage{UnreconciledID: "stuck"}),
		{Body: aws.String("not json"), ReceiptHandle: aws.String("h-bad")},
	}
	replayer := fakeReplayer{
		"retry": &SkipError{Reason: "unknown customer id"},
		"done":  ErrAlreadyReplayed,
		"gone":  ErrUnknownUnreconciled,
		"stuck": fmt.Errorf("%w: %w", ErrReplayExhausted, &SkipError{Reason: "unknown customer id"}),
	}
	w := NewWorker(q, "https://sqs.example/queue", replayer, nil)

	n, err := w.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.ElementsMatch(t, []string{"h-ok", "h-done", "h-gone", "h-stuck", "h-bad"}, q.deleted)
}

func TestWorkerReportsReceiveErrors(t *testing.T) {
	q := &fakeSQS{recvErr: errors.New("throttled")}
	w := NewWorker(q, "https://sqs.example/queue", fakeReplayer{}, nil)

	_, err := w.PollOnce(context.Background())
	assert.Error(t, err)
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewWorker(&fakeSQS{}, "q", fakeReplayer{}, nil)
	assert.NoError(t, w.Run(ctx))
}
