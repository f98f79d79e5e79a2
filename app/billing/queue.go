package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// ReplayMessage points a worker at a stored unreconciled event.
type ReplayMessage struct {
	UnreconciledID string `json:"unreconciled_id"`
	EventType      string `json:"event_type"`
}

// Publisher announces new dead-lettered events.
type Publisher interface {
	Publish(ctx context.Context, msg ReplayMessage) error
}

type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSPublisher struct {
	client   SQSAPI
	queueURL string
}

func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Publish(ctx context.Context, msg ReplayMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("send replay message: %w", err)
	}
	return nil
}

// Replayer is the part of the reconciler a Worker drives.
type Replayer interface {
	Replay(ctx context.Context, id string) (Outcome, error)
}

// Worker long-polls the dead-letter queue and replays each referenced event.
// Messages are deleted after a successful replay or when they can never
// succeed; anything else becomes visible again after the visibility timeout.
type Worker struct {
	client     SQSAPI
	queueURL   string
	replayer   Replayer
	log        *zap.Logger
	idleSleep  time.Duration
	errorSleep time.Duration
}

func NewWorker(client SQSAPI, queueURL string, replayer Replayer, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		client:     client,
		queueURL:   queueURL,
		replayer:   replayer,
		log:        log.Named("reconcile-worker"),
		idleSleep:  2 * time.Second,
		errorSleep: 5 * time.Second,
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", zap.String("queue_url", w.queueURL))
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := w.PollOnce(ctx)
		switch {
		case err != nil:
			w.log.Warn("receive failed", zap.Error(err))
			sleep(ctx, w.errorSleep)
		case n == 0:
			sleep(ctx, w.idleSleep)
		}
	}
}

// PollOnce receives one batch and handles it. It returns the number of
// messages received.
func (w *Worker) PollOnce(ctx context.Context) (int, error) {
	recvCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	resp, err := w.client.ReceiveMessage(recvCtx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(w.queueURL),
		MaxNumberOfMessages: 5,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	cancel()
	if err != nil {
		return 0, err
	}

	for _, m := range resp.Messages {
		w.handle(ctx, m)
	}
	return len(resp.Messages), nil
}

func (w *Worker) handle(ctx context.Context, m sqstypes.Message) {
	if m.Body == nil {
		w.log.Warn("message with empty body")
		w.delete(ctx, m)
		return
	}

	var msg ReplayMessage
	if err := json.Unmarshal([]byte(*m.Body), &msg); err != nil || msg.UnreconciledID == "" {
		w.log.Warn("malformed replay message", zap.Int("body_len", len(*m.Body)))
		w.delete(ctx, m)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, time.Minute)
	outcome, err := w.replayer.Replay(jobCtx, msg.UnreconciledID)
	cancel()

	switch {
	case err == nil:
		w.log.Info("replayed", zap.String("unreconciled_id", msg.UnreconciledID), zap.String("outcome", string(outcome)))
		w.delete(ctx, m)
	case errors.Is(err, ErrAlreadyReplayed), errors.Is(err, ErrUnknownUnreconciled):
		w.log.Info("nothing to replay", zap.String("unreconciled_id", msg.UnreconciledID), zap.Error(err))
		w.delete(ctx, m)
	case errors.Is(err, ErrReplayExhausted):
		// The row stays listed for a manual replay.
		w.log.Warn("giving up on replay", zap.String("unreconciled_id", msg.UnreconciledID), zap.Error(err))
		w.delete(ctx, m)
	default:
		// Left on the queue for another attempt.
		w.log.Warn("replay failed", zap.String("unreconciled_id", msg.UnreconciledID), zap.Error(err))
	}
}

func (w *Worker) delete(ctx context.Context, m sqstypes.Message) {
	if m.ReceiptHandle == nil {
		return
	}
	_, err := w.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(w.queueURL),
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		w.log.Warn("failed to delete SQS message", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
