package changefeed

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"tasksync/domain"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueSink enqueues every change event on an Azure Storage queue so
// consumers outside this process can follow task changes durably.
type QueueSink struct {
	queue queueClient
}

// NewQueueSink creates a sink for the queue named name.
func NewQueueSink(connStr, name string) (*QueueSink, error) {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return nil, err
	}
	return &QueueSink{queue: q}, nil
}

func (s *QueueSink) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := sonic.MarshalString(ev)
	if err != nil {
		return err
	}
	_, err = s.queue.EnqueueMessage(ctx, data, nil)
	return err
}
