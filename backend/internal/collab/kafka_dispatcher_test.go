package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"

	"collabEditor/backend/internal/ot/operation"
)

func TestKafkaDispatcher_SendsEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt DocOpEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.Filename != "doc.txt" || evt.Operation.Kind != operation.KindInsert {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "doc-ops", NewSemaphoreControl(1), KafkaDispatcherOptions{QueueSize: 4, Workers: 1})
	evt := DocOpEvent{
		EventType: EventOpApplied,
		Filename:  "doc.txt",
		Operation: operation.NewInsert(operation.Pos{}, []string{"Hi"}, "u1"),
		AppliedAt: time.Now(),
	}
	if err := d.Enqueue(context.Background(), evt); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d.Close()
	if err := producer.Close(); err != nil {
		t.Fatalf("producer expectations: %v", err)
	}
}

func TestKafkaDispatcher_RetriesThenSucceeds(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker unavailable"))
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "doc-ops", nil, KafkaDispatcherOptions{
		QueueSize: 1, Workers: 1, MaxRetry: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond,
	})
	if err := d.Enqueue(context.Background(), DocOpEvent{Filename: "doc.txt"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d.Close()
	if err := producer.Close(); err != nil {
		t.Fatalf("producer expectations: %v", err)
	}
}

func TestKafkaDispatcher_EnqueueAfterClose(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, KafkaDispatcherOptions{})
	d.Close()
	if err := d.Enqueue(context.Background(), DocOpEvent{}); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("Enqueue() after Close error = %v, want ErrDispatcherClosed", err)
	}
}

func TestSemaphoreControl(t *testing.T) {
	sem := NewSemaphoreControl(1)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(ctx); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("second Acquire() error = %v, want ErrAcquireTimeout", err)
	}
	if err := sem.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := sem.Release(); !errors.Is(err, ErrReleaseUnacquired) {
		t.Fatalf("extra Release() error = %v", err)
	}
}
