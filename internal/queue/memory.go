package queue

import (
	"context"
	"sync"

	"github.com/conveyorhq/conveyor/internal/xerr"
)

const defaultBuffer = 1024

// Memory is a channel-backed queue for tests and single-node runs.
type Memory struct {
	ch     chan string
	once   sync.Once
	closed chan struct{}
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Memory{
		ch:     make(chan string, buffer),
		closed: make(chan struct{}),
	}
}

func (m *Memory) Publish(ctx context.Context, jobID string) error {
	select {
	case m.ch <- jobID:
		return nil
	case <-m.closed:
		return xerr.New(xerr.CodeQueue, "queue closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.closed:
					return
				case jobID := <-m.ch:
					// Handler errors are the handler's concern; the
					// queue keeps consuming.
					_ = handler(ctx, jobID)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

var _ Queue = (*Memory)(nil)
