package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miradorstack/mirador-gateway/internal/models"
)

var errDownstream = errors.New("downstream unavailable")

type fakeAnalyzer struct {
	mu          sync.Mutex
	calls       map[models.ServiceName]int
	events      []string
	script      map[models.ServiceName][]error
	block       map[models.ServiceName]bool
	delay       time.Duration
	inFlight    int32
	maxInFlight int32
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		calls:  make(map[models.ServiceName]int),
		script: make(map[models.ServiceName][]error),
		block:  make(map[models.ServiceName]bool),
	}
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, service models.ServiceName, req models.OrchestrationRequest) (any, error) {
	current := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxInFlight)
		if current <= seen || atomic.CompareAndSwapInt32(&f.maxInFlight, seen, current) {
			break
		}
	}

	f.mu.Lock()
	idx := f.calls[service]
	f.calls[service]++
	f.events = append(f.events, "start:"+string(service))
	var scripted error
	if idx < len(f.script[service]) {
		scripted = f.script[service][idx]
	}
	block := f.block[service]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.events = append(f.events, "end:"+string(service))
		f.mu.Unlock()
	}()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if scripted != nil {
		return nil, scripted
	}
	return map[string]any{"service": string(service), "projectId": req.ProjectID}, nil
}

func (f *fakeAnalyzer) callCount(service models.ServiceName) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[service]
}

func (f *fakeAnalyzer) eventIndex(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.events {
		if e == event {
			return i
		}
	}
	return -1
}

type fakeFallbacks struct {
	mu    sync.Mutex
	data  map[models.ServiceName]any
	saved int
}

func (f *fakeFallbacks) Load(_ context.Context, service models.ServiceName, _ models.OrchestrationRequest) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[service]
	return data, ok
}

func (f *fakeFallbacks) Save(_ context.Context, service models.ServiceName, _ models.OrchestrationRequest, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		f.data = make(map[models.ServiceName]any)
	}
	f.data[service] = data
	f.saved++
	return nil
}
