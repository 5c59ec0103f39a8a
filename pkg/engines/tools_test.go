package engines

import (
	"sync"
	"testing"

	"simple-stm/pkg/config"
)

// Thread runs tasks one at a time on its own goroutine. Do returns once the task
// finished, so tests can interleave transactions of several goroutines in a
// fixed order.
type Thread struct {
	TaskChan chan func() bool
	Group    *sync.WaitGroup
	finished chan struct{}
}

func NewThread(group *sync.WaitGroup) *Thread {
	return &Thread{
		TaskChan: make(chan func() bool),
		Group:    group,
		finished: make(chan struct{}),
	}
}

func (t *Thread) Run() *Thread {
	go func() {
		for fun := range t.TaskChan {
			exit := fun()
			t.finished <- struct{}{}
			if exit {
				t.Group.Done()
				return
			}
		}
	}()
	return t
}

func (t *Thread) Do(fun func() bool) {
	t.TaskChan <- fun
	<-t.finished
}

func newTestEngine(t *testing.T) *StringEngine {
	engine, err := NewStringEngine(config.NewTestConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return engine
}
