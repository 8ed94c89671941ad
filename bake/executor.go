package bake

import "sync"

// SerialExecutor runs tasks one at a time, in submission order, on its own goroutine.
type SerialExecutor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

func NewSerialExecutor() *SerialExecutor {
	e := &SerialExecutor{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	go e.loop()
	return e
}

func (e *SerialExecutor) Execute(task func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		panic("lodtiles: execute on closed executor")
	}
	e.tasks = append(e.tasks, task)
	e.cond.Signal()
}

func (e *SerialExecutor) loop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.tasks) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.tasks) == 0 {
			e.mu.Unlock()
			return
		}
		task := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		task()
	}
}

// Close runs the remaining tasks and stops the goroutine.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
	<-e.done
}

// QueueExecutor collects tasks until the owner runs them with RunPending,
// e.g. once per frame.
type QueueExecutor struct {
	mu    sync.Mutex
	tasks []func()
}

func (e *QueueExecutor) Execute(task func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
}

// RunPending runs the queued tasks on the calling goroutine, including tasks
// queued while running, and returns how many ran.
func (e *QueueExecutor) RunPending() int {
	n := 0
	for {
		e.mu.Lock()
		tasks := e.tasks
		e.tasks = nil
		e.mu.Unlock()

		if len(tasks) == 0 {
			return n
		}
		for _, task := range tasks {
			task()
		}
		n += len(tasks)
	}
}
