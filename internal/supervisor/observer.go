package supervisor

import "sync"

// Observer is told about every state transition and every finished run.
// Callbacks run on a single dispatch goroutine in the order events occurred,
// so they may call back into the Supervisor.
type Observer interface {
	OnTransition(t Transition)
	OnRunFinished(r RunRecord)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Transition  func(Transition)
	RunFinished func(RunRecord)
}

// OnTransition implements Observer.
func (o ObserverFuncs) OnTransition(t Transition) {
	if o.Transition != nil {
		o.Transition(t)
	}
}

// OnRunFinished implements Observer.
func (o ObserverFuncs) OnRunFinished(r RunRecord) {
	if o.RunFinished != nil {
		o.RunFinished(r)
	}
}

type event struct {
	transition *Transition
	run        *RunRecord
}

// dispatcher delivers events from an unbounded queue. Producers enqueue
// while holding the supervisor lock, so the queue order is the event order.
type dispatcher struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []event
	observers []Observer
	closed    bool
	done      chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *dispatcher) add(o Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
}

func (d *dispatcher) push(e event) {
	d.mu.Lock()
	if !d.closed {
		d.queue = append(d.queue, e)
		d.cond.Signal()
	}
	d.mu.Unlock()
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		e := d.queue[0]
		d.queue = d.queue[1:]
		observers := append([]Observer(nil), d.observers...)
		d.mu.Unlock()

		for _, o := range observers {
			if e.transition != nil {
				o.OnTransition(*e.transition)
			}
			if e.run != nil {
				o.OnRunFinished(*e.run)
			}
		}
	}
}

// close drains pending events and stops the loop.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
}
