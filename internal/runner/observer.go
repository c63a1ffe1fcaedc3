package runner

// Observer is notified of scheduler events. Calls are made without internal
// locks held, from whichever goroutine caused the event.
type Observer interface {
	OnTransition(from, to Status)
	OnStepStart(step StepProgress)
	OnStepEnd(step StepProgress)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) OnTransition(Status, Status) {}
func (NopObserver) OnStepStart(StepProgress)    {}
func (NopObserver) OnStepEnd(StepProgress)      {}

// Observers fans events out in order.
type Observers []Observer

func (o Observers) OnTransition(from, to Status) {
	for _, ob := range o {
		ob.OnTransition(from, to)
	}
}

func (o Observers) OnStepStart(step StepProgress) {
	for _, ob := range o {
		ob.OnStepStart(step)
	}
}

func (o Observers) OnStepEnd(step StepProgress) {
	for _, ob := range o {
		ob.OnStepEnd(step)
	}
}
