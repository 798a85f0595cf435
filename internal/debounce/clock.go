package debounce

import "time"

// Timer is the part of *time.Timer the buffer needs.
type Timer interface {
	Stop() bool
}

// Clock schedules the flush callbacks. Tests swap in a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock is backed by time.AfterFunc.
func RealClock() Clock {
	return realClock{}
}
