package storage

import "time"

// Observer receives storage measurements. telemetry.Metrics satisfies it.
type Observer interface {
	ObserveStorageOp(collection, operation, status string, duration time.Duration)
	ObserveLockWait(collection string, wait time.Duration, acquired bool)
	ObserveIndexPersist(success bool, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveStorageOp(string, string, string, time.Duration) {}
func (nopObserver) ObserveLockWait(string, time.Duration, bool) {}
func (nopObserver) ObserveIndexPersist(bool, time.Duration) {}
