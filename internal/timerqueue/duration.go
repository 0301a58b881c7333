package timerqueue

import "time"

func nsDuration(ns uint64) time.Duration {
	return time.Duration(ns) * time.Nanosecond
}
