// Package circuitbreaker keeps one named github.com/sony/gobreaker breaker
// per downstream dependency and reports its state transitions.
package circuitbreaker
