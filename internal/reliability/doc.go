// Package reliability provides the retry and circuit breaker primitives
// used on the publish path of the virtual-queue engine.
package reliability
