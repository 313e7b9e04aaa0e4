package metrics

import (
	"net/http"
	"time"
)

// NoopMetrics discards everything.
type NoopMetrics struct{}

var _ Recorder = (*NoopMetrics)(nil)

func NewNoopMetrics() Recorder {
	return &NoopMetrics{}
}

func (n *NoopMetrics) RecordDecision(verdict, source string, duration time.Duration)              {}
func (n *NoopMetrics) RecordRequestCreated()                                                      {}
func (n *NoopMetrics) RecordRequestResolved(status string, pendingFor time.Duration)              {}
func (n *NoopMetrics) RecordAlreadyResolved()                                                     {}
func (n *NoopMetrics) RecordRevocation()                                                          {}
func (n *NoopMetrics) RecordRealtimeDrop(msgType string)                                          {}
func (n *NoopMetrics) SetRealtimeConnections(role string, count int)                              {}
func (n *NoopMetrics) RecordMount(result string)                                                  {}
func (n *NoopMetrics) RecordTeardown(result string)                                               {}
func (n *NoopMetrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {}

func (n *NoopMetrics) Handler() http.Handler {
	return http.NotFoundHandler()
}
