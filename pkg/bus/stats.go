package bus

import (
	"sync/atomic"
	"time"
)

// counters holds every raw counter the bus maintains on the hot path.
// Atomic fields so a parallel-threaded target (see spec.md §5) never needs
// extra synchronisation for the stats themselves.
type counters struct {
	messagesSent     int64
	messagesReceived int64
	messagesDropped  int64

	requestsSent      int64
	requestsCompleted int64
	requestsTimedOut  int64
	requestsFailed    int64

	errorsCaught   int64
	largeWarnings  int64

	peakListeners       int64
	peakPendingRequests int64
}

func (c *counters) incMessagesSent()     { atomic.AddInt64(&c.messagesSent, 1) }
func (c *counters) incMessagesReceived() { atomic.AddInt64(&c.messagesReceived, 1) }
func (c *counters) incMessagesDropped()  { atomic.AddInt64(&c.messagesDropped, 1) }
func (c *counters) incRequestsSent()      { atomic.AddInt64(&c.requestsSent, 1) }
func (c *counters) incRequestsCompleted()  { atomic.AddInt64(&c.requestsCompleted, 1) }
func (c *counters) incRequestsTimedOut()   { atomic.AddInt64(&c.requestsTimedOut, 1) }
func (c *counters) incRequestsFailed()     { atomic.AddInt64(&c.requestsFailed, 1) }
func (c *counters) incErrorsCaught()       { atomic.AddInt64(&c.errorsCaught, 1) }
func (c *counters) incLargeWarnings()      { atomic.AddInt64(&c.largeWarnings, 1) }

func (c *counters) bumpPeakListeners(n int64) {
	for {
		cur := atomic.LoadInt64(&c.peakListeners)
		if n <= cur || atomic.CompareAndSwapInt64(&c.peakListeners, cur, n) {
			return
		}
	}
}

func (c *counters) bumpPeakPending(n int64) {
	for {
		cur := atomic.LoadInt64(&c.peakPendingRequests)
		if n <= cur || atomic.CompareAndSwapInt64(&c.peakPendingRequests, cur, n) {
			return
		}
	}
}

// PressureInfo reports the bus's current backpressure state.
type PressureInfo struct {
	Level        float64 `json:"level"`
	TotalQueued  int     `json:"totalQueued"`
	DroppedTotal int64   `json:"droppedTotal"`
}

// QueueSizes reports the current length of each priority queue.
type QueueSizes struct {
	High   int `json:"high"`
	Normal int `json:"normal"`
	Low    int `json:"low"`
}

// Stats is a read-mostly snapshot of bus counters, derived rates, queue
// state, pressure info and a computed health score, per spec.md §4.2.5.
type Stats struct {
	MessagesSent     int64 `json:"messagesSent"`
	MessagesReceived int64 `json:"messagesReceived"`
	MessagesDropped  int64 `json:"messagesDropped"`

	RequestsSent      int64 `json:"requestsSent"`
	RequestsCompleted int64 `json:"requestsCompleted"`
	RequestsTimedOut  int64 `json:"requestsTimedOut"`
	RequestsFailed    int64 `json:"requestsFailed"`

	ErrorsCaught  int64 `json:"errorsCaught"`
	LargeWarnings int64 `json:"largeWarnings"`

	PeakListeners       int64 `json:"peakListeners"`
	PeakPendingRequests int64 `json:"peakPendingRequests"`

	PendingRequests int `json:"pendingRequests"`
	Queues          QueueSizes   `json:"queues"`
	Pressure        PressureInfo `json:"pressure"`

	MessagesPerSecond   float64 `json:"messagesPerSecond"`
	ProcessingRate      float64 `json:"processingRate"`
	DropRate            float64 `json:"dropRate"`
	RequestSuccessRate  float64 `json:"requestSuccessRate"`
	QueueUtilization    float64 `json:"queueUtilization"`

	UptimeSeconds float64 `json:"uptimeSeconds"`
	Uptime        string  `json:"uptime"`

	HealthScore int `json:"healthScore"`
}

// computeStats turns raw counters + live queue/pending/pressure state into
// a Stats snapshot, including the derived rates and health score.
func computeStats(c *counters, uptime time.Duration, pending int, queues QueueSizes, pressure PressureInfo, maxQueueSize, maxPendingRequests int) Stats {
	sent := atomic.LoadInt64(&c.messagesSent)
	received := atomic.LoadInt64(&c.messagesReceived)
	dropped := atomic.LoadInt64(&c.messagesDropped)
	reqSent := atomic.LoadInt64(&c.requestsSent)
	reqCompleted := atomic.LoadInt64(&c.requestsCompleted)
	reqTimedOut := atomic.LoadInt64(&c.requestsTimedOut)
	reqFailed := atomic.LoadInt64(&c.requestsFailed)
	errorsCaught := atomic.LoadInt64(&c.errorsCaught)

	uptimeSeconds := uptime.Seconds()

	var msgPerSec, processingRate float64
	if uptimeSeconds > 0 {
		msgPerSec = float64(sent) / uptimeSeconds
		processingRate = float64(received) / uptimeSeconds
	}

	dropRate := rate(dropped, sent)
	requestSuccessRate := 1.0
	if reqSent > 0 {
		requestSuccessRate = clamp01(float64(reqCompleted) / float64(reqSent))
	}

	totalQueue := queues.High + queues.Normal + queues.Low
	queueUtilization := 0.0
	if maxQueueSize > 0 {
		queueUtilization = clamp01(float64(totalQueue) / float64(3*maxQueueSize))
	}

	s := Stats{
		MessagesSent:        sent,
		MessagesReceived:    received,
		MessagesDropped:     dropped,
		RequestsSent:        reqSent,
		RequestsCompleted:   reqCompleted,
		RequestsTimedOut:    reqTimedOut,
		RequestsFailed:      reqFailed,
		ErrorsCaught:        errorsCaught,
		LargeWarnings:       atomic.LoadInt64(&c.largeWarnings),
		PeakListeners:       atomic.LoadInt64(&c.peakListeners),
		PeakPendingRequests: atomic.LoadInt64(&c.peakPendingRequests),
		PendingRequests:     pending,
		Queues:              queues,
		Pressure:            pressure,
		MessagesPerSecond:   msgPerSec,
		ProcessingRate:      processingRate,
		DropRate:            dropRate,
		RequestSuccessRate:  requestSuccessRate,
		QueueUtilization:    queueUtilization,
		UptimeSeconds:       uptimeSeconds,
		Uptime:              uptime.Round(time.Second).String(),
	}

	s.HealthScore = healthScore(s, maxPendingRequests)
	return s
}

// healthScore averages five factors in [0,1], per spec.md §4.2.5.
func healthScore(s Stats, maxPendingRequests int) int {
	factors := make([]float64, 0, 5)

	factors = append(factors, s.RequestSuccessRate)

	errFactor := 1.0
	if s.MessagesSent > 0 {
		errFactor = clamp01(1 - float64(s.ErrorsCaught)/float64(s.MessagesSent))
	}
	factors = append(factors, errFactor)

	factors = append(factors, clamp01(1-s.QueueUtilization))

	pendingFactor := 1.0
	if maxPendingRequests > 0 {
		pendingFactor = clamp01(1 - float64(s.PendingRequests)/float64(maxPendingRequests))
	}
	factors = append(factors, pendingFactor)

	dropFactor := 1.0
	if s.MessagesSent > 0 {
		dropFactor = clamp01(1 - float64(s.MessagesDropped)/float64(s.MessagesSent))
	}
	factors = append(factors, dropFactor)

	sum := 0.0
	for _, f := range factors {
		sum += f
	}
	mean := sum / float64(len(factors))
	return int(mean*100 + 0.5)
}

func rate(numerator, denominator int64) float64 {
	if denominator == 0 {
		return 0
	}
	return clamp01(float64(numerator) / float64(denominator))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
