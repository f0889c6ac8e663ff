package metrics

import (
	"slices"
	"sync"
	"time"
)

const maxSamples = 1000

// Metrics is the in-process store behind the JSON snapshot.
type Metrics struct {
	mutex         sync.RWMutex
	requests      map[string]int64
	rejections    map[string]int64
	responseTimes map[string][]time.Duration
	statusCodes   map[string]map[int]int64
	healthStatus  map[string]bool
	messages      map[string]*MessageMetrics
	startTime     time.Time
}

type Snapshot struct {
	TotalRequests int64                     `json:"total_requests"`
	Uptime        time.Duration             `json:"uptime"`
	Services      map[string]ServiceMetrics `json:"services"`
	Messages      map[string]MessageMetrics `json:"messages"`
}

type ServiceMetrics struct {
	Requests    int64         `json:"requests"`
	Rejections  int64         `json:"rejections"`
	Healthy     bool          `json:"healthy"`
	AvgResponse time.Duration `json:"avg_response"`
	P50Response time.Duration `json:"p50_response"`
	P95Response time.Duration `json:"p95_response"`
	P99Response time.Duration `json:"p99_response"`
	StatusCodes map[int]int64 `json:"status_codes"`
}

// MessageMetrics counts bus traffic for one routing key or queue.
type MessageMetrics struct {
	Published   int64 `json:"published"`
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
	Acked       int64 `json:"acked"`
	Nacked      int64 `json:"nacked"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:      make(map[string]int64),
		rejections:    make(map[string]int64),
		responseTimes: make(map[string][]time.Duration),
		statusCodes:   make(map[string]map[int]int64),
		healthStatus:  make(map[string]bool),
		messages:      make(map[string]*MessageMetrics),
		startTime:     time.Now(),
	}
}

func (m *Metrics) IncrementRequests(service string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.requests[service]++
}

func (m *Metrics) RecordRejection(service string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rejections[service]++
}

func (m *Metrics) RecordResponse(service string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.responseTimes[service] = append(m.responseTimes[service], duration)
	if len(m.responseTimes[service]) > maxSamples {
		m.responseTimes[service] = m.responseTimes[service][1:]
	}

	if m.statusCodes[service] == nil {
		m.statusCodes[service] = make(map[int]int64)
	}
	m.statusCodes[service][statusCode]++
}

func (m *Metrics) UpdateHealthStatus(service string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[service] = healthy
}

func (m *Metrics) RecordMessage(topic string, update func(*MessageMetrics)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	mm, ok := m.messages[topic]
	if !ok {
		mm = &MessageMetrics{}
		m.messages[topic] = mm
	}
	update(mm)
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:   time.Since(m.startTime),
		Services: make(map[string]ServiceMetrics),
		Messages: make(map[string]MessageMetrics, len(m.messages)),
	}

	names := make(map[string]struct{})
	for name := range m.requests {
		names[name] = struct{}{}
	}
	for name := range m.rejections {
		names[name] = struct{}{}
	}
	for name := range m.responseTimes {
		names[name] = struct{}{}
	}
	for name := range m.healthStatus {
		names[name] = struct{}{}
	}

	for name := range names {
		snap.TotalRequests += m.requests[name]

		sm := ServiceMetrics{
			Requests:    m.requests[name],
			Rejections:  m.rejections[name],
			Healthy:     m.healthStatus[name],
			StatusCodes: make(map[int]int64, len(m.statusCodes[name])),
		}
		for code, n := range m.statusCodes[name] {
			sm.StatusCodes[code] = n
		}

		if durations := m.responseTimes[name]; len(durations) > 0 {
			sorted := slices.Clone(durations)
			slices.Sort(sorted)

			sm.AvgResponse = average(sorted)
			sm.P50Response = percentile(sorted, 0.50)
			sm.P95Response = percentile(sorted, 0.95)
			sm.P99Response = percentile(sorted, 0.99)
		}

		snap.Services[name] = sm
	}

	for topic, mm := range m.messages {
		snap.Messages[topic] = *mm
	}

	return snap
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
