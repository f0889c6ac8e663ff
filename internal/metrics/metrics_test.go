package metrics_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/service-mesh/internal/metrics"
)

var _ = Describe("Metrics", func() {
	var m *metrics.Metrics

	BeforeEach(func() {
		m = metrics.NewMetrics()
	})

	Describe("IncrementRequests", func() {
		It("should track services separately", func() {
			m.IncrementRequests("item-service")
			m.IncrementRequests("list-service")
			m.IncrementRequests("item-service")

			snap := m.Snapshot()
			Expect(snap.TotalRequests).To(Equal(int64(3)))
			Expect(snap.Services["item-service"].Requests).To(Equal(int64(2)))
			Expect(snap.Services["list-service"].Requests).To(Equal(int64(1)))
		})
	})

	Describe("RecordRejection", func() {
		It("should count circuit rejections without counting requests", func() {
			m.RecordRejection("item-service")
			m.RecordRejection("item-service")

			snap := m.Snapshot()
			Expect(snap.TotalRequests).To(BeZero())
			Expect(snap.Services["item-service"].Rejections).To(Equal(int64(2)))
		})
	})

	Describe("RecordResponse", func() {
		It("should record response time and status code", func() {
			m.RecordResponse("item-service", 100*time.Millisecond, 200)
			m.RecordResponse("item-service", 200*time.Millisecond, 502)

			svc := m.Snapshot().Services["item-service"]
			Expect(svc.AvgResponse).To(Equal(150 * time.Millisecond))
			Expect(svc.StatusCodes).To(Equal(map[int]int64{200: 1, 502: 1}))
		})

		It("should calculate percentiles", func() {
			for i := 1; i <= 100; i++ {
				m.RecordResponse("item-service", time.Duration(i)*time.Millisecond, 200)
			}

			svc := m.Snapshot().Services["item-service"]
			Expect(svc.P50Response).To(BeNumerically("~", 50*time.Millisecond, time.Millisecond))
			Expect(svc.P95Response).To(BeNumerically("~", 95*time.Millisecond, time.Millisecond))
			Expect(svc.P99Response).To(BeNumerically("~", 99*time.Millisecond, time.Millisecond))
		})

		It("should keep only the most recent samples", func() {
			for i := 1; i <= 1500; i++ {
				m.RecordResponse("item-service", time.Duration(i)*time.Millisecond, 200)
			}

			svc := m.Snapshot().Services["item-service"]
			Expect(svc.AvgResponse).To(BeNumerically(">", 500*time.Millisecond))
		})
	})

	Describe("UpdateHealthStatus", func() {
		It("should follow health transitions", func() {
			m.UpdateHealthStatus("item-service", true)
			Expect(m.Snapshot().Services["item-service"].Healthy).To(BeTrue())

			m.UpdateHealthStatus("item-service", false)
			Expect(m.Snapshot().Services["item-service"].Healthy).To(BeFalse())
		})
	})

	Describe("RecordMessage", func() {
		It("should accumulate per topic", func() {
			m.RecordMessage("list.checkout.completed", func(mm *metrics.MessageMetrics) { mm.Published++ })
			m.RecordMessage("list.checkout.completed", func(mm *metrics.MessageMetrics) { mm.Confirmed++ })

			Expect(m.Snapshot().Messages["list.checkout.completed"]).To(Equal(metrics.MessageMetrics{
				Published: 1,
				Confirmed: 1,
			}))
		})
	})

	Describe("Snapshot", func() {
		It("should handle empty metrics", func() {
			snap := m.Snapshot()
			Expect(snap.TotalRequests).To(BeZero())
			Expect(snap.Services).To(BeEmpty())
			Expect(snap.Messages).To(BeEmpty())
		})

		It("should not share status code maps with later updates", func() {
			m.RecordResponse("item-service", time.Millisecond, 200)
			snap := m.Snapshot()

			m.RecordResponse("item-service", time.Millisecond, 200)
			Expect(snap.Services["item-service"].StatusCodes[200]).To(Equal(int64(1)))
		})
	})
})
