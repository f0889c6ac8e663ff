package circuitbreaker_test

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/service-mesh/internal/circuitbreaker"
)

var _ = Describe("CircuitBreaker", func() {
	var (
		cb  *circuitbreaker.CircuitBreaker
		clk *clock.Mock
	)

	admit := func() circuitbreaker.Ticket {
		ticket, ok := cb.Allow()
		Expect(ok).To(BeTrue())
		return ticket
	}

	allowed := func() bool {
		_, ok := cb.Allow()
		return ok
	}

	fail := func() { cb.RecordFailure(admit()) }

	trip := func() {
		fail()
		fail()
		fail()
		Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
	}

	BeforeEach(func() {
		clk = clock.NewMock()
		cb = circuitbreaker.NewCircuitBreaker(3, 30*time.Second, clk)
	})

	Describe("NewCircuitBreaker", func() {
		It("should create a circuit breaker in closed state", func() {
			Expect(cb).NotTo(BeNil())
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should clamp a zero threshold to one", func() {
			cb = circuitbreaker.NewCircuitBreaker(0, time.Second, clk)
			fail()
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})
	})

	Context("when in CLOSED state", func() {
		It("should allow requests", func() {
			Expect(allowed()).To(BeTrue())
		})

		It("should remain closed after failures below threshold", func() {
			fail()
			fail()
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(allowed()).To(BeTrue())
		})

		It("should transition to OPEN after reaching failure threshold", func() {
			trip()
			Expect(cb.Stats().OpenUntil).To(Equal(clk.Now().Add(30 * time.Second)))
		})

		It("should reset the failure count on success", func() {
			fail()
			fail()
			cb.RecordSuccess(admit())
			Expect(cb.Stats().Failures).To(Equal(0))

			fail()
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})
	})

	Context("when in OPEN state", func() {
		BeforeEach(trip)

		It("should block requests", func() {
			Expect(allowed()).To(BeFalse())
		})

		It("should remain OPEN before the cooldown expires", func() {
			clk.Add(29 * time.Second)
			Expect(allowed()).To(BeFalse())
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})

		It("should admit one probe once the cooldown expires", func() {
			clk.Add(30 * time.Second)
			Expect(allowed()).To(BeTrue())
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
			Expect(allowed()).To(BeFalse())
		})

		It("should ignore a late success from a call admitted before tripping", func() {
			cb.RecordSuccess(circuitbreaker.Ticket{})
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})
	})

	Context("when in HALF-OPEN state", func() {
		var (
			slow  circuitbreaker.Ticket
			probe circuitbreaker.Ticket
		)

		BeforeEach(func() {
			slow = admit()
			trip()
			clk.Add(30 * time.Second)
			probe = admit()
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
		})

		It("should transition to CLOSED on probe success", func() {
			cb.RecordSuccess(probe)
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Stats().Failures).To(Equal(0))
			Expect(allowed()).To(BeTrue())
		})

		It("should transition back to OPEN with a fresh cooldown on probe failure", func() {
			cb.RecordFailure(probe)
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
			Expect(cb.Stats().OpenUntil).To(Equal(clk.Now().Add(30 * time.Second)))
			Expect(allowed()).To(BeFalse())
		})

		It("should free the probe slot on Release", func() {
			cb.Release(probe)
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
			Expect(allowed()).To(BeTrue())
		})

		It("should not let a late success from a closed-state call close the circuit", func() {
			cb.RecordSuccess(slow)
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
			Expect(allowed()).To(BeFalse())

			cb.RecordFailure(probe)
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})

		It("should let the probe decide after a late failure from a closed-state call", func() {
			cb.RecordFailure(slow)
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))

			cb.RecordSuccess(probe)
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should ignore a late Release from a closed-state call", func() {
			cb.Release(slow)
			Expect(allowed()).To(BeFalse())
		})

		It("should ignore the outcome of a released probe", func() {
			cb.Release(probe)
			next := admit()

			cb.RecordSuccess(probe)
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))

			cb.RecordSuccess(next)
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})
	})

	Context("after the circuit closed again", func() {
		It("should not count failures of calls admitted before it opened", func() {
			slow := admit()
			trip()
			clk.Add(30 * time.Second)
			cb.RecordSuccess(admit())
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))

			cb.RecordFailure(slow)
			Expect(cb.Stats().Failures).To(BeZero())
		})
	})

	Describe("concurrent probes", func() {
		It("should admit exactly one caller after the cooldown", func() {
			trip()
			clk.Add(31 * time.Second)

			var admitted atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if allowed() {
						admitted.Add(1)
					}
				}()
			}
			wg.Wait()

			Expect(admitted.Load()).To(Equal(int32(1)))
		})

		It("should open exactly once under a burst of failures", func() {
			tickets := make([]circuitbreaker.Ticket, 100)
			for i := range tickets {
				tickets[i] = admit()
			}

			var wg sync.WaitGroup
			for _, ticket := range tickets {
				wg.Add(1)
				go func() {
					defer wg.Done()
					cb.RecordFailure(ticket)
				}()
			}
			wg.Wait()

			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
			Expect(cb.Stats().Failures).To(Equal(3))
		})
	})

	Describe("State.String", func() {
		It("should return correct string representation", func() {
			Expect(circuitbreaker.StateClosed.String()).To(Equal("CLOSED"))
			Expect(circuitbreaker.StateOpen.String()).To(Equal("OPEN"))
			Expect(circuitbreaker.StateHalfOpen.String()).To(Equal("HALF-OPEN"))
			Expect(circuitbreaker.State(42).String()).To(Equal("UNKNOWN"))
		})
	})
})
