package ledger_test

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/acctd/pkg/acct"
	"github.com/codelaboratoryltd/acctd/pkg/ledger"
)

var t0 = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func event(typ acct.EventType, id string, at time.Duration, in, out uint32) *acct.AccountingEvent {
	return &acct.AccountingEvent{
		Type:         typ,
		SessionID:    id,
		Username:     "alice",
		NASID:        "nas-1",
		NASIP:        net.ParseIP("192.0.2.1"),
		Timestamp:    t0.Add(at),
		InputOctets:  in,
		OutputOctets: out,
	}
}

var _ = Describe("Ledger", func() {
	var (
		l   *ledger.Ledger
		now time.Time
	)

	BeforeEach(func() {
		now = t0.Add(time.Hour)
		l = ledger.New(ledger.Config{
			Partitions:   8,
			TombstoneTTL: time.Hour,
			Clock:        func() time.Time { return now },
		})
	})

	Describe("Apply", func() {
		It("should open a session on Start", func() {
			res, err := l.Apply(event(acct.EventStart, "s1", 0, 0, 0))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Opened).To(BeTrue())
			Expect(res.Session.State).To(Equal(ledger.StateLive))
			Expect(res.Session.StartTime).To(Equal(t0))
			Expect(res.Session.NASIP).To(Equal("192.0.2.1"))
			Expect(l.Count()).To(Equal(1))
		})

		It("should close with the last interim totals and stop minus start duration", func() {
			_, err := l.Apply(event(acct.EventStart, "s1", 0, 0, 0))
			Expect(err).NotTo(HaveOccurred())
			_, err = l.Apply(event(acct.EventInterimUpdate, "s1", 5*time.Minute, 1000, 5000))
			Expect(err).NotTo(HaveOccurred())
			_, err = l.Apply(event(acct.EventInterimUpdate, "s1", 10*time.Minute, 3000, 9000))
			Expect(err).NotTo(HaveOccurred())

			stop := event(acct.EventStop, "s1", 12*time.Minute, 3000, 9000)
			stop.TerminateCause = acct.CauseUserRequest
			res, err := l.Apply(stop)
			Expect(err).NotTo(HaveOccurred())

			Expect(res.Closed).To(BeTrue())
			Expect(res.Session.State).To(Equal(ledger.StateClosed))
			Expect(res.Session.Input.Bytes()).To(Equal(uint64(3000)))
			Expect(res.Session.Output.Bytes()).To(Equal(uint64(9000)))
			Expect(res.Session.Duration()).To(Equal(12 * time.Minute))
			Expect(*res.Session.StopTime).To(Equal(t0.Add(12 * time.Minute)))
			Expect(res.Session.TerminateCause).To(Equal(acct.CauseUserRequest))
			Expect(l.Count()).To(BeZero())
		})

		It("should report deltas that add up to the closed totals", func() {
			var in, out uint64
			var secs int64
			for _, ev := range []*acct.AccountingEvent{
				event(acct.EventStart, "s1", 0, 0, 0),
				event(acct.EventInterimUpdate, "s1", time.Minute, 10, 20),
				event(acct.EventInterimUpdate, "s1", 2*time.Minute, 30, 50),
				event(acct.EventStop, "s1", 3*time.Minute, 40, 70),
			} {
				res, err := l.Apply(ev)
				Expect(err).NotTo(HaveOccurred())
				in += res.Delta.Input
				out += res.Delta.Output
				secs += res.Delta.Seconds
			}
			Expect(in).To(Equal(uint64(40)))
			Expect(out).To(Equal(uint64(70)))
			Expect(secs).To(Equal(int64(180)))
		})

		It("should treat an identical interim as a no-op", func() {
			_, _ = l.Apply(event(acct.EventStart, "s1", 0, 0, 0))
			first, err := l.Apply(event(acct.EventInterimUpdate, "s1", time.Minute, 10, 20))
			Expect(err).NotTo(HaveOccurred())

			again, err := l.Apply(event(acct.EventInterimUpdate, "s1", time.Minute, 10, 20))
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Duplicate).To(BeTrue())
			Expect(again.Delta.IsZero()).To(BeTrue())

			got, ok := l.Get("s1")
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(first.Session))
		})

		It("should treat an identical Start as a retransmission", func() {
			first, _ := l.Apply(event(acct.EventStart, "s1", 0, 0, 0))
			again, err := l.Apply(event(acct.EventStart, "s1", 0, 0, 0))
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Duplicate).To(BeTrue())
			Expect(again.Superseded).To(BeNil())
			Expect(again.Session.Seq).To(Equal(first.Session.Seq))
		})

		It("should treat a redelivered Stop as a no-op", func() {
			_, _ = l.Apply(event(acct.EventStart, "s1", 0, 0, 0))
			first, err := l.Apply(event(acct.EventStop, "s1", time.Minute, 5, 5))
			Expect(err).NotTo(HaveOccurred())

			again, err := l.Apply(event(acct.EventStop, "s1", time.Minute, 5, 5))
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Duplicate).To(BeTrue())
			Expect(again.Closed).To(BeFalse())
			Expect(again.Session).To(Equal(first.Session))
		})

		Context("when a second Start arrives for a live session", func() {
			It("should close the prior session with Duplicate-Start and open a new one", func() {
				_, _ = l.Apply(event(acct.EventStart, "s1", 0, 0, 0))
				_, _ = l.Apply(event(acct.EventInterimUpdate, "s1", 5*time.Minute, 100, 200))

				res, err := l.Apply(event(acct.EventStart, "s1", 20*time.Minute, 0, 0))
				Expect(err).NotTo(HaveOccurred())

				Expect(res.Superseded).NotTo(BeNil())
				Expect(res.Superseded.TerminateCause).To(Equal(acct.CauseDuplicateStart))
				Expect(res.Superseded.State).To(Equal(ledger.StateClosed))
				Expect(*res.Superseded.StopTime).To(Equal(t0.Add(5 * time.Minute)))
				Expect(res.Superseded.Output.Bytes()).To(Equal(uint64(200)))

				Expect(res.Opened).To(BeTrue())
				Expect(res.Session.StartTime).To(Equal(t0.Add(20 * time.Minute)))
				Expect(res.Session.Output.Bytes()).To(BeZero())
				Expect(l.Count()).To(Equal(1))
			})
		})

		Context("out-of-order interim updates", func() {
			BeforeEach(func() {
				_, _ = l.Apply(event(acct.EventStart, "s1", 0, 0, 0))
				_, _ = l.Apply(event(acct.EventInterimUpdate, "s1", 10*time.Minute, 1000, 1000))
			})

			It("should accept an older update whose counters are monotonic", func() {
				res, err := l.Apply(event(acct.EventInterimUpdate, "s1", 5*time.Minute, 1500, 1200))
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Session.Input.Total).To(Equal(uint64(1500)))
				Expect(res.Session.LastUpdate).To(Equal(t0.Add(10 * time.Minute)))
				Expect(res.Session.CounterReset).To(BeFalse())
			})

			It("should ignore a redelivered older update without touching the session", func() {
				first := event(acct.EventInterimUpdate, "s1", 11*time.Minute, 1100, 1100)
				first.FramedIP = net.ParseIP("10.0.0.1")
				_, err := l.Apply(first)
				Expect(err).NotTo(HaveOccurred())

				second := event(acct.EventInterimUpdate, "s1", 12*time.Minute, 1100, 1100)
				second.FramedIP = net.ParseIP("10.0.0.2")
				_, err = l.Apply(second)
				Expect(err).NotTo(HaveOccurred())
				before, _ := l.Get("s1")

				now = now.Add(time.Minute)
				res, err := l.Apply(first)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Duplicate).To(BeTrue())
				Expect(res.Delta.IsZero()).To(BeTrue())
				Expect(res.Session.Seq).To(Equal(before.Seq))

				after, _ := l.Get("s1")
				Expect(after).To(Equal(before))
				Expect(after.FramedIP).To(Equal("10.0.0.2"))
			})

			It("should keep attributes of the newest update when counting an older one", func() {
				older := event(acct.EventInterimUpdate, "s1", 5*time.Minute, 1500, 1200)
				older.FramedIP = net.ParseIP("10.0.0.9")
				res, err := l.Apply(older)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Session.Input.Total).To(Equal(uint64(1500)))
				Expect(res.Session.FramedIP).To(BeEmpty())
			})

			It("should discard an older update with lower counters", func() {
				before, _ := l.Get("s1")
				_, err := l.Apply(event(acct.EventInterimUpdate, "s1", 5*time.Minute, 500, 500))
				Expect(err).To(MatchError(ledger.ErrStaleUpdate))

				after, _ := l.Get("s1")
				Expect(after).To(Equal(before))
			})

			It("should flag a counter reset on a newer update with lower counters", func() {
				res, err := l.Apply(event(acct.EventInterimUpdate, "s1", 15*time.Minute, 200, 1100))
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Session.CounterReset).To(BeTrue())
				Expect(res.Session.Input.Total).To(Equal(uint64(200)))
				Expect(res.Session.Input.Bytes()).To(Equal(uint64(1200)))
				Expect(res.Delta.Input).To(Equal(uint64(200)))
				Expect(res.Delta.Output).To(Equal(uint64(100)))
			})
		})

		Context("without a prior Start", func() {
			It("should open a reconstructed session on Interim-Update", func() {
				res, err := l.Apply(event(acct.EventInterimUpdate, "s9", time.Minute, 10, 10))
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Opened).To(BeTrue())
				Expect(res.Session.StartReconstructed).To(BeTrue())
				Expect(res.Session.StartTime).To(Equal(t0.Add(time.Minute)))
				Expect(res.Delta.Input).To(Equal(uint64(10)))
			})

			It("should backfill the start time from a late Start", func() {
				_, _ = l.Apply(event(acct.EventInterimUpdate, "s9", 10*time.Minute, 10, 10))
				_, _ = l.Apply(event(acct.EventInterimUpdate, "s9", 15*time.Minute, 20, 20))

				res, err := l.Apply(event(acct.EventStart, "s9", 2*time.Minute, 0, 0))
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Opened).To(BeFalse())
				Expect(res.Duplicate).To(BeFalse())
				Expect(res.Superseded).To(BeNil())
				Expect(res.Session.StartReconstructed).To(BeFalse())
				Expect(res.Session.StartTime).To(Equal(t0.Add(2 * time.Minute)))
				Expect(res.Session.Duration()).To(Equal(13 * time.Minute))
				Expect(res.Session.Input.Total).To(Equal(uint64(20)))
				Expect(res.Delta.Seconds).To(Equal(int64(8 * 60)))
				Expect(res.Delta.Input).To(BeZero())

				_, err = l.Apply(event(acct.EventStart, "s9", time.Minute, 0, 0))
				Expect(err).To(MatchError(ledger.ErrStaleUpdate))
			})

			It("should close directly on Stop", func() {
				res, err := l.Apply(event(acct.EventStop, "s9", time.Minute, 10, 10))
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Opened).To(BeTrue())
				Expect(res.Closed).To(BeTrue())
				Expect(res.Session.StartReconstructed).To(BeTrue())
				Expect(res.Session.Duration()).To(BeZero())
				Expect(l.Count()).To(BeZero())
			})
		})

		It("should drop late interims for a closed session", func() {
			_, _ = l.Apply(event(acct.EventStart, "s1", 0, 0, 0))
			_, _ = l.Apply(event(acct.EventStop, "s1", 10*time.Minute, 50, 50))

			_, err := l.Apply(event(acct.EventInterimUpdate, "s1", 5*time.Minute, 20, 20))
			Expect(err).To(MatchError(ledger.ErrStaleUpdate))
			Expect(l.Count()).To(BeZero())
		})

		It("should reopen a closed id on a newer Start", func() {
			_, _ = l.Apply(event(acct.EventStart, "s1", 0, 0, 0))
			_, _ = l.Apply(event(acct.EventStop, "s1", 10*time.Minute, 50, 50))

			res, err := l.Apply(event(acct.EventStart, "s1", 11*time.Minute, 0, 0))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Opened).To(BeTrue())
			Expect(res.Session.StartReconstructed).To(BeFalse())
		})

		It("should forget tombstones after their TTL", func() {
			_, _ = l.Apply(event(acct.EventStart, "s1", 0, 0, 0))
			_, _ = l.Apply(event(acct.EventStop, "s1", 10*time.Minute, 50, 50))

			now = now.Add(2 * time.Hour)
			res, err := l.Apply(event(acct.EventInterimUpdate, "s1", 20*time.Minute, 60, 60))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Session.StartReconstructed).To(BeTrue())
		})

		DescribeTable("rejecting events it cannot key",
			func(ev *acct.AccountingEvent) {
				_, err := l.Apply(ev)
				Expect(err).To(MatchError(ledger.ErrInvalidEvent))
			},
			Entry("nil event", (*acct.AccountingEvent)(nil)),
			Entry("missing session id", event(acct.EventStart, "", 0, 0, 0)),
			Entry("NAS-level event", event(acct.EventAccountingOn, "s1", 0, 0, 0)),
			Entry("unknown status type", event(acct.EventType(99), "s1", 0, 0, 0)),
		)
	})

	Describe("CloseStale", func() {
		// Events are received as they happen unless a test says otherwise.
		apply := func(ev *acct.AccountingEvent) {
			now = ev.Timestamp
			_, err := l.Apply(ev)
			Expect(err).NotTo(HaveOccurred())
		}

		It("should close idle sessions with Lost-Carrier exactly once", func() {
			apply(event(acct.EventStart, "idle", 0, 0, 0))
			apply(event(acct.EventInterimUpdate, "idle", time.Minute, 10, 10))
			apply(event(acct.EventStart, "busy", 0, 0, 0))
			apply(event(acct.EventInterimUpdate, "busy", 50*time.Minute, 10, 10))

			closed := l.CloseStale(t0.Add(time.Hour), 30*time.Minute)
			Expect(closed).To(HaveLen(1))
			Expect(closed[0].SessionID).To(Equal("idle"))
			Expect(closed[0].TerminateCause).To(Equal(acct.CauseLostCarrier))
			Expect(*closed[0].StopTime).To(Equal(t0.Add(time.Minute)))

			Expect(l.CloseStale(t0.Add(time.Hour), 30*time.Minute)).To(BeEmpty())
			Expect(l.Count()).To(Equal(1))
		})

		It("should measure idleness on the receive clock", func() {
			// The NAS clock runs 20 minutes behind.
			now = t0.Add(20 * time.Minute)
			_, _ = l.Apply(event(acct.EventStart, "skewed", 0, 0, 0))
			now = t0.Add(25 * time.Minute)
			_, _ = l.Apply(event(acct.EventInterimUpdate, "skewed", 5*time.Minute, 10, 10))

			Expect(l.CloseStale(t0.Add(30*time.Minute), 15*time.Minute)).To(BeEmpty())

			closed := l.CloseStale(t0.Add(41*time.Minute), 15*time.Minute)
			Expect(closed).To(HaveLen(1))
			Expect(*closed[0].StopTime).To(Equal(t0.Add(5 * time.Minute)))
		})

		It("should not extend idleness on a redelivered update", func() {
			apply(event(acct.EventStart, "s1", 0, 0, 0))
			apply(event(acct.EventInterimUpdate, "s1", time.Minute, 10, 10))

			now = t0.Add(40 * time.Minute)
			res, err := l.Apply(event(acct.EventInterimUpdate, "s1", time.Minute, 10, 10))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Duplicate).To(BeTrue())

			Expect(l.CloseStale(t0.Add(time.Hour), 30*time.Minute)).To(HaveLen(1))
		})

		It("should not resurrect a swept session on a late Stop", func() {
			apply(event(acct.EventStart, "s1", 0, 0, 0))
			Expect(l.CloseStale(t0.Add(time.Hour), 30*time.Minute)).To(HaveLen(1))

			_, err := l.Apply(event(acct.EventStop, "s1", 55*time.Minute, 10, 10))
			Expect(err).To(MatchError(ledger.ErrStaleUpdate))
		})

		It("should be safe to run concurrently with Apply", func() {
			now = t0
			var wg sync.WaitGroup
			for i := 0; i < 200; i++ {
				_, _ = l.Apply(event(acct.EventStart, fmt.Sprintf("s%d", i), 0, 0, 0))
			}

			closedCount := atomic.Int64{}
			wg.Add(2)
			go func() {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					closedCount.Add(int64(len(l.CloseStale(t0.Add(time.Hour), 30*time.Minute))))
				}
			}()
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					_, _ = l.Apply(event(acct.EventInterimUpdate, fmt.Sprintf("s%d", i), time.Minute, 1, 1))
				}
			}()
			wg.Wait()

			total := closedCount.Load() + int64(len(l.CloseStale(t0.Add(time.Hour), 30*time.Minute)))
			Expect(total).To(Equal(int64(200)))
			Expect(l.Count()).To(BeZero())
		})
	})

	Describe("CloseNAS", func() {
		It("should close only the sessions of the rebooted NAS", func() {
			_, _ = l.Apply(event(acct.EventStart, "a", 0, 0, 0))
			other := event(acct.EventStart, "b", 0, 0, 0)
			other.NASIP = net.ParseIP("192.0.2.2")
			_, _ = l.Apply(other)

			closed := l.CloseNAS("192.0.2.1", "", acct.CauseNASReboot)
			Expect(closed).To(HaveLen(1))
			Expect(closed[0].SessionID).To(Equal("a"))
			Expect(closed[0].TerminateCause).To(Equal(acct.CauseNASReboot))
			Expect(l.Count()).To(Equal(1))
		})
	})

	Describe("LiveSessions", func() {
		BeforeEach(func() {
			for i := 0; i < 5; i++ {
				ev := event(acct.EventStart, fmt.Sprintf("s%d", i), time.Duration(i)*time.Minute, 0, 0)
				ev.Username = fmt.Sprintf("user%d", i%2)
				ev.CalledStation = fmt.Sprintf("ap-%d", i%2)
				ev.GroupID = "gold"
				_, _ = l.Apply(ev)
			}
		})

		It("should order by start time descending", func() {
			page, total := l.LiveSessions(ledger.Filter{}, 0, 10)
			Expect(total).To(Equal(5))
			Expect(page[0].SessionID).To(Equal("s4"))
			Expect(page[4].SessionID).To(Equal("s0"))
		})

		It("should apply filters conjunctively", func() {
			page, total := l.LiveSessions(ledger.Filter{Username: "USER1", APName: "ap-1", GroupID: "gold"}, 0, 10)
			Expect(total).To(Equal(2))
			Expect(page).To(HaveLen(2))

			_, total = l.LiveSessions(ledger.Filter{Username: "user1", APName: "ap-0"}, 0, 10)
			Expect(total).To(BeZero())
		})

		It("should paginate", func() {
			page, total := l.LiveSessions(ledger.Filter{}, 2, 2)
			Expect(total).To(Equal(5))
			Expect(page).To(HaveLen(2))
			Expect(page[0].SessionID).To(Equal("s2"))

			page, _ = l.LiveSessions(ledger.Filter{}, 10, 2)
			Expect(page).To(BeEmpty())
		})

		It("should stop iterating when the consumer stops", func() {
			n := 0
			for range l.Sessions(ledger.Filter{NASID: "nas-1"}) {
				n++
				if n == 2 {
					break
				}
			}
			Expect(n).To(Equal(2))
		})
	})

	Describe("Restore", func() {
		It("should load live sessions and tombstones", func() {
			_, _ = l.Apply(event(acct.EventStart, "live", 0, 0, 0))
			_, _ = l.Apply(event(acct.EventStart, "gone", 0, 0, 0))
			res, _ := l.Apply(event(acct.EventStop, "gone", time.Minute, 0, 0))
			live, _ := l.Get("live")

			restored := ledger.New(ledger.Config{Clock: func() time.Time { return now }})
			restored.Restore([]ledger.Snapshot{live}, []ledger.Snapshot{res.Session})

			Expect(restored.Count()).To(Equal(1))
			got, ok := restored.Get("live")
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(live))

			_, err := restored.Apply(event(acct.EventInterimUpdate, "gone", 30*time.Second, 1, 1))
			Expect(err).To(MatchError(ledger.ErrStaleUpdate))
		})

		It("should start the idle clock at restore for checkpoints without a receive time", func() {
			_, _ = l.Apply(event(acct.EventStart, "old", 0, 0, 0))
			live, _ := l.Get("old")
			live.LastSeen = time.Time{}

			restored := ledger.New(ledger.Config{Clock: func() time.Time { return now }})
			restored.Restore([]ledger.Snapshot{live}, nil)

			got, _ := restored.Get("old")
			Expect(got.LastSeen).To(Equal(now))
			Expect(restored.CloseStale(now.Add(10*time.Minute), 15*time.Minute)).To(BeEmpty())
		})
	})

	Describe("concurrency", func() {
		It("should apply events for 1000 sessions without lost updates", func() {
			const sessions = 1000
			const writers = 4
			const updates = 10

			accepted := make([]atomic.Uint64, sessions)
			var wg sync.WaitGroup

			for i := 0; i < sessions; i++ {
				id := fmt.Sprintf("sess-%04d", i)
				_, err := l.Apply(event(acct.EventStart, id, 0, 0, 0))
				Expect(err).NotTo(HaveOccurred())
				accepted[i].Store(1)
			}

			for i := 0; i < sessions; i++ {
				for w := 0; w < writers; w++ {
					wg.Add(1)
					go func(i, w int) {
						defer GinkgoRecover()
						defer wg.Done()
						id := fmt.Sprintf("sess-%04d", i)
						for u := 1; u <= updates; u++ {
							step := u*writers + w
							res, err := l.Apply(event(acct.EventInterimUpdate, id,
								time.Duration(step)*time.Second, uint32(step*100), uint32(step*100)))
							if err == nil && !res.Duplicate {
								accepted[i].Add(1)
							}
						}
					}(i, w)
				}
			}
			wg.Wait()

			Expect(l.Count()).To(Equal(sessions))
			for i := 0; i < sessions; i++ {
				s, ok := l.Get(fmt.Sprintf("sess-%04d", i))
				Expect(ok).To(BeTrue())
				Expect(s.Seq).To(Equal(accepted[i].Load()))
				Expect(s.CounterReset).To(BeFalse())
			}
		})
	})
})
