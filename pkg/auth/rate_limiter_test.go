package auth

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func newTestLimiter(cfg LimiterConfig) (*RateLimiter, *time.Time) {
	limiter := NewRateLimiter(cfg)
	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return current }
	return limiter, &current
}

func TestRateLimiterConsume(t *testing.T) {
	Convey("Given a rate limiter with 5 points per minute", t, func() {
		limiter, clock := newTestLimiter(LimiterConfig{
			Points:        5,
			Duration:      time.Minute,
			BlockDuration: time.Minute,
		})
		defer limiter.Stop()

		Convey("When a key consumes within its budget", func() {
			for i := 0; i < 5; i++ {
				ok, _ := limiter.Consume("alice", 1)
				So(ok, ShouldBeTrue)
			}

			Convey("Then the budget is exhausted", func() {
				So(limiter.Remaining("alice"), ShouldEqual, 0)
			})

			Convey("And the next consume is denied with a block penalty", func() {
				ok, retryAfter := limiter.Consume("alice", 1)
				So(ok, ShouldBeFalse)
				So(retryAfter, ShouldEqual, time.Minute)
				So(limiter.IsBlocked("alice"), ShouldBeTrue)
			})
		})

		Convey("When distinct keys consume", func() {
			for i := 0; i < 5; i++ {
				limiter.Consume("alice", 1)
			}

			Convey("Then other keys keep their full budget", func() {
				So(limiter.Remaining("bob"), ShouldEqual, 5)
				ok, _ := limiter.Consume("bob", 1)
				So(ok, ShouldBeTrue)
			})
		})

		Convey("When the window rolls over", func() {
			for i := 0; i < 5; i++ {
				limiter.Consume("alice", 1)
			}
			*clock = clock.Add(time.Minute + time.Second)

			Convey("Then the full budget regenerates at once", func() {
				So(limiter.Remaining("alice"), ShouldEqual, 5)
			})
		})

		Convey("When a blocked key waits out its block", func() {
			for i := 0; i < 6; i++ {
				limiter.Consume("alice", 1)
			}
			So(limiter.IsBlocked("alice"), ShouldBeTrue)

			*clock = clock.Add(2*time.Minute + time.Second)

			Convey("Then it may consume again", func() {
				So(limiter.IsBlocked("alice"), ShouldBeFalse)
				ok, _ := limiter.Consume("alice", 1)
				So(ok, ShouldBeTrue)
			})
		})

		Convey("When a blocked key keeps hammering", func() {
			for i := 0; i < 6; i++ {
				limiter.Consume("alice", 1)
			}
			*clock = clock.Add(30 * time.Second)

			Convey("Then the denial reports the remaining block time", func() {
				ok, retryAfter := limiter.Consume("alice", 1)
				So(ok, ShouldBeFalse)
				So(retryAfter, ShouldEqual, 30*time.Second)
			})
		})

		Convey("When a multi-point consume exceeds what is left", func() {
			ok, _ := limiter.Consume("alice", 4)
			So(ok, ShouldBeTrue)

			ok, _ = limiter.Consume("alice", 2)

			Convey("Then it is denied without draining the remainder", func() {
				So(ok, ShouldBeFalse)
				So(limiter.IsBlocked("alice"), ShouldBeTrue)
			})
		})
	})
}

func TestRateLimiterReset(t *testing.T) {
	Convey("Given a limiter with an exhausted key", t, func() {
		limiter, _ := newTestLimiter(LimiterConfig{
			Points:        2,
			Duration:      time.Minute,
			BlockDuration: time.Minute,
		})
		defer limiter.Stop()

		limiter.Consume("alice", 2)
		limiter.Consume("alice", 1)
		So(limiter.IsBlocked("alice"), ShouldBeTrue)

		Convey("When the key is reset", func() {
			limiter.Reset("alice")

			Convey("Then it has a fresh budget and no block", func() {
				So(limiter.IsBlocked("alice"), ShouldBeFalse)
				So(limiter.Remaining("alice"), ShouldEqual, 2)
			})
		})

		Convey("When all keys are cleared", func() {
			limiter.Consume("bob", 1)
			limiter.ClearAll()

			Convey("Then every budget is fresh", func() {
				So(limiter.Remaining("alice"), ShouldEqual, 2)
				So(limiter.Remaining("bob"), ShouldEqual, 2)
			})
		})
	})
}

func TestRateLimiterDefaults(t *testing.T) {
	Convey("Given a limiter built from a zero config", t, func() {
		limiter := NewRateLimiter(LimiterConfig{})
		defer limiter.Stop()

		Convey("Then it enforces the default budget", func() {
			So(limiter.Remaining("anyone"), ShouldEqual, 100)
		})
	})
}
