package resource

import (
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestResource(t *testing.T) {
	Convey("a free resource is granted", t, func() {
		r := New("drivetrain")
		interrupted := 0
		h := r.Request(1, func() { interrupted++ })
		So(h, ShouldNotBeNil)
		So(r.Active(), ShouldBeTrue)

		Convey("equal or lower urgency is rejected", func() {
			So(r.Request(1, nil), ShouldBeNil)
			So(r.Request(2, nil), ShouldBeNil)
			So(h.IsInterrupted(), ShouldBeFalse)
		})

		Convey("higher urgency preempts the holder", func() {
			released := false
			h.OnReleased(func() { released = true })

			h2 := r.Request(0, nil)
			So(h2, ShouldNotBeNil)
			So(interrupted, ShouldEqual, 1)
			So(released, ShouldBeTrue)
			So(h.IsInterrupted(), ShouldBeTrue)

			Convey("and the old handle cannot release the new owner", func() {
				So(h.Release(), ShouldBeFalse)
				So(r.Active(), ShouldBeTrue)
				So(h2.IsInterrupted(), ShouldBeFalse)
			})
		})

		Convey("release is idempotent", func() {
			So(h.Release(), ShouldBeTrue)
			So(h.Release(), ShouldBeFalse)
			So(r.Active(), ShouldBeFalse)
			So(interrupted, ShouldEqual, 0)

			h2 := r.Request(5, nil)
			So(h2, ShouldNotBeNil)
		})

		Convey("reset interrupts the holder", func() {
			r.Reset()
			So(interrupted, ShouldEqual, 1)
			So(r.Active(), ShouldBeFalse)
		})
	})

	Convey("the interrupt callback may request the resource again", t, func() {
		r := New("led")
		var again *Handle
		r.Request(3, func() {
			again = r.Request(3, nil)
		})
		r.Request(0, nil)
		So(again, ShouldBeNil)
	})

	Convey("concurrent requests never yield two live handles", t, func() {
		r := New("motor1")
		var wg sync.WaitGroup
		var lock sync.Mutex
		live := 0

		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(prio int) {
				defer wg.Done()
				h := r.Request(prio, func() {
					lock.Lock()
					live--
					lock.Unlock()
				})
				if h == nil {
					return
				}
				lock.Lock()
				live++
				lock.Unlock()
			}(50 - i)
		}
		wg.Wait()

		So(live, ShouldEqual, 1)
	})
}

func TestNilHandle(t *testing.T) {
	Convey("a nil handle behaves like an interrupted one", t, func() {
		var h *Handle
		So(h.IsInterrupted(), ShouldBeTrue)
		So(func() { h.Release() }, ShouldNotPanic)
	})
}
