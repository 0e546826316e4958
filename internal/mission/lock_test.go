package mission

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("continuationLock", func() {
	var (
		lock *continuationLock
		now  time.Time
	)

	BeforeEach(func() {
		now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		lock = newContinuationLock(30 * time.Second)
		lock.now = func() time.Time { return now }
	})

	It("admits one holder per session", func() {
		ok, _ := lock.tryAcquire("s1", "pass")
		Expect(ok).To(BeTrue())

		ok, holder := lock.tryAcquire("s1", "todo")
		Expect(ok).To(BeFalse())
		Expect(holder).To(Equal("pass"))

		ok, _ = lock.tryAcquire("s2", "pass")
		Expect(ok).To(BeTrue())
	})

	It("takes over a stale lock", func() {
		lock.tryAcquire("s1", "pass")
		now = now.Add(29 * time.Second)
		ok, holder := lock.tryAcquire("s1", "again")
		Expect(ok).To(BeFalse())
		Expect(holder).To(Equal("pass"))

		now = now.Add(2 * time.Second)
		ok, _ = lock.tryAcquire("s1", "again")
		Expect(ok).To(BeTrue())

		_, holder = lock.tryAcquire("s1", "third")
		Expect(holder).To(Equal("again"))
	})

	It("releases", func() {
		lock.tryAcquire("s1", "pass")
		lock.release("s1")
		ok, _ := lock.tryAcquire("s1", "todo")
		Expect(ok).To(BeTrue())
	})
})
