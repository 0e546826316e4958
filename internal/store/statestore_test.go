package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fentz26/swarm/internal/mission"
	"github.com/fentz26/swarm/internal/models"
	"github.com/fentz26/swarm/internal/store"
)

// stateStoreSpecs runs the same behaviour checks against every
// mission.StateStore implementation.
func stateStoreSpecs(newStore func() mission.StateStore) {
	var (
		ctx context.Context
		s   mission.StateStore
		t0  time.Time
	)

	state := func(id string, started time.Time) models.MissionState {
		return models.MissionState{
			SessionID:     id,
			Status:        models.MissionActive,
			Iteration:     1,
			MaxIterations: 10,
			Prompt:        "objective " + id,
			StartedAt:     started,
			UpdatedAt:     started,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		s = newStore()
		t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	})

	It("returns ErrNoMission for unknown sessions", func() {
		_, err := s.Load(ctx, "missing")
		Expect(errors.Is(err, mission.ErrNoMission)).To(BeTrue())

		_, err = s.Increment(ctx, "missing")
		Expect(errors.Is(err, mission.ErrNoMission)).To(BeTrue())
	})

	It("saves and loads every field", func() {
		st := state("ses_1", t0)
		st.WorkHash = "abc"
		st.Stagnation = 2
		st.SawWork = true
		Expect(s.Save(ctx, st)).To(Succeed())

		got, err := s.Load(ctx, "ses_1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Prompt).To(Equal("objective ses_1"))
		Expect(got.WorkHash).To(Equal("abc"))
		Expect(got.Stagnation).To(Equal(2))
		Expect(got.SawWork).To(BeTrue())
		Expect(got.StartedAt.Equal(t0)).To(BeTrue())
	})

	It("overwrites on save", func() {
		Expect(s.Save(ctx, state("ses_1", t0))).To(Succeed())
		st := state("ses_1", t0)
		st.Status = models.MissionCompleted
		Expect(s.Save(ctx, st)).To(Succeed())

		got, err := s.Load(ctx, "ses_1")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status).To(Equal(models.MissionCompleted))
	})

	It("increments the iteration", func() {
		Expect(s.Save(ctx, state("ses_1", t0))).To(Succeed())

		n, err := s.Increment(ctx, "ses_1")
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))
		n, err = s.Increment(ctx, "ses_1")
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(3))

		got, _ := s.Load(ctx, "ses_1")
		Expect(got.Iteration).To(Equal(3))
	})

	It("clears state", func() {
		Expect(s.Save(ctx, state("ses_1", t0))).To(Succeed())
		Expect(s.Clear(ctx, "ses_1")).To(Succeed())
		Expect(s.Clear(ctx, "ses_1")).To(Succeed())

		_, err := s.Load(ctx, "ses_1")
		Expect(errors.Is(err, mission.ErrNoMission)).To(BeTrue())
	})

	It("lists oldest first", func() {
		Expect(s.Save(ctx, state("ses_b", t0.Add(time.Minute)))).To(Succeed())
		Expect(s.Save(ctx, state("ses_a", t0))).To(Succeed())

		list, err := s.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(list).To(HaveLen(2))
		Expect(list[0].SessionID).To(Equal("ses_a"))
		Expect(list[1].SessionID).To(Equal("ses_b"))
	})
}

var _ = Describe("StateStore", func() {
	Describe("MemoryStore", func() {
		stateStoreSpecs(func() mission.StateStore { return mission.NewMemoryStore() })
	})

	Describe("SQLite Store", func() {
		stateStoreSpecs(func() mission.StateStore {
			s, err := store.New(filepath.Join(GinkgoT().TempDir(), "swarm.db"))
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(s.Close)
			return s
		})
	})
})
