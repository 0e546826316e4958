package mission_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fentz26/swarm/internal/connectors/memconn"
	"github.com/fentz26/swarm/internal/mission"
	"github.com/fentz26/swarm/internal/models"
)

type stubVerifier struct {
	err   error
	calls int
}

func (v *stubVerifier) Verify(ctx context.Context, state models.MissionState) (string, error) {
	v.calls++
	return "FAIL store_test.go:12", v.err
}

type eventLog struct{ events []models.Event }

func (l *eventLog) Publish(ev models.Event) { l.events = append(l.events, ev) }

var _ = Describe("Controller", func() {
	var (
		ctx     context.Context
		conn    *memconn.Connector
		store   *mission.MemoryStore
		ctrl    *mission.Controller
		session string
	)

	todo := func(id, status string) models.Todo {
		return models.Todo{ID: id, Content: "item " + id, Status: status}
	}

	lastPrompt := func() string {
		prompts := conn.Prompts(session)
		Expect(prompts).NotTo(BeEmpty())
		return prompts[len(prompts)-1].Text
	}

	BeforeEach(func() {
		ctx = context.Background()
		conn = memconn.New(nil)
		store = mission.NewMemoryStore()
		ctrl = mission.New(conn, store, nil, mission.DefaultOptions(), nil)

		session = "ses_main"
		conn.AddSession(session)
		_, err := ctrl.Start(ctx, session, "Ship the feature", 5)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Start", func() {
		It("saves an active state and sends the opening prompt", func() {
			state, err := ctrl.Get(ctx, session)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Status).To(Equal(models.MissionActive))
			Expect(state.Iteration).To(Equal(1))
			Expect(state.MaxIterations).To(Equal(5))
			Expect(lastPrompt()).To(ContainSubstring("Ship the feature"))
		})

		It("rejects a second mission on the same session", func() {
			_, err := ctrl.Start(ctx, session, "Again", 0)
			Expect(errors.Is(err, mission.ErrMissionActive)).To(BeTrue())
		})

		It("creates a session when none is given", func() {
			state, err := ctrl.Start(ctx, "", "Fresh objective", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.SessionID).NotTo(BeEmpty())
			Expect(state.MaxIterations).To(Equal(100))
			Expect(conn.Title(state.SessionID)).To(Equal("Mission: Fresh objective"))
		})

		It("clears state when the opening prompt fails", func() {
			conn.AddSession("ses_other")
			conn.PromptErr = errors.New("host down")
			_, err := ctrl.Start(ctx, "ses_other", "x", 0)
			Expect(err).To(HaveOccurred())
			_, err = ctrl.Get(ctx, "ses_other")
			Expect(errors.Is(err, mission.ErrNoMission)).To(BeTrue())
		})
	})

	Describe("Pass", func() {
		It("skips while the session is busy", func() {
			conn.SetStatus(session, models.SessionBusy)
			out, err := ctrl.Pass(ctx, session)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Action).To(Equal(mission.ActionSkipped))
			Expect(out.State.Iteration).To(Equal(1))
		})

		It("continues with the remaining work", func() {
			conn.SetTodos(session, []models.Todo{todo("1", "completed"), todo("2", "in_progress"), todo("3", "pending")})

			out, err := ctrl.Pass(ctx, session)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Action).To(Equal(mission.ActionContinued))
			Expect(out.State.Iteration).To(Equal(2))
			Expect(out.Intervention).To(BeFalse())

			prompt := lastPrompt()
			Expect(prompt).To(ContainSubstring("iteration 2/5"))
			Expect(prompt).To(ContainSubstring("[~] item 2"))
			Expect(prompt).To(ContainSubstring("[ ] item 3"))
			Expect(prompt).NotTo(ContainSubstring("item 1"))
		})

		It("completes once every todo is done", func() {
			conn.SetTodos(session, []models.Todo{todo("1", "in_progress")})
			_, err := ctrl.Pass(ctx, session)
			Expect(err).NotTo(HaveOccurred())

			conn.SetTodos(session, []models.Todo{todo("1", "completed"), todo("2", "cancelled")})
			out, err := ctrl.Pass(ctx, session)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Action).To(Equal(mission.ActionCompleted))

			state, _ := ctrl.Get(ctx, session)
			Expect(state.Status).To(Equal(models.MissionCompleted))
		})

		It("does not complete before any work was seen", func() {
			out, err := ctrl.Pass(ctx, session)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Action).To(Equal(mission.ActionContinued))
		})

		It("fails at the iteration cap with work remaining", func() {
			conn.SetTodos(session, []models.Todo{todo("1", "pending")})
			for i := 0; i < 4; i++ {
				out, err := ctrl.Pass(ctx, session)
				Expect(err).NotTo(HaveOccurred())
				Expect(out.Action).To(Equal(mission.ActionContinued))
			}

			out, err := ctrl.Pass(ctx, session)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Action).To(Equal(mission.ActionFailed))
			Expect(out.State.Iteration).To(Equal(5))
			Expect(out.State.Status).To(Equal(models.MissionFailed))

			again, err := ctrl.Pass(ctx, session)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.Action).To(Equal(mission.ActionSkipped))
		})

		It("returns ErrNoMission for unknown sessions", func() {
			_, err := ctrl.Pass(ctx, "ses_unknown")
			Expect(errors.Is(err, mission.ErrNoMission)).To(BeTrue())
		})
	})

	Describe("stagnation", func() {
		BeforeEach(func() {
			conn.SetTodos(session, []models.Todo{todo("1", "pending"), todo("2", "in_progress")})
		})

		It("counts unchanged passes and intervenes at two", func() {
			out, _ := ctrl.Pass(ctx, session)
			Expect(out.State.Stagnation).To(Equal(0))

			out, _ = ctrl.Pass(ctx, session)
			Expect(out.State.Stagnation).To(Equal(1))
			Expect(out.Intervention).To(BeFalse())

			out, _ = ctrl.Pass(ctx, session)
			Expect(out.State.Stagnation).To(Equal(2))
			Expect(out.Intervention).To(BeTrue())
			Expect(lastPrompt()).To(ContainSubstring("Change your approach"))

			out, _ = ctrl.Pass(ctx, session)
			Expect(out.State.Stagnation).To(Equal(3))
			Expect(out.Intervention).To(BeTrue())
		})

		It("resets when the work set changes", func() {
			ctrl.Pass(ctx, session)
			out, _ := ctrl.Pass(ctx, session)
			Expect(out.State.Stagnation).To(Equal(1))

			conn.SetTodos(session, []models.Todo{todo("1", "completed"), todo("2", "in_progress")})
			out, _ = ctrl.Pass(ctx, session)
			Expect(out.State.Stagnation).To(Equal(0))
		})

		It("ignores todo order", func() {
			ctrl.Pass(ctx, session)
			conn.SetTodos(session, []models.Todo{todo("2", "in_progress"), todo("1", "pending")})
			out, _ := ctrl.Pass(ctx, session)
			Expect(out.State.Stagnation).To(Equal(1))
		})
	})

	Describe("verification", func() {
		var verifier *stubVerifier

		BeforeEach(func() {
			verifier = &stubVerifier{}
			ctrl = mission.New(conn, store, verifier, mission.DefaultOptions(), nil)
			conn.SetTodos(session, []models.Todo{todo("1", "completed")})
		})

		It("completes when verification passes", func() {
			out, err := ctrl.Pass(ctx, session)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Action).To(Equal(mission.ActionCompleted))
			Expect(verifier.calls).To(Equal(1))
		})

		It("keeps going with the failure output when verification fails", func() {
			verifier.err = errors.New("exit 1")
			out, err := ctrl.Pass(ctx, session)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Action).To(Equal(mission.ActionContinued))
			Expect(out.Intervention).To(BeTrue())
			Expect(lastPrompt()).To(ContainSubstring("FAIL store_test.go:12"))
		})
	})

	Describe("Cancel and events", func() {
		It("cancels an active mission and publishes passes", func() {
			events := &eventLog{}
			ctrl.SetPublisher(events)

			conn.SetTodos(session, []models.Todo{todo("1", "pending")})
			ctrl.Pass(ctx, session)

			state, err := ctrl.Cancel(ctx, session)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Status).To(Equal(models.MissionCancelled))

			out, _ := ctrl.Pass(ctx, session)
			Expect(out.Action).To(Equal(mission.ActionSkipped))

			Expect(events.events).To(HaveLen(2))
			Expect(events.events[0].Data["action"]).To(Equal("continued"))
			Expect(events.events[1].Data["action"]).To(Equal("cancelled"))
		})

		It("ignores idle sessions without a mission", func() {
			Expect(func() { ctrl.HandleIdle(ctx, "ses_unknown") }).NotTo(Panic())
		})

		It("forgets a mission", func() {
			Expect(ctrl.Forget(ctx, session)).To(Succeed())
			missions, err := ctrl.List(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(missions).To(BeEmpty())
		})

		It("drops the mission of a deleted session", func() {
			ctrl.HandleDeleted(ctx, session)
			_, err := ctrl.Get(ctx, session)
			Expect(err).To(MatchError(mission.ErrNoMission))
		})
	})
})
