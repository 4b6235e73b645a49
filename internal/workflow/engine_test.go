package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubuntuhub/community-worker/internal/jobs"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []*jobs.Message
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, msg *jobs.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, msg)
	return nil
}

// kinds returns the published kinds in order, with award reasons and
// notification kinds appended for readability in assertions.
func (p *recordingPublisher) labels(t *testing.T) []string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	var labels []string
	for _, msg := range p.published {
		switch msg.Kind {
		case jobs.KindAwardUbuntuPoints:
			var payload jobs.AwardUbuntuPointsPayload
			require.NoError(t, json.Unmarshal(msg.Payload, &payload))
			labels = append(labels, "award:"+payload.Reason)
		case jobs.KindSendNotification:
			var payload jobs.SendNotificationPayload
			require.NoError(t, json.Unmarshal(msg.Payload, &payload))
			labels = append(labels, "notify:"+payload.Kind)
		default:
			labels = append(labels, string(msg.Kind))
		}
	}
	return labels
}

type recordingProfiles struct {
	mu        sync.Mutex
	completed []string
}

func (p *recordingProfiles) MarkOnboardingComplete(_ context.Context, userID string, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, userID)
	return nil
}

func (p *recordingProfiles) completedUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.completed...)
}

type engineFixture struct {
	engine    *Engine
	store     *MemoryStore
	publisher *recordingPublisher
	profiles  *recordingProfiles
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()

	store := NewMemoryStore()
	publisher := &recordingPublisher{}
	profiles := &recordingProfiles{}

	engine := NewEngine(&Dependencies{
		Store:     store,
		Publisher: publisher,
		Profiles:  profiles,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:    cfg,
	})

	return &engineFixture{
		engine:    engine,
		store:     store,
		publisher: publisher,
		profiles:  profiles,
	}
}

func testPayload() OnboardingPayload {
	return OnboardingPayload{
		UserID:   "u-1",
		Email:    "u1@example.org",
		FullName: "Thandi K",
		UserType: "member",
	}
}

func waitForStatus(t *testing.T, store Store, instanceID string, want Status) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := store.GetInstance(context.Background(), instanceID)
		require.NoError(t, err)
		if inst.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	inst, _ := store.GetInstance(context.Background(), instanceID)
	t.Fatalf("instance %s never reached %s, last status %s", instanceID, want, inst.Status)
}

func TestOnboardingHappyPath(t *testing.T) {
	f := newEngineFixture(t, Config{
		ProfileCompletedTimeout:  5 * time.Second,
		FirstContributionTimeout: 5 * time.Second,
	})

	inst, err := f.engine.StartOnboarding(context.Background(), testPayload())
	require.NoError(t, err)

	// Both events arrive promptly; the persisted rows satisfy the waits
	// even if they land before the run parks.
	require.NoError(t, f.engine.DeliverEvent(context.Background(), inst.ID, EventProfileCompleted, nil))
	require.NoError(t, f.engine.DeliverEvent(context.Background(), inst.ID, EventFirstContribution, nil))

	waitForStatus(t, f.store, inst.ID, StatusCompleted)
	f.engine.Wait()

	assert.Equal(t, []string{
		"notify:welcome",
		"award:first_login",
		"award:profile_completed",
		"award:first_contribution",
		"notify:congratulations",
	}, f.publisher.labels(t))

	assert.Equal(t, []string{"u-1"}, f.profiles.completedUsers())
}

func TestOnboardingTimeoutBranches(t *testing.T) {
	f := newEngineFixture(t, Config{
		ProfileCompletedTimeout:  30 * time.Millisecond,
		FirstContributionTimeout: 30 * time.Millisecond,
	})

	inst, err := f.engine.StartOnboarding(context.Background(), testPayload())
	require.NoError(t, err)

	waitForStatus(t, f.store, inst.ID, StatusCompleted)
	f.engine.Wait()

	assert.Equal(t, []string{
		"notify:welcome",
		"award:first_login",
		"notify:profile_reminder",
		"notify:engagement_reminder",
	}, f.publisher.labels(t))

	assert.Equal(t, []string{"u-1"}, f.profiles.completedUsers(),
		"onboarding closes out even when the user never engages")
}

func TestOnboardingEventBeatsDeadline(t *testing.T) {
	f := newEngineFixture(t, Config{
		ProfileCompletedTimeout:  2 * time.Second,
		FirstContributionTimeout: 30 * time.Millisecond,
	})

	inst, err := f.engine.StartOnboarding(context.Background(), testPayload())
	require.NoError(t, err)

	waitForStatus(t, f.store, inst.ID, StatusWaiting)
	require.NoError(t, f.engine.DeliverEvent(context.Background(), inst.ID, EventProfileCompleted, nil))

	waitForStatus(t, f.store, inst.ID, StatusCompleted)
	f.engine.Wait()

	labels := f.publisher.labels(t)
	assert.Contains(t, labels, "award:profile_completed")
	assert.NotContains(t, labels, "notify:profile_reminder")
}

func TestOnboardingResumeSkipsCompletedSteps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// An instance that already got through its first wait before the
	// previous process died.
	payload, err := json.Marshal(testPayload())
	require.NoError(t, err)

	inst := &Instance{
		ID:        "inst-resume",
		Name:      WorkflowOnboarding,
		Status:    StatusWaiting,
		Payload:   payload,
		StartedAt: time.Now().Add(-time.Hour),
		UpdatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.CreateInstance(ctx, inst))

	started := time.Now().Add(-time.Hour)
	for _, step := range []string{StepSendWelcome, StepAwardFirstLogin, StepAwardProfileCompleted} {
		_, err := store.BeginStep(ctx, inst.ID, step, started)
		require.NoError(t, err)
		require.NoError(t, store.CompleteStep(ctx, inst.ID, step, nil))
	}

	received, err := json.Marshal(waitResult{Received: true})
	require.NoError(t, err)
	_, err = store.BeginStep(ctx, inst.ID, "wait:"+EventProfileCompleted, started)
	require.NoError(t, err)
	require.NoError(t, store.CompleteStep(ctx, inst.ID, "wait:"+EventProfileCompleted, received))

	publisher := &recordingPublisher{}
	profiles := &recordingProfiles{}
	engine := NewEngine(&Dependencies{
		Store:     store,
		Publisher: publisher,
		Profiles:  profiles,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config: Config{
			FirstContributionTimeout: 30 * time.Millisecond,
		},
	})

	require.NoError(t, engine.ResumeActive(ctx))
	waitForStatus(t, store, inst.ID, StatusCompleted)
	engine.Wait()

	assert.Equal(t, []string{"notify:engagement_reminder"}, publisher.labels(t),
		"completed steps must not re-publish on resume")
	assert.Equal(t, []string{"u-1"}, profiles.completedUsers())
}

func TestOnboardingResumedWaitKeepsOriginalDeadline(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	payload, err := json.Marshal(testPayload())
	require.NoError(t, err)

	inst := &Instance{
		ID:        "inst-deadline",
		Name:      WorkflowOnboarding,
		Status:    StatusWaiting,
		Payload:   payload,
		StartedAt: time.Now().Add(-time.Hour),
		UpdatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.CreateInstance(ctx, inst))

	started := time.Now().Add(-time.Hour)
	for _, step := range []string{StepSendWelcome, StepAwardFirstLogin} {
		_, err := store.BeginStep(ctx, inst.ID, step, started)
		require.NoError(t, err)
		require.NoError(t, store.CompleteStep(ctx, inst.ID, step, nil))
	}

	// The wait began an hour ago; with a one hour timeout the window is
	// already spent, so the resumed wait must fall through immediately
	// rather than waiting a fresh hour.
	_, err = store.BeginStep(ctx, inst.ID, "wait:"+EventProfileCompleted, started)
	require.NoError(t, err)

	publisher := &recordingPublisher{}
	engine := NewEngine(&Dependencies{
		Store:     store,
		Publisher: publisher,
		Profiles:  &recordingProfiles{},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config: Config{
			ProfileCompletedTimeout:  time.Hour,
			FirstContributionTimeout: 30 * time.Millisecond,
		},
	})

	require.NoError(t, engine.ResumeActive(ctx))
	waitForStatus(t, store, inst.ID, StatusCompleted)
	engine.Wait()

	assert.Contains(t, publisher.labels(t), "notify:profile_reminder")
}

func TestOnboardingResumeRecoversConsumedEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	payload, err := json.Marshal(testPayload())
	require.NoError(t, err)

	inst := &Instance{
		ID:        "inst-midwait",
		Name:      WorkflowOnboarding,
		Status:    StatusWaiting,
		Payload:   payload,
		StartedAt: time.Now().Add(-time.Minute),
		UpdatedAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.CreateInstance(ctx, inst))

	started := time.Now().Add(-time.Minute)
	for _, step := range []string{StepSendWelcome, StepAwardFirstLogin} {
		_, err := store.BeginStep(ctx, inst.ID, step, started)
		require.NoError(t, err)
		require.NoError(t, store.CompleteStep(ctx, inst.ID, step, nil))
	}

	// The previous process consumed the event but died before the wait's
	// resolution was persisted: the wait step is still open while the
	// event row is already marked consumed.
	_, err = store.BeginStep(ctx, inst.ID, "wait:"+EventProfileCompleted, started)
	require.NoError(t, err)
	inserted, err := store.InsertEvent(ctx, &Event{InstanceID: inst.ID, Name: EventProfileCompleted})
	require.NoError(t, err)
	require.True(t, inserted)
	evt, err := store.ConsumeEvent(ctx, inst.ID, EventProfileCompleted)
	require.NoError(t, err)
	require.NotNil(t, evt)

	publisher := &recordingPublisher{}
	profiles := &recordingProfiles{}
	engine := NewEngine(&Dependencies{
		Store:     store,
		Publisher: publisher,
		Profiles:  profiles,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config: Config{
			ProfileCompletedTimeout:  time.Hour,
			FirstContributionTimeout: 30 * time.Millisecond,
		},
	})

	require.NoError(t, engine.ResumeActive(ctx))

	// Redelivery while the resumed run settles must stay a no-op.
	require.NoError(t, engine.DeliverEvent(ctx, inst.ID, EventProfileCompleted, nil))

	waitForStatus(t, store, inst.ID, StatusCompleted)
	engine.Wait()

	labels := publisher.labels(t)
	assert.Contains(t, labels, "award:profile_completed",
		"an event that arrived before the crash must still take the event branch")
	assert.NotContains(t, labels, "notify:profile_reminder")

	count := 0
	for _, l := range labels {
		if l == "award:profile_completed" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEngineStopInterruptsParkedWait(t *testing.T) {
	f := newEngineFixture(t, Config{
		ProfileCompletedTimeout:  time.Hour,
		FirstContributionTimeout: time.Hour,
	})

	inst, err := f.engine.StartOnboarding(context.Background(), testPayload())
	require.NoError(t, err)
	waitForStatus(t, f.store, inst.ID, StatusWaiting)

	done := make(chan struct{})
	go func() {
		f.engine.Stop()
		f.engine.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not drain after Stop")
	}

	// Stop is a shutdown, not a cancellation: the instance stays active
	// in the store for the next resume.
	got, err := f.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)

	// A fresh engine over the same store picks the run back up.
	publisher := &recordingPublisher{}
	resumed := NewEngine(&Dependencies{
		Store:     f.store,
		Publisher: publisher,
		Profiles:  f.profiles,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config: Config{
			ProfileCompletedTimeout:  time.Hour,
			FirstContributionTimeout: 30 * time.Millisecond,
		},
	})
	require.NoError(t, resumed.ResumeActive(context.Background()))
	require.NoError(t, resumed.DeliverEvent(context.Background(), inst.ID, EventProfileCompleted, nil))

	waitForStatus(t, f.store, inst.ID, StatusCompleted)
	resumed.Wait()

	assert.Contains(t, publisher.labels(t), "award:profile_completed")
}

func TestLaunchSkipsInstanceCancelledBeforeStart(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	payload, err := json.Marshal(testPayload())
	require.NoError(t, err)

	// A cancellation can land between loading an instance and the run's
	// first status write; the run must not revive it.
	inst := &Instance{
		ID:        "inst-cancelled",
		Name:      WorkflowOnboarding,
		Status:    StatusCancelled,
		Payload:   payload,
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.CreateInstance(ctx, inst))

	publisher := &recordingPublisher{}
	profiles := &recordingProfiles{}
	engine := NewEngine(&Dependencies{
		Store:     store,
		Publisher: publisher,
		Profiles:  profiles,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:    Config{},
	})

	engine.launch(inst)
	engine.Wait()

	got, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Empty(t, publisher.labels(t))
	assert.Empty(t, profiles.completedUsers())
}

func TestOnboardingCancelDuringWait(t *testing.T) {
	f := newEngineFixture(t, Config{
		ProfileCompletedTimeout:  time.Hour,
		FirstContributionTimeout: time.Hour,
	})

	inst, err := f.engine.StartOnboarding(context.Background(), testPayload())
	require.NoError(t, err)

	waitForStatus(t, f.store, inst.ID, StatusWaiting)
	require.NoError(t, f.engine.Cancel(context.Background(), inst.ID))
	f.engine.Wait()

	got, err := f.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	assert.Empty(t, f.profiles.completedUsers(), "cancelled runs never close out the profile")

	labels := f.publisher.labels(t)
	assert.NotContains(t, labels, "notify:profile_reminder")
	assert.NotContains(t, labels, "award:profile_completed")
}

func TestCancelTerminalInstanceRejected(t *testing.T) {
	f := newEngineFixture(t, Config{
		ProfileCompletedTimeout:  10 * time.Millisecond,
		FirstContributionTimeout: 10 * time.Millisecond,
	})

	inst, err := f.engine.StartOnboarding(context.Background(), testPayload())
	require.NoError(t, err)

	waitForStatus(t, f.store, inst.ID, StatusCompleted)
	f.engine.Wait()

	err = f.engine.Cancel(context.Background(), inst.ID)
	assert.Error(t, err)
}

func TestOnboardingStepRetryExhaustionFailsInstance(t *testing.T) {
	f := newEngineFixture(t, Config{
		StepRetryAttempts: 2,
		StepRetryBase:     time.Millisecond,
		StepRetryMax:      2 * time.Millisecond,
	})
	f.publisher.err = errors.New("broker unavailable")

	inst, err := f.engine.StartOnboarding(context.Background(), testPayload())
	require.NoError(t, err)

	waitForStatus(t, f.store, inst.ID, StatusFailed)
	f.engine.Wait()

	got, err := f.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "broker unavailable")
	assert.Contains(t, got.Error, StepSendWelcome)
}

func TestDeliverEventUnknownInstance(t *testing.T) {
	f := newEngineFixture(t, Config{})

	err := f.engine.DeliverEvent(context.Background(), "nope", EventProfileCompleted, nil)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestDeliverEventDuplicateIgnored(t *testing.T) {
	f := newEngineFixture(t, Config{
		ProfileCompletedTimeout:  time.Hour,
		FirstContributionTimeout: time.Hour,
	})

	inst, err := f.engine.StartOnboarding(context.Background(), testPayload())
	require.NoError(t, err)
	waitForStatus(t, f.store, inst.ID, StatusWaiting)

	data := json.RawMessage(`{"source":"web"}`)
	require.NoError(t, f.engine.DeliverEvent(context.Background(), inst.ID, EventProfileCompleted, data))
	require.NoError(t, f.engine.DeliverEvent(context.Background(), inst.ID, EventProfileCompleted, data))

	// Only one award despite the duplicate delivery.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		labels := f.publisher.labels(t)
		count := 0
		for _, l := range labels {
			if l == "award:profile_completed" {
				count++
			}
		}
		if count == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, f.engine.Cancel(context.Background(), inst.ID))
	f.engine.Wait()

	count := 0
	for _, l := range f.publisher.labels(t) {
		if l == "award:profile_completed" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
