package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"reelcast/internal/domain"
)

type stubSchedules struct {
	schedules []domain.Schedule
	slots     map[string]bool
	paused    []int64
}

func (s *stubSchedules) CreateSchedule(_ context.Context, sched domain.Schedule) (domain.Schedule, error) {
	return sched, nil
}
func (s *stubSchedules) GetSchedule(context.Context, int64) (domain.Schedule, error) {
	return domain.Schedule{}, domain.ErrScheduleNotFound
}
func (s *stubSchedules) ListActiveSchedules(context.Context) ([]domain.Schedule, error) {
	return s.schedules, nil
}
func (s *stubSchedules) SetScheduleStatus(_ context.Context, id int64, status domain.ScheduleStatus) error {
	if status == domain.SchedulePaused {
		s.paused = append(s.paused, id)
	}
	return nil
}
func (s *stubSchedules) AcquireSlot(_ context.Context, scheduleID int64, slotAt time.Time) (bool, error) {
	if s.slots == nil {
		s.slots = map[string]bool{}
	}
	key := slotAt.UTC().Format(time.RFC3339)
	if s.slots[key] {
		return false, nil
	}
	s.slots[key] = true
	return true, nil
}

type stubChannels struct {
	channel domain.Channel
}

func (s *stubChannels) GetChannel(context.Context, int64) (domain.Channel, error) {
	return s.channel, nil
}
func (s *stubChannels) ListOwnerChannels(context.Context, int64) ([]domain.Channel, error) {
	return nil, nil
}
func (s *stubChannels) UpdateAuthStatus(context.Context, int64, domain.AuthStatus) error { return nil }

type stubPools struct{}

func (s *stubPools) GetPool(context.Context, int64) (domain.ChannelPool, error) {
	return domain.ChannelPool{}, domain.ErrPoolNotFound
}
func (s *stubPools) AddPoolMember(context.Context, domain.PoolMember) error { return nil }
func (s *stubPools) RemovePoolMember(context.Context, int64, int64) error   { return nil }
func (s *stubPools) AdvanceCursor(context.Context, int64, int, int) (bool, error) {
	return true, nil
}

type stubFeed struct {
	item    domain.SourceItem
	drained bool
}

func (s *stubFeed) NextUnqueued(context.Context, string) (domain.SourceItem, error) {
	if s.drained {
		return domain.SourceItem{}, domain.ErrNoSourceItems
	}
	return s.item, nil
}

type stubQueue struct {
	entries   []domain.QueueEntry
	duplicate bool
}

func (s *stubQueue) EnqueueEntry(_ context.Context, entry domain.QueueEntry) (domain.QueueEntry, error) {
	if s.duplicate {
		return domain.QueueEntry{}, domain.ErrDuplicatePending
	}
	entry.ID = int64(len(s.entries) + 1)
	s.entries = append(s.entries, entry)
	return entry, nil
}
func (s *stubQueue) GetEntry(context.Context, int64) (domain.QueueEntry, error) {
	return domain.QueueEntry{}, domain.ErrEntryNotFound
}
func (s *stubQueue) ListDue(context.Context, time.Time, int) ([]domain.QueueEntry, error) {
	return nil, nil
}
func (s *stubQueue) ListOwnerEntries(context.Context, int64, int, int) ([]domain.QueueEntry, error) {
	return nil, nil
}
func (s *stubQueue) ClaimProcessing(context.Context, int64) (domain.QueueEntry, bool, error) {
	return domain.QueueEntry{}, false, nil
}
func (s *stubQueue) UpdateProgress(context.Context, int64, domain.PublishPhase, int) error {
	return nil
}
func (s *stubQueue) MarkPublished(context.Context, int64, string) (bool, error) { return true, nil }
func (s *stubQueue) MarkFailed(context.Context, int64, int, string, domain.PublishPhase) (bool, error) {
	return true, nil
}
func (s *stubQueue) ScheduleRetry(context.Context, int64, int, time.Time, string, domain.PublishPhase) error {
	return nil
}
func (s *stubQueue) RetryEntry(context.Context, int64) error          { return nil }
func (s *stubQueue) CancelQueued(context.Context, int64) (int64, error) { return 0, nil }
func (s *stubQueue) ClearStuck(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type stubSelector struct {
	channel  domain.Channel
	exhausted bool
}

func (s *stubSelector) Select(context.Context, domain.Destination, time.Time) (domain.Channel, error) {
	if s.exhausted {
		return domain.Channel{}, domain.ErrNoEligibleChannel
	}
	return s.channel, nil
}

type stubVariants struct {
	variant *domain.ABVariant
}

func (s *stubVariants) AssignVariant(context.Context, int64) (*domain.ABVariant, error) {
	return s.variant, nil
}

type stubBilling struct {
	sub domain.Subscription
}

func (s *stubBilling) GetSubscription(context.Context, int64) (domain.Subscription, error) {
	return s.sub, nil
}

type stubEvents struct {
	events []domain.Event
}

func (s *stubEvents) Enqueue(_ context.Context, event domain.Event) error {
	s.events = append(s.events, event)
	return nil
}
func (s *stubEvents) Receive(context.Context) (domain.Event, domain.EventAckFunc, error) {
	return domain.Event{}, nil, context.Canceled
}

type passCache struct{}

func (passCache) Once(_ context.Context, _ string, _ time.Duration, fn func() error) error {
	return fn()
}
func (passCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (passCache) Get(context.Context, string) ([]byte, error)              { return nil, nil }

type fixture struct {
	schedules *stubSchedules
	queue     *stubQueue
	feed      *stubFeed
	selector  *stubSelector
	variants  *stubVariants
	billing   *stubBilling
	events    *stubEvents
}

func newFixture(schedule domain.Schedule) *fixture {
	return &fixture{
		schedules: &stubSchedules{schedules: []domain.Schedule{schedule}},
		queue:     &stubQueue{},
		feed:      &stubFeed{item: domain.SourceItem{ID: 42, SourceAccount: schedule.SourceAccount}},
		selector:  &stubSelector{channel: domain.Channel{ID: 7, AuthStatus: domain.AuthStatusConnected}},
		variants:  &stubVariants{},
		billing:   &stubBilling{sub: domain.Subscription{Tier: domain.PlanStarter, Active: true}},
		events:    &stubEvents{},
	}
}

func (f *fixture) service() *Service {
	return NewService(
		f.schedules,
		&stubChannels{channel: domain.Channel{ID: 7}},
		&stubPools{},
		f.feed,
		f.queue,
		f.selector,
		f.variants,
		f.billing,
		f.events,
		passCache{},
		zerolog.Nop(),
	)
}

func testSchedule() domain.Schedule {
	channelID := int64(7)
	return domain.Schedule{
		ID:            1,
		OwnerID:       5,
		SourceAccount: "creator",
		ChannelID:     &channelID,
		Slots:         []string{"12:00", "19:00"},
		Timezone:      "UTC",
		Status:        domain.ScheduleActive,
	}
}

func TestTickEnqueuesDueSlot(t *testing.T) {
	f := newFixture(testSchedule())
	now := time.Date(2025, 6, 2, 12, 0, 30, 0, time.UTC)

	if err := f.service().Tick(context.Background(), now); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(f.queue.entries) != 1 {
		t.Fatalf("ожидали одну задачу, получили %d", len(f.queue.entries))
	}
	entry := f.queue.entries[0]
	if entry.ChannelID != 7 || entry.SourceItemID != 42 {
		t.Fatalf("задача собрана неверно: %+v", entry)
	}
	if entry.JobID == "" {
		t.Fatalf("задача должна получить внешний идентификатор")
	}
	if !entry.ScheduledAt.Equal(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("время слота должно усекаться до минуты, получили %v", entry.ScheduledAt)
	}
}

func TestTickIgnoresNotDueSlot(t *testing.T) {
	f := newFixture(testSchedule())
	now := time.Date(2025, 6, 2, 12, 1, 0, 0, time.UTC)

	if err := f.service().Tick(context.Background(), now); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(f.queue.entries) != 0 {
		t.Fatalf("слот не наступил, задач быть не должно")
	}
}

func TestTickSlotFiresOnce(t *testing.T) {
	f := newFixture(testSchedule())
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	service := f.service()

	if err := service.Tick(context.Background(), now); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := service.Tick(context.Background(), now.Add(20*time.Second)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(f.queue.entries) != 1 {
		t.Fatalf("слот должен сработать один раз, получили %d задач", len(f.queue.entries))
	}
}

func TestTickPausesScheduleWithoutCapacity(t *testing.T) {
	f := newFixture(testSchedule())
	f.billing.sub = domain.Subscription{Tier: domain.PlanStarter, Active: false}
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	if err := f.service().Tick(context.Background(), now); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(f.schedules.paused) != 1 {
		t.Fatalf("расписание должно остановиться")
	}
	if len(f.queue.entries) != 0 {
		t.Fatalf("задачи не ставятся для неактивной подписки")
	}
	if len(f.events.events) != 1 || f.events.events[0].Kind != domain.EventSchedulePaused {
		t.Fatalf("ожидали уведомление об остановке, получили %+v", f.events.events)
	}
}

func TestTickNoChannelEmitsEvent(t *testing.T) {
	f := newFixture(testSchedule())
	f.selector.exhausted = true
	now := time.Date(2025, 6, 2, 19, 0, 0, 0, time.UTC)

	if err := f.service().Tick(context.Background(), now); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(f.queue.entries) != 0 {
		t.Fatalf("без канала задача не ставится")
	}
	if len(f.events.events) != 1 || f.events.events[0].Kind != domain.EventNoChannel {
		t.Fatalf("ожидали уведомление об отсутствии канала")
	}
}

func TestTickSourceDrainedEmitsEvent(t *testing.T) {
	f := newFixture(testSchedule())
	f.feed.drained = true
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	if err := f.service().Tick(context.Background(), now); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(f.events.events) != 1 || f.events.events[0].Kind != domain.EventSourceDrained {
		t.Fatalf("ожидали уведомление об исчерпании источника")
	}
}

func TestTickSwallowsDuplicatePending(t *testing.T) {
	f := newFixture(testSchedule())
	f.queue.duplicate = true
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	if err := f.service().Tick(context.Background(), now); err != nil {
		t.Fatalf("дубликат незавершённой задачи не считается ошибкой: %v", err)
	}
}

func TestTickVariantShiftsScheduledAt(t *testing.T) {
	f := newFixture(testSchedule())
	f.variants.variant = &domain.ABVariant{ID: 100, Name: "B", Slots: []string{"21:30"}}
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	if err := f.service().Tick(context.Background(), now); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(f.queue.entries) != 1 {
		t.Fatalf("ожидали одну задачу")
	}
	entry := f.queue.entries[0]
	if entry.VariantID == nil || *entry.VariantID != 100 {
		t.Fatalf("задача должна нести вариант эксперимента")
	}
	want := time.Date(2025, 6, 2, 21, 30, 0, 0, time.UTC)
	if !entry.ScheduledAt.Equal(want) {
		t.Fatalf("время должно сместиться на слот варианта %v, получили %v", want, entry.ScheduledAt)
	}
}
