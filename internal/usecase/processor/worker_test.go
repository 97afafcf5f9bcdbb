package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"reelcast/internal/domain"
)

type stubQueue struct {
	mu            sync.Mutex
	due           []domain.QueueEntry
	claimed       map[int64]bool
	published     map[int64]string
	failed        map[int64]string
	retries       map[int64]time.Time
	retryAttempts map[int64]int
	progress      []domain.PublishPhase
	terminal      map[int64]bool
}

func newStubQueue(due ...domain.QueueEntry) *stubQueue {
	return &stubQueue{
		due:           due,
		claimed:       map[int64]bool{},
		published:     map[int64]string{},
		failed:        map[int64]string{},
		retries:       map[int64]time.Time{},
		retryAttempts: map[int64]int{},
		terminal:      map[int64]bool{},
	}
}

func (s *stubQueue) EnqueueEntry(_ context.Context, e domain.QueueEntry) (domain.QueueEntry, error) {
	return e, nil
}
func (s *stubQueue) GetEntry(context.Context, int64) (domain.QueueEntry, error) {
	return domain.QueueEntry{}, domain.ErrEntryNotFound
}
func (s *stubQueue) ListDue(context.Context, time.Time, int) ([]domain.QueueEntry, error) {
	return s.due, nil
}
func (s *stubQueue) ListOwnerEntries(context.Context, int64, int, int) ([]domain.QueueEntry, error) {
	return nil, nil
}
func (s *stubQueue) ClaimProcessing(_ context.Context, id int64) (domain.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[id] {
		return domain.QueueEntry{}, false, nil
	}
	s.claimed[id] = true
	for _, e := range s.due {
		if e.ID == id {
			e.Status = domain.QueueStatusProcessing
			return e, true, nil
		}
	}
	return domain.QueueEntry{}, false, nil
}
func (s *stubQueue) UpdateProgress(_ context.Context, _ int64, phase domain.PublishPhase, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, phase)
	return nil
}
func (s *stubQueue) MarkPublished(_ context.Context, id int64, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal[id] {
		return false, nil
	}
	s.terminal[id] = true
	s.published[id] = url
	return true, nil
}
func (s *stubQueue) MarkFailed(_ context.Context, id int64, _ int, msg string, _ domain.PublishPhase) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal[id] {
		return false, nil
	}
	s.terminal[id] = true
	s.failed[id] = msg
	return true, nil
}
func (s *stubQueue) ScheduleRetry(_ context.Context, id int64, attempts int, nextAt time.Time, _ string, _ domain.PublishPhase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[id] = nextAt
	s.retryAttempts[id] = attempts
	return nil
}
func (s *stubQueue) RetryEntry(context.Context, int64) error            { return nil }
func (s *stubQueue) CancelQueued(context.Context, int64) (int64, error) { return 0, nil }
func (s *stubQueue) ClearStuck(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type stubChannels struct {
	channel    domain.Channel
	err        error
	authStatus domain.AuthStatus
}

func (s *stubChannels) GetChannel(context.Context, int64) (domain.Channel, error) {
	if s.err != nil {
		return domain.Channel{}, s.err
	}
	return s.channel, nil
}
func (s *stubChannels) ListOwnerChannels(context.Context, int64) ([]domain.Channel, error) {
	return nil, nil
}
func (s *stubChannels) UpdateAuthStatus(_ context.Context, _ int64, status domain.AuthStatus) error {
	s.authStatus = status
	return nil
}

type stubPublisher struct {
	err error
	url string
}

func (s *stubPublisher) Publish(_ context.Context, _ domain.SourceItem, _ domain.Channel, onProgress domain.ProgressFunc) (domain.PublishResult, error) {
	if onProgress != nil {
		onProgress(domain.PhaseDownloading, 10)
		onProgress(domain.PhaseUploading, 60)
	}
	if s.err != nil {
		return domain.PublishResult{}, s.err
	}
	return domain.PublishResult{URL: s.url}, nil
}

type stubQuota struct {
	mu       sync.Mutex
	recorded int
}

func (s *stubQuota) Remaining(context.Context, domain.Channel, time.Time) (int, error) {
	return 1, nil
}
func (s *stubQuota) RecordUpload(context.Context, domain.Channel, time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded++
	return nil
}

type stubHealth struct {
	mu        sync.Mutex
	successes int
	failures  []*domain.PublishError
}

func (s *stubHealth) RecordSuccess(context.Context, int64, time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
	return nil
}
func (s *stubHealth) RecordFailure(_ context.Context, _ int64, perr *domain.PublishError, _ string, _ time.Time) (domain.HealthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, perr)
	return domain.HealthRecord{}, nil
}

type stubOutcomes struct {
	mu       sync.Mutex
	outcomes []bool
}

func (s *stubOutcomes) RecordOutcome(_ context.Context, variantID *int64, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if variantID != nil {
		s.outcomes = append(s.outcomes, success)
	}
	return nil
}

type stubEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *stubEvents) Enqueue(_ context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}
func (s *stubEvents) Receive(context.Context) (domain.Event, domain.EventAckFunc, error) {
	return domain.Event{}, nil, context.Canceled
}

type fixture struct {
	queue     *stubQueue
	channels  *stubChannels
	publisher *stubPublisher
	quota     *stubQuota
	health    *stubHealth
	outcomes  *stubOutcomes
	events    *stubEvents
}

func newFixture(due ...domain.QueueEntry) *fixture {
	return &fixture{
		queue:     newStubQueue(due...),
		channels:  &stubChannels{channel: domain.Channel{ID: 7, OwnerID: 5, Title: "Shorts", AuthStatus: domain.AuthStatusConnected}},
		publisher: &stubPublisher{url: "https://example.com/v/1"},
		quota:     &stubQuota{},
		health:    &stubHealth{},
		outcomes:  &stubOutcomes{},
		events:    &stubEvents{},
	}
}

func (f *fixture) worker() *Worker {
	opts := DefaultOptions()
	opts.Stagger = 0
	return NewWorker(f.queue, f.channels, f.publisher, f.quota, f.health, f.outcomes, f.events, opts, zerolog.Nop())
}

func entry(id int64) domain.QueueEntry {
	variantID := int64(100)
	return domain.QueueEntry{
		ID:           id,
		JobID:        "job",
		ScheduleID:   1,
		SourceItemID: 42,
		ChannelID:    7,
		VariantID:    &variantID,
		Status:       domain.QueueStatusQueued,
		Item:         domain.SourceItem{ID: 42, DownloadURL: "https://cdn/video.mp4"},
	}
}

func TestDefaultStaggerWithinRateLimitWindow(t *testing.T) {
	opts := DefaultOptions()
	if opts.Stagger < 10*time.Second || opts.Stagger > 15*time.Second {
		t.Fatalf("пауза между запусками задач должна быть 10-15 секунд, получили %v", opts.Stagger)
	}
}

func TestProcessSuccess(t *testing.T) {
	f := newFixture(entry(1))
	now := time.Now()

	if err := f.worker().Tick(context.Background(), now); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if f.queue.published[1] != "https://example.com/v/1" {
		t.Fatalf("задача должна завершиться ссылкой на публикацию")
	}
	if f.quota.recorded != 1 {
		t.Fatalf("успех должен записаться в квоту")
	}
	if f.health.successes != 1 {
		t.Fatalf("успех должен записаться в здоровье")
	}
	if len(f.outcomes.outcomes) != 1 || !f.outcomes.outcomes[0] {
		t.Fatalf("исход эксперимента должен быть успешным")
	}
	if len(f.events.events) != 1 || f.events.events[0].Kind != domain.EventUploadSucceeded {
		t.Fatalf("ожидали уведомление об успехе")
	}
	if len(f.queue.progress) == 0 {
		t.Fatalf("прогресс должен обновляться по ходу публикации")
	}
}

func TestProcessTransientSchedulesRetry(t *testing.T) {
	f := newFixture(entry(1))
	f.publisher.err = &domain.PublishError{Kind: domain.PublishErrNetwork, Phase: domain.PhaseUploading, Message: "timeout"}
	now := time.Now()

	if err := f.worker().Tick(context.Background(), now); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	nextAt, ok := f.queue.retries[1]
	if !ok {
		t.Fatalf("временная ошибка должна откладывать повтор")
	}
	if want := now.Add(2 * time.Minute); !nextAt.Equal(want) {
		t.Fatalf("первая задержка повтора 2 минуты, получили %v", nextAt.Sub(now))
	}
	if len(f.queue.failed) != 0 {
		t.Fatalf("задача не должна завершаться")
	}
	if len(f.health.failures) != 1 {
		t.Fatalf("неудача должна записаться в здоровье")
	}
	if len(f.outcomes.outcomes) != 0 {
		t.Fatalf("исход эксперимента пишется только для терминальных состояний")
	}
}

func TestProcessTransientExhaustsAttempts(t *testing.T) {
	e := entry(1)
	e.Attempts = 2
	f := newFixture(e)
	f.publisher.err = &domain.PublishError{Kind: domain.PublishErrRateLimited, Phase: domain.PhaseUploading, Message: "quota exceeded"}

	if err := f.worker().Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(f.queue.retries) != 0 {
		t.Fatalf("третья попытка последняя, повторов быть не должно")
	}
	if _, ok := f.queue.failed[1]; !ok {
		t.Fatalf("задача должна провалиться окончательно")
	}
	if len(f.events.events) != 1 || f.events.events[0].Kind != domain.EventUploadFailed {
		t.Fatalf("ожидали уведомление о провале")
	}
}

func TestProcessAuthErrorMarksChannel(t *testing.T) {
	f := newFixture(entry(1))
	f.publisher.err = &domain.PublishError{Kind: domain.PublishErrAuthRevoked, Phase: domain.PhaseUploading, Message: "token revoked"}

	if err := f.worker().Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if f.channels.authStatus != domain.AuthStatusTokenRevoked {
		t.Fatalf("канал должен пометиться отозванным токеном, получили %s", f.channels.authStatus)
	}
	if _, ok := f.queue.failed[1]; !ok {
		t.Fatalf("ошибка авторизации завершает задачу без повторов")
	}
	if len(f.queue.retries) != 0 {
		t.Fatalf("повторы при ошибке авторизации не назначаются")
	}
	if len(f.health.failures) != 1 || f.health.failures[0] == nil || !f.health.failures[0].Auth() {
		t.Fatalf("монитор здоровья должен получить типизированную ошибку авторизации")
	}
}

func TestProcessUntypedErrorRetriesWithBackoff(t *testing.T) {
	f := newFixture(entry(1))
	f.publisher.err = errors.New("чтение файла: неожиданный разрыв потока")
	now := time.Now()

	if err := f.worker().Tick(context.Background(), now); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	nextAt, ok := f.queue.retries[1]
	if !ok {
		t.Fatalf("неклассифицированная ошибка уходит в повтор, а не в провал")
	}
	if want := now.Add(2 * time.Minute); !nextAt.Equal(want) {
		t.Fatalf("первая задержка повтора 2 минуты, получили %v", nextAt.Sub(now))
	}
	if len(f.queue.failed) != 0 {
		t.Fatalf("провал допустим только после исчерпания попыток")
	}
	if len(f.health.failures) != 1 {
		t.Fatalf("неудача публикации должна записаться в здоровье")
	}
}

func TestProcessUntypedErrorExhaustsAttempts(t *testing.T) {
	e := entry(1)
	e.Attempts = 2
	f := newFixture(e)
	f.publisher.err = errors.New("чтение файла: неожиданный разрыв потока")

	if err := f.worker().Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(f.queue.retries) != 0 {
		t.Fatalf("третья попытка последняя, повторов быть не должно")
	}
	if _, ok := f.queue.failed[1]; !ok {
		t.Fatalf("задача должна провалиться окончательно")
	}
}

func TestProcessPermanentErrorFailsTerminal(t *testing.T) {
	f := newFixture(entry(1))
	f.publisher.err = &domain.PublishError{Kind: domain.PublishErrInvalidMedia, Phase: domain.PhaseDownloading, Message: "unsupported container"}

	if err := f.worker().Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, ok := f.queue.failed[1]; !ok {
		t.Fatalf("постоянная ошибка медиа фатальна")
	}
	if len(f.queue.retries) != 0 {
		t.Fatalf("повторы при постоянной ошибке не назначаются")
	}
}

func TestProcessChannelLookupErrorReleasesClaim(t *testing.T) {
	f := newFixture(entry(1))
	f.channels.err = errors.New("соединение с БД разорвано")
	now := time.Now()

	if err := f.worker().Tick(context.Background(), now); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, ok := f.queue.retries[1]; !ok {
		t.Fatalf("внутренняя ошибка должна вернуть задачу в очередь")
	}
	if got := f.queue.retryAttempts[1]; got != 0 {
		t.Fatalf("внутренняя ошибка не расходует попытку, получили attempts=%d", got)
	}
	if len(f.queue.failed) != 0 {
		t.Fatalf("задача не должна завершаться провалом")
	}
	if len(f.health.failures) != 0 {
		t.Fatalf("здоровье канала не меняется без попытки публикации")
	}
	if len(f.events.events) != 0 {
		t.Fatalf("уведомления не отправляются без терминального исхода")
	}
}

func TestProcessClaimLostSkipsWork(t *testing.T) {
	f := newFixture(entry(1))
	f.queue.claimed[1] = true

	if err := f.worker().Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(f.queue.published) != 0 || len(f.queue.failed) != 0 {
		t.Fatalf("проигранный захват не обрабатывается")
	}
}

func TestTickBoundedParallelism(t *testing.T) {
	f := newFixture(entry(1), entry(2), entry(3), entry(4), entry(5))

	if err := f.worker().Tick(context.Background(), time.Now()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(f.queue.published) != 5 {
		t.Fatalf("все задачи должны завершиться, получили %d", len(f.queue.published))
	}
}
