package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardtrail/sentinel/internal/device"
	"github.com/guardtrail/sentinel/internal/queue"
	"github.com/guardtrail/sentinel/internal/resilience"
	"github.com/guardtrail/sentinel/internal/storage"
	"github.com/guardtrail/sentinel/pkg/safetyapi"
)

type fakeSender struct {
	mu       sync.Mutex
	err      error
	requests []safetyapi.SOSRequest
}

func (f *fakeSender) PostSOS(_ context.Context, req safetyapi.SOSRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.err
}

func (f *fakeSender) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSender) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type notification struct {
	title string
	data  map[string]any
}

type captureNotifier struct {
	mu    sync.Mutex
	notes []notification
}

func (c *captureNotifier) Notify(title, _ string, data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, notification{title: title, data: data})
}

func (c *captureNotifier) titles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.notes))
	for i, n := range c.notes {
		out[i] = n.title
	}
	return out
}

type captureDialer struct {
	mu      sync.Mutex
	numbers []string
}

func (c *captureDialer) Dial(number string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.numbers = append(c.numbers, number)
	return nil
}

func (c *captureDialer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.numbers)
}

type noLocation struct{}

func (noLocation) Current(context.Context) (device.Location, error) {
	return device.Location{}, device.ErrLocationUnavailable
}

type harness struct {
	dispatcher *Dispatcher
	sender     *fakeSender
	notifier   *captureNotifier
	dialer     *captureDialer
	queue      *queue.Queue
	kv         *storage.MemKV
}

func newHarness(t *testing.T, loc device.LocationProvider) *harness {
	t.Helper()
	kv := storage.NewMem()
	q, err := queue.New(context.Background(), kv, func() bool { return true })
	require.NoError(t, err)

	if loc == nil {
		loc = device.FixedLocation{Lat: 26.15, Lon: 91.74}
	}
	sender := &fakeSender{}
	notifier := &captureNotifier{}
	dialer := &captureDialer{}
	d := New(Options{
		SubjectID:       "tourist-9",
		EmergencyNumber: "112",
		DeliveryTimeout: time.Second,
		MaxRetries:      3,
	}, sender, loc, notifier, dialer, q)

	return &harness{dispatcher: d, sender: sender, notifier: notifier, dialer: dialer, queue: q, kv: kv}
}

func persistedQueue(t *testing.T, kv *storage.MemKV) []queue.Action {
	t.Helper()
	data, ok, err := kv.Get(context.Background(), "queue:offline_actions")
	require.NoError(t, err)
	if !ok || data == "" {
		return nil
	}
	var actions []queue.Action
	require.NoError(t, json.Unmarshal([]byte(data), &actions))
	return actions
}

func TestInitiate_DeliveredImmediately(t *testing.T) {
	h := newHarness(t, nil)

	rec, err := h.dispatcher.Initiate(context.Background(), TypeManual, "")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, StatusSent, rec.Status)
	assert.Equal(t, 1, h.sender.calls())
	assert.Equal(t, 0, h.queue.Len())
	assert.Contains(t, h.notifier.titles(), "SOS sent")
	assert.Equal(t, 1, h.dialer.count())

	sent := h.sender.requests[0]
	assert.Equal(t, rec.ID, sent.AlertID)
	assert.Equal(t, "tourist-9", sent.SubjectID)
	assert.Equal(t, "manual", sent.Source)
	assert.InDelta(t, 26.15, sent.Lat, 1e-9)
	assert.InDelta(t, 91.74, sent.Lng, 1e-9)
}

func TestInitiate_NetworkFailureQueuesExactlyOneAction(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.setErr(resilience.NewTransientError(eris.New("gateway timeout"), 504))

	rec, err := h.dispatcher.Initiate(context.Background(), TypeManual, "lost near market")
	require.NoError(t, err) // network failure is recovered locally, never thrown
	require.NotNil(t, rec)
	assert.Equal(t, StatusQueued, rec.Status)

	persisted := persistedQueue(t, h.kv)
	require.Len(t, persisted, 1)
	assert.Equal(t, ActionTypeSOS, persisted[0].Type)
	assert.Equal(t, h.queue.Pending(), persisted) // in-memory == persisted

	var queued AlertRecord
	require.NoError(t, json.Unmarshal(persisted[0].Payload, &queued))
	assert.Equal(t, rec.ID, queued.ID)
	assert.Equal(t, "lost near market", queued.Description)

	// Local fallbacks fire regardless of the network.
	assert.Contains(t, h.notifier.titles(), "SOS queued")
	assert.Equal(t, 1, h.dialer.count())
}

func TestInitiate_CancelledContextStillQueues(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.setErr(context.Canceled)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := h.dispatcher.Initiate(ctx, TypeAutomatic, "")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, rec.Status)
	assert.Equal(t, 1, h.queue.Len())
}

func TestInitiate_LocationFailureIsTerminal(t *testing.T) {
	h := newHarness(t, noLocation{})

	rec, err := h.dispatcher.Initiate(context.Background(), TypeManual, "")
	require.Error(t, err)
	assert.True(t, eris.Is(err, device.ErrLocationUnavailable))
	assert.Nil(t, rec)

	assert.Equal(t, 0, h.sender.calls())
	assert.Equal(t, 0, h.queue.Len())
	assert.Contains(t, h.notifier.titles(), "SOS failed")
}

func TestDrainQueued_FlushesFIFOAndSummarizes(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.setErr(eris.New("offline"))

	ctx := context.Background()
	first, err := h.dispatcher.Initiate(ctx, TypeManual, "")
	require.NoError(t, err)
	second, err := h.dispatcher.Initiate(ctx, TypeVoice, "")
	require.NoError(t, err)
	require.Equal(t, 2, h.queue.Len())

	// Connectivity restored.
	h.sender.setErr(nil)
	callsBefore := h.sender.calls()

	res, err := h.dispatcher.DrainQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Executed)
	assert.Equal(t, 0, h.queue.Len())
	assert.Contains(t, h.notifier.titles(), "Queued alerts delivered")

	replayed := h.sender.requests[callsBefore:]
	require.Len(t, replayed, 2)
	assert.Equal(t, first.ID, replayed[0].AlertID)
	assert.Equal(t, second.ID, replayed[1].AlertID)
}

func TestDrainQueued_ExhaustionIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.setErr(eris.New("backend is gone"))

	ctx := context.Background()
	_, err := h.dispatcher.Initiate(ctx, TypeManual, "")
	require.NoError(t, err)

	// Initial replay + 3 retries, then the action is dropped and reported.
	var dropped int
	for i := 0; i < 6; i++ {
		res, err := h.dispatcher.DrainQueued(ctx)
		require.NoError(t, err)
		dropped += res.Dropped
	}

	assert.Equal(t, 1, dropped)
	assert.Equal(t, 0, h.queue.Len())
	assert.Contains(t, h.notifier.titles(), "Alert delivery gave up")
}

func TestDrainQueued_NoQueuedAlertsNoSummary(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.dispatcher.DrainQueued(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Executed)
	assert.Empty(t, h.notifier.titles())
}

func TestAlertIDsAreUniqueAndTimePrefixed(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := newAlertID()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
