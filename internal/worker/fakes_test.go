package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tendant/face-index-pipeline/internal/faceindex"
	"github.com/tendant/face-index-pipeline/internal/logger"
	"github.com/tendant/face-index-pipeline/internal/queue"
	"github.com/tendant/face-index-pipeline/internal/storage"
	"github.com/tendant/face-index-pipeline/internal/workflows"
	"github.com/tendant/face-index-pipeline/pkg/pipeline"
)

var errTransient = errors.New("transient")

// failOnce fails the first call per key when enabled
type failOnce struct {
	enabled bool
	mu      sync.Mutex
	seen    map[string]bool
}

func (f *failOnce) check(key string) error {
	if !f.enabled {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[key] {
		return nil
	}
	f.seen[key] = true
	return errTransient
}

type fakeQueue struct {
	mu       sync.Mutex
	pending  []queue.Message
	acked    []string
	polls    int
	pollErrs int
	ackFail  failOnce
	ackDown  bool
	ackCalls int
}

func (q *fakeQueue) push(msgs ...queue.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msgs...)
}

func (q *fakeQueue) Poll(ctx context.Context, max int, wait, visibility time.Duration) ([]queue.Message, error) {
	q.mu.Lock()
	q.polls++
	if q.pollErrs > 0 {
		q.pollErrs--
		q.mu.Unlock()
		return nil, &queue.TransportError{Op: "receive", Err: errTransient}
	}
	n := min(max, len(q.pending))
	out := append([]queue.Message(nil), q.pending[:n]...)
	q.pending = q.pending[n:]
	q.mu.Unlock()

	if n == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Millisecond):
		}
		return nil, nil
	}
	return out, nil
}

func (q *fakeQueue) Acknowledge(ctx context.Context, receiptHandle string) error {
	if err := q.ackFail.check(receiptHandle); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ackCalls++
	if q.ackDown {
		return &queue.TransportError{Op: "delete", Err: errTransient}
	}
	q.acked = append(q.acked, receiptHandle)
	return nil
}

func (q *fakeQueue) setAckDown(down bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ackDown = down
}

func (q *fakeQueue) ackAttempts() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ackCalls
}

func (q *fakeQueue) ackedHandles() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

type fakeSource struct {
	mu      sync.Mutex
	files   map[string][]byte
	removed []string
	fail    failOnce
}

func (s *fakeSource) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := s.fail.check(ref); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[ref]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeSource) Remove(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, ref)
	return nil
}

func (s *fakeSource) removedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

type fakeStore struct {
	mu   sync.Mutex
	puts int
	fail failOnce
}

func (s *fakeStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := s.fail.check(key); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	return "mem://" + key, nil
}

func (s *fakeStore) Get(ctx context.Context, locator string) (io.ReadCloser, error) {
	return nil, storage.ErrNotFound
}

type fakeCollections struct {
	fail failOnce
}

func (c *fakeCollections) EnsureCollection(ctx context.Context, id string) error {
	return c.fail.check(id)
}

func (c *fakeCollections) Forget(string) {}

// fakeIndex returns one face per image whose id depends only on the event
// and source file, so redelivery yields the same face id.
type fakeIndex struct {
	delay      time.Duration
	downEvents map[string]bool
	noFaces    map[string]bool
	fail       failOnce

	current atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
}

func (x *fakeIndex) IndexFaces(ctx context.Context, collectionID string, img []byte, externalID string) ([]faceindex.Face, error) {
	x.calls.Add(1)
	n := x.current.Add(1)
	defer x.current.Add(-1)
	for {
		m := x.maxSeen.Load()
		if n <= m || x.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if x.delay > 0 {
		time.Sleep(x.delay)
	}

	if x.downEvents[collectionID] {
		return nil, errors.New("face index unavailable")
	}
	if err := x.fail.check(collectionID); err != nil {
		return nil, err
	}
	if x.noFaces[collectionID] {
		return nil, nil
	}
	return []faceindex.Face{{FaceID: "face-" + collectionID, Confidence: 99}}, nil
}

type fakeFaces struct {
	mu      sync.Mutex
	records map[string]pipeline.FaceRecord
	writes  int
	fail    failOnce
}

func (f *fakeFaces) PutFace(ctx context.Context, rec pipeline.FaceRecord) error {
	if err := f.fail.check(rec.FaceID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.records[rec.EventID+"/"+rec.FaceID] = rec
	return nil
}

func (f *fakeFaces) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type emitted struct {
	name  string
	event pipeline.ProgressEvent
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *fakeEmitter) Emit(ctx context.Context, client, name string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, _ := payload.(pipeline.ProgressEvent)
	e.events = append(e.events, emitted{name: name, event: ev})
	return nil
}

// terminal returns the terminal events per client connection id
func (e *fakeEmitter) terminal() map[string][]pipeline.ProgressEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := map[string][]pipeline.ProgressEvent{}
	for _, ev := range e.events {
		if ev.event.Status.Terminal() {
			out[ev.event.ClientConnectionID] = append(out[ev.event.ClientConnectionID], ev.event)
		}
	}
	return out
}

func (e *fakeEmitter) terminalCount() int {
	n := 0
	for _, evs := range e.terminal() {
		n += len(evs)
	}
	return n
}

type harness struct {
	queue       *fakeQueue
	source      *fakeSource
	store       *fakeStore
	collections *fakeCollections
	index       *fakeIndex
	faces       *fakeFaces
	emitter     *fakeEmitter
	pool        *Pool
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 16, 16))))
	return buf.Bytes()
}

func newHarness(t *testing.T, concurrency int) *harness {
	t.Helper()
	h := &harness{
		queue:       &fakeQueue{},
		source:      &fakeSource{files: map[string][]byte{}},
		store:       &fakeStore{},
		collections: &fakeCollections{},
		index:       &fakeIndex{downEvents: map[string]bool{}, noFaces: map[string]bool{}},
		faces:       &fakeFaces{records: map[string]pipeline.FaceRecord{}},
		emitter:     &fakeEmitter{},
	}

	log := logger.NewNop()
	retrier := workflows.NewRetrier(workflows.RetryPolicy{MaxAttempts: 3, Base: time.Millisecond}, log, nil)
	wf := workflows.NewIngestWorkflow(workflows.IngestDeps{
		Source:      h.source,
		Store:       h.store,
		Collections: h.collections,
		Index:       h.index,
		Faces:       h.faces,
		Notifier:    h.emitter,
		Retrier:     retrier,
		Logger:      log,
	}, workflows.IngestOptions{CollectionPrefix: ""})

	h.pool = NewPool(Deps{
		Queue:    h.queue,
		Workflow: wf,
		Source:   h.source,
		Notifier: h.emitter,
		Retrier:  retrier,
		Logger:   log,
	}, Options{
		Concurrency:       concurrency,
		BatchSize:         10,
		WaitTime:          10 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		PollErrorBackoff:  5 * time.Millisecond,
	})
	return h
}

// addJob stages a file and returns a job for it; every job gets its own event
// so the fake index can target it.
func (h *harness) addJob(t *testing.T, n int) pipeline.Job {
	ref := fmt.Sprintf("up/%d-x.png", n)
	h.source.mu.Lock()
	h.source.files[ref] = tinyPNG(t)
	h.source.mu.Unlock()
	return pipeline.Job{
		EventID:            fmt.Sprintf("ev%d", n),
		ClientConnectionID: fmt.Sprintf("conn-%d", n),
		FileReference:      ref,
		OriginalName:       "x.png",
		MimeType:           "image/png",
	}
}

func message(n int, job pipeline.Job) queue.Message {
	return queue.Message{
		ID:            fmt.Sprintf("m-%d", n),
		ReceiptHandle: fmt.Sprintf("rh-%d", n),
		ReceiveCount:  1,
		Job:           job,
	}
}

func (h *harness) run(t *testing.T, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.pool.Start(ctx)
	require.Eventually(t, until, 5*time.Second, 5*time.Millisecond)
	cancel()
	h.pool.Wait()
}
