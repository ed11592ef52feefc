package worker_test

import (
	"context"
	"io"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/xvanov/collabcanvas-sub002/models"
	storemocks "github.com/xvanov/collabcanvas-sub002/store/mocks"
	"github.com/xvanov/collabcanvas-sub002/worker"
)

func TestMain(m *testing.M) {
	logrus.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func auditRecord(id string) models.AuditRecord {
	return models.AuditRecord{Id: id, DocId: "doc1", ActorId: "user1", Kind: "create", ShapeIds: []string{"s" + id}, At: 1700000000000}
}

func TestAuditBatcher_FlushesFullBatchImmediately(t *testing.T) {
	mockStore := new(storemocks.MockSceneStore)
	var written []models.AuditRecord
	flushed := make(chan struct{})
	mockStore.On("WriteAuditBatch", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		written = append([]models.AuditRecord(nil), args.Get(1).([]models.AuditRecord)...)
		close(flushed)
	}).Return(nil, nil)

	// Ticker far away: only the size threshold can trigger this flush.
	batcher := worker.NewAuditBatcher(mockStore, 60000)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		batcher.Run(ctx)
		close(done)
	}()

	for i := 0; i < 25; i++ {
		batcher.Offer(auditRecord(strconv.Itoa(i)))
	}

	select {
	case <-flushed:
	case <-time.After(time.Second):
		assert.Fail(t, "timed out waiting for the batch write")
	}
	assert.Len(t, written, 25)
	assert.Equal(t, auditRecord("0"), written[0])

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		assert.Fail(t, "timed out waiting for shutdown")
	}
}

func TestAuditBatcher_TickerFlushesPartialBatch(t *testing.T) {
	mockStore := new(storemocks.MockSceneStore)
	var written []models.AuditRecord
	flushed := make(chan struct{})
	mockStore.On("WriteAuditBatch", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		written = append([]models.AuditRecord(nil), args.Get(1).([]models.AuditRecord)...)
		close(flushed)
	}).Return(nil, nil)

	batcher := worker.NewAuditBatcher(mockStore, 50)

	// Buffered before the loop starts so the first tick sees both records.
	batcher.Offer(auditRecord("a"))
	batcher.Offer(auditRecord("b"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		batcher.Run(ctx)
		close(done)
	}()

	select {
	case <-flushed:
	case <-time.After(time.Second):
		assert.Fail(t, "timed out waiting for the ticker flush")
	}
	assert.Equal(t, []models.AuditRecord{auditRecord("a"), auditRecord("b")}, written)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		assert.Fail(t, "timed out waiting for shutdown")
	}
}

func TestAuditBatcher_CarriesUnprocessedForward(t *testing.T) {
	mockStore := new(storemocks.MockSceneStore)
	leftover := auditRecord("b")
	var mu sync.Mutex
	var batches [][]models.AuditRecord
	record := func(args mock.Arguments) {
		mu.Lock()
		batches = append(batches, append([]models.AuditRecord(nil), args.Get(1).([]models.AuditRecord)...))
		mu.Unlock()
	}
	mockStore.On("WriteAuditBatch", mock.Anything, mock.Anything).Run(record).Return([]models.AuditRecord{leftover}, nil).Once()
	mockStore.On("WriteAuditBatch", mock.Anything, mock.Anything).Run(record).Return(nil, nil)

	batcher := worker.NewAuditBatcher(mockStore, 50)
	batcher.Offer(auditRecord("a"))
	batcher.Offer(leftover)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		batcher.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) >= 2
	}, time.Second, 10*time.Millisecond)

	// The unprocessed record rides along in the next flush.
	mu.Lock()
	assert.Equal(t, []models.AuditRecord{auditRecord("a"), leftover}, batches[0])
	assert.Equal(t, []models.AuditRecord{leftover}, batches[1])
	mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		assert.Fail(t, "timed out waiting for shutdown")
	}
}

func TestAuditBatcher_FinalFlushOnShutdown(t *testing.T) {
	mockStore := new(storemocks.MockSceneStore)
	var written []models.AuditRecord
	flushed := make(chan struct{})
	mockStore.On("WriteAuditBatch", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		written = append([]models.AuditRecord(nil), args.Get(1).([]models.AuditRecord)...)
		close(flushed)
	}).Return(nil, nil)

	batcher := worker.NewAuditBatcher(mockStore, 60000)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		batcher.Run(ctx)
		close(done)
	}()

	batcher.Offer(auditRecord("a"))
	batcher.Offer(auditRecord("b"))
	batcher.Offer(auditRecord("c"))

	// Let the loop drain the buffer.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-flushed:
	case <-time.After(time.Second):
		assert.Fail(t, "timed out waiting for the final flush")
	}
	assert.Len(t, written, 3)

	select {
	case <-done:
	case <-time.After(time.Second):
		assert.Fail(t, "timed out waiting for shutdown")
	}
}

func TestAuditBatcher_OfferNeverBlocks(t *testing.T) {
	batcher := worker.NewAuditBatcher(new(storemocks.MockSceneStore), 60000)

	for i := 0; i < cap(batcher.RecordCh)+100; i++ {
		batcher.Offer(auditRecord(strconv.Itoa(i)))
	}

	// Overflow is dropped, not blocked on.
	assert.Len(t, batcher.RecordCh, cap(batcher.RecordCh))
}
