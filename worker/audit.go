package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xvanov/collabcanvas-sub002/models"
	"github.com/xvanov/collabcanvas-sub002/store"
)

// DynamoDB batch write limit; also the flush threshold.
const auditBatchSize = 25

// Upper bound on records held across failed flushes before the oldest are
// dropped.
const auditBacklogLimit = 200

// AuditBatcher collects audit records from live sessions and writes them in
// batches, on a ticker or as soon as a full batch accumulates. Records that
// come back unprocessed are carried into the next flush.
type AuditBatcher struct {
	RecordCh           chan models.AuditRecord
	sceneStore         store.SceneStore
	tickerMilliseconds int
}

func NewAuditBatcher(sceneStore store.SceneStore, tickerMilliseconds int) *AuditBatcher {
	return &AuditBatcher{
		RecordCh:           make(chan models.AuditRecord, 1024), // buffer to absorb bursts
		sceneStore:         sceneStore,
		tickerMilliseconds: tickerMilliseconds,
	}
}

// Offer hands a record to the batcher without ever blocking an edit. When
// the buffer is full the record is dropped; the audit trail is best effort.
func (b *AuditBatcher) Offer(record models.AuditRecord) {
	select {
	case b.RecordCh <- record:
	default:
		logrus.WithField("docId", record.DocId).Debug("Audit buffer full, dropping record")
	}
}

func (b *AuditBatcher) Run(shutdownCtx context.Context) {
	ticker := time.NewTicker(time.Duration(b.tickerMilliseconds) * time.Millisecond)
	defer ticker.Stop()

	batch := make([]models.AuditRecord, 0, auditBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Not derived from shutdownCtx: a final flush on shutdown must
		// still be allowed to finish.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		unprocessed, err := b.sceneStore.WriteAuditBatch(ctx, batch)
		if err != nil {
			logrus.WithError(err).Warn("Audit batch write failed")
		}

		batch = batch[:0]
		batch = append(batch, unprocessed...)
		if len(batch) > auditBacklogLimit {
			logrus.WithField("dropped", len(batch)-auditBacklogLimit).Warn("Audit backlog over limit, dropping oldest")
			batch = append(batch[:0], batch[len(batch)-auditBacklogLimit:]...)
		}
	}

	for {
		select {
		case record := <-b.RecordCh:
			batch = append(batch, record)
			if len(batch) >= auditBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-shutdownCtx.Done():
			flush()
			return
		}
	}
}
