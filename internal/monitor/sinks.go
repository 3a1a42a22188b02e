package monitor

import (
	"context"
	"sync"
	"time"

	"uptime/internal/elasticsearch"
	"uptime/internal/logger"
	"uptime/internal/models"

	"go.uber.org/zap"
)

// FileSink appends each result to the daily JSONL check log.
type FileSink struct {
	Writer *logger.CheckLogWriter
}

func (f *FileSink) WriteResult(_ context.Context, m *models.Monitor, r *models.CheckResult, out *Outcome) {
	entry := &logger.CheckLogEntry{
		Timestamp:   r.CheckedAt,
		MonitorID:   m.ID,
		MonitorName: m.Name,
		Type:        string(m.Type),
		Target:      m.Target,
		Status:      string(r.Status),
	}
	if r.ResponseTime != nil {
		entry.ResponseTime = *r.ResponseTime
	}
	if r.StatusCode != nil {
		entry.StatusCode = *r.StatusCode
	}
	if r.ErrorMessage != nil {
		entry.Message = *r.ErrorMessage
	}
	if out != nil && out.Cert != nil && !out.Cert.NotAfter.IsZero() {
		notAfter := out.Cert.NotAfter
		entry.CertNotAfter = &notAfter
	}

	if err := f.Writer.Write(entry); err != nil {
		logger.Warn("Failed to write check log to file",
			zap.Uint("monitor_id", m.ID),
			zap.Error(err),
		)
	}
}

// checkIndexer is the part of the Elasticsearch client the sink uses.
type checkIndexer interface {
	IndexCheck(ctx context.Context, doc *elasticsearch.CheckDocument) error
}

// ESSink indexes results asynchronously so a slow cluster never holds up
// a sweep. Documents are dropped when the buffer is full.
type ESSink struct {
	client checkIndexer
	buffer chan *elasticsearch.CheckDocument
	wg     sync.WaitGroup
}

func NewESSink(client checkIndexer, size int) *ESSink {
	if size <= 0 {
		size = 500
	}
	return &ESSink{
		client: client,
		buffer: make(chan *elasticsearch.CheckDocument, size),
	}
}

func (e *ESSink) WriteResult(_ context.Context, m *models.Monitor, r *models.CheckResult, out *Outcome) {
	doc := &elasticsearch.CheckDocument{
		MonitorID:   m.ID,
		MonitorName: m.Name,
		Type:        string(m.Type),
		Target:      m.Target,
		Status:      string(r.Status),
		Timestamp:   r.CheckedAt.UTC(),
	}
	if r.ResponseTime != nil {
		doc.ResponseTime = *r.ResponseTime
	}
	if r.StatusCode != nil {
		doc.StatusCode = *r.StatusCode
	}
	if r.ErrorMessage != nil {
		doc.Message = *r.ErrorMessage
	}
	if out != nil && out.Cert != nil && !out.Cert.NotAfter.IsZero() {
		notAfter := out.Cert.NotAfter
		doc.CertNotAfter = &notAfter
	}

	select {
	case e.buffer <- doc:
	default:
		logger.Warn("ES buffer full, dropping check document", zap.Uint("monitor_id", m.ID))
	}
}

// Start runs the writer until ctx is done, then flushes what is buffered.
func (e *ESSink) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case doc := <-e.buffer:
				e.index(ctx, doc)
			case <-ctx.Done():
				e.flush()
				return
			}
		}
	}()
}

// Wait blocks until the writer has flushed and exited.
func (e *ESSink) Wait() {
	e.wg.Wait()
}

func (e *ESSink) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case doc := <-e.buffer:
			e.index(ctx, doc)
		default:
			return
		}
	}
}

func (e *ESSink) index(ctx context.Context, doc *elasticsearch.CheckDocument) {
	if err := e.client.IndexCheck(ctx, doc); err != nil {
		logger.Error("Failed to index check to ES",
			zap.Uint("monitor_id", doc.MonitorID),
			zap.Error(err),
		)
	}
}
