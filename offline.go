package sentry_pipeline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// spoolRecord is one failed send preserved on disk: the exact wire
// body plus enough routing metadata to replay it later.
type spoolRecord struct {
	EventID   string    `cbor:"event_id"`
	Endpoint  string    `cbor:"endpoint"`
	Body      []byte    `cbor:"body"`
	Encoding  string    `cbor:"encoding,omitempty"`
	CreatedAt time.Time `cbor:"created_at"`
}

// OfflineSpool is the optional best-effort fallback for failed sends:
// a bounded on-disk queue with oldest-entry eviction. It is a
// diagnostic aid, not a durability guarantee. Records can be lost on
// crash, eviction, or replay failure.
type OfflineSpool struct {
	mu         sync.Mutex
	path       string
	maxRecords int
	logger     *zap.Logger
}

// NewOfflineSpool opens (or creates) a spool file.
func NewOfflineSpool(cfg *SpoolConfig, logger *zap.Logger) (*OfflineSpool, error) {
	s := &OfflineSpool{
		path:       cfg.Path,
		maxRecords: cfg.MaxRecords,
		logger:     logger,
	}

	// Fail fast on an unreadable or corrupt spool file.
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Append stores a record, evicting the oldest entries once the bound
// is reached.
func (s *OfflineSpool) Append(rec spoolRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}

	records = append(records, rec)
	if excess := len(records) - s.maxRecords; excess > 0 {
		s.logger.Warn("spool full, evicting oldest records",
			zap.Int("evicted", excess))
		records = records[excess:]
	}

	return s.save(records)
}

// Drain returns every spooled record and truncates the file. Replay
// failures after Drain lose the records; that is the accepted
// best-effort contract.
func (s *OfflineSpool) Drain() ([]spoolRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	if err := s.save(nil); err != nil {
		return nil, err
	}
	return records, nil
}

// Len returns the current record count.
func (s *OfflineSpool) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (s *OfflineSpool) load() ([]spoolRecord, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []spoolRecord
	if err := cbor.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode spool: %w", err)
	}
	return records, nil
}

func (s *OfflineSpool) save(records []spoolRecord) error {
	data, err := cbor.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode spool: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write spool: %w", err)
	}
	return nil
}
