package adapters

import (
	"context"
	"sync"

	"agora/internal/economy/domain"
	"agora/internal/shared/logging"
)

// LogJournal writes narrative entries to the application log. It stands in
// for the external journaling system; entries are best-effort and Record
// never fails.
type LogJournal struct {
	logger logging.Logger
}

// NewLogJournal constructs a journal backed by a component logger.
func NewLogJournal(logger logging.Logger) *LogJournal {
	return &LogJournal{logger: logging.OrNop(logger)}
}

// Record logs the entry.
func (j *LogJournal) Record(_ context.Context, entry domain.JournalEntry) error {
	j.logger.Info("[round %d] [%s] %s: %s", entry.Round, entry.Category, entry.AgentID, entry.Text)
	return nil
}

// MemoryJournal collects entries for test inspection.
type MemoryJournal struct {
	mu      sync.Mutex
	entries []domain.JournalEntry
	fail    error
}

// NewMemoryJournal constructs an in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

// FailWith makes subsequent Record calls return err.
func (j *MemoryJournal) FailWith(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fail = err
}

// Record appends the entry.
func (j *MemoryJournal) Record(_ context.Context, entry domain.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail != nil {
		return j.fail
	}
	j.entries = append(j.entries, entry)
	return nil
}

// Entries returns a snapshot of recorded entries.
func (j *MemoryJournal) Entries() []domain.JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]domain.JournalEntry, len(j.entries))
	copy(out, j.entries)
	return out
}
