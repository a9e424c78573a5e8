package storage

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Store bundles the in-memory ring and the persisted monthly log.
type Store struct {
	Memory *Memory
	Log    *CSVLog
}

// Configured sets up the stores based on flags. The persisted log's consumer
// is started immediately so appends can begin as soon as polling does.
func Configured() *Store {
	dataDir := lflag.String("data-dir", "./data", "Directory for monthly CSV log partitions")
	historySize := lflag.Int("history-size", 1000, "Maximum readings kept in memory for live queries")
	queueSize := lflag.Int("write-queue-size", 256, "Pending readings buffered before persistence drops rows")

	s := &Store{}

	lflag.Do(func() {
		s.Memory = NewMemory(*historySize)
		s.Log = NewCSVLog(*dataDir, *queueSize, s.Memory)
		if err := s.Log.Init(); err != nil {
			panic(fmt.Sprintf("failed to initialize persisted log: %v", err))
		}
	})

	return s
}

// Close flushes and stops the persisted log.
func (s *Store) Close() error {
	if s.Log == nil {
		return nil
	}
	return s.Log.Close()
}
