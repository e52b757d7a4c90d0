// /internal/storage/storage.go
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/keshon/datastore"
)

const runHistoryLimit int = 20

type Storage struct {
	ds *datastore.DataStore
}

// CollectorRunRecord is the metadata kept for one finished collection run.
// Collected payloads are never persisted, only counts.
type CollectorRunRecord struct {
	ChannelID string    `json:"channel_id"`
	Reason    string    `json:"reason"`
	Collected int       `json:"collected"`
	Received  int       `json:"received"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

type Record struct {
	CollectorRuns []CollectorRunRecord `json:"collector_runs"`
}

func New(filePath string) (*Storage, error) {
	ds, err := datastore.New(filePath)
	if err != nil {
		return nil, err
	}
	return &Storage{ds: ds}, nil
}

func (s *Storage) Close() error {
	return s.ds.Close()
}

// Helper function to get or create a Record for a guild
func (s *Storage) getOrCreateGuildRecord(guildID string) (*Record, error) {
	data, exists := s.ds.Get(guildID)
	if !exists {
		newRecord := &Record{
			CollectorRuns: []CollectorRunRecord{},
		}
		s.ds.Add(guildID, newRecord)
		return newRecord, nil
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("error marshalling data: %w", err)
	}

	var record Record
	err = json.Unmarshal(jsonData, &record)
	if err != nil {
		return nil, fmt.Errorf("error unmarshalling to *Record: %w", err)
	}

	if len(record.CollectorRuns) > runHistoryLimit {
		record.CollectorRuns = record.CollectorRuns[len(record.CollectorRuns)-runHistoryLimit:]
	}

	return &record, nil
}

// AddCollectorRun appends a finished run to a guild's history.
func (s *Storage) AddCollectorRun(guildID string, run CollectorRunRecord) error {
	record, err := s.getOrCreateGuildRecord(guildID)
	if err != nil {
		return err
	}

	record.CollectorRuns = append(record.CollectorRuns, run)
	if len(record.CollectorRuns) > runHistoryLimit {
		record.CollectorRuns = record.CollectorRuns[len(record.CollectorRuns)-runHistoryLimit:]
	}
	s.ds.Add(guildID, record)
	return nil
}

// GetCollectorRuns returns a guild's run history, oldest first.
func (s *Storage) GetCollectorRuns(guildID string) ([]CollectorRunRecord, error) {
	record, err := s.getOrCreateGuildRecord(guildID)
	if err != nil {
		return nil, err
	}
	return record.CollectorRuns, nil
}
