package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/torosent/gatewayprobe/internal/control"
	"github.com/torosent/gatewayprobe/internal/runner"
)

const bucketReports = "reports"

// BoltStore keeps reports in a local bbolt file, one JSON document per run.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the store at path.
func OpenBolt(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketReports))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Save writes r, replacing any previous report of the same run.
func (s *BoltStore) Save(_ context.Context, r control.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report %s: %w", r.RunID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketReports)).Put([]byte(r.RunID), data)
	})
}

// Get loads one report.
func (s *BoltStore) Get(_ context.Context, runID string) (control.Report, error) {
	var r control.Report
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketReports)).Get([]byte(runID))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return json.Unmarshal(v, &r)
	})
	if err != nil {
		return control.Report{}, err
	}
	return r, nil
}

// List returns stored reports filtered by status, newest first.
func (s *BoltStore) List(_ context.Context, status runner.Status) ([]control.Report, error) {
	var reports []control.Report
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketReports)).ForEach(func(k, v []byte) error {
			var r control.Report
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode report %s: %w", k, err)
			}
			reports = append(reports, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return filterAndSort(reports, status), nil
}

// Close releases the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
