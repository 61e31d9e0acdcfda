package reconciliation

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var journalBucket = []byte("processed_events")

// Journal is a local ledger of processor event ids that reached a terminal
// outcome. It short-circuits webhook redeliveries before any state is touched.
// Losing the journal file is safe: reapplying an event converges to the same
// record state, the journal only saves the work.
type Journal struct {
	db     *bolt.DB
	logger *zerolog.Logger
}

func OpenJournal(path string, logger *zerolog.Logger) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open event journal at %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(journalBucket)

		return err
	})
	if err != nil {
		_ = db.Close()

		return nil, errors.Wrap(err, "unable to prepare event journal bucket")
	}

	log := logger.With().Str("channel", "event_journal").Logger()

	return &Journal{db: db, logger: &log}, nil
}

func (j *Journal) Seen(eventID string) (bool, error) {
	var seen bool

	err := j.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket(journalBucket).Get([]byte(eventID)) != nil

		return nil
	})
	if err != nil {
		return false, errors.Wrap(err, "unable to read event journal")
	}

	return seen, nil
}

func (j *Journal) Record(eventID string, occurredAt time.Time) error {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(occurredAt.Unix()))

	err := j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).Put([]byte(eventID), value)
	})
	if err != nil {
		return errors.Wrap(err, "unable to record event in journal")
	}

	return nil
}

// Compact removes entries whose event time is before the cutoff and returns
// how many were dropped. Processors stop redelivering long before any sane
// retention window, so old entries only cost disk.
func (j *Journal) Compact(olderThan time.Time) (int, error) {
	cutoff := olderThan.Unix()
	removed := 0

	err := j.db.Update(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(journalBucket).Cursor()

		for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
			if len(value) != 8 {
				continue
			}

			if int64(binary.BigEndian.Uint64(value)) < cutoff {
				if err := cursor.Delete(); err != nil {
					return err
				}
				removed++
			}
		}

		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "unable to compact event journal")
	}

	if removed > 0 {
		j.logger.Info().Int("removed", removed).Msg("event journal compacted")
	}

	return removed, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
