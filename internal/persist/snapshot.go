// Package persist saves the cache to disk at shutdown and restores it at
// startup, so a reboot does not wait a full carousel cycle to serve content.
//
// A snapshot is one generation of records in a badger database. Every record
// is stored under the generation's UUID, and the current generation pointer
// is switched in the same batch that writes the last record, so a crash while
// saving leaves the previous snapshot intact.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/piwi3910/stbcache/internal/cache"
	"github.com/piwi3910/stbcache/internal/metrics"
	"github.com/rs/zerolog/log"
)

var generationKey = []byte("meta/generation")

// Config configures persistence
type Config struct {
	Enabled     bool      `json:"enabled" yaml:"enabled"`
	Dir         string    `json:"dir" yaml:"dir"`
	Compression Algorithm `json:"compression" yaml:"compression"`
}

// DefaultConfig returns the persistence defaults.
func DefaultConfig() Config {
	return Config{
		Dir:         "/var/cache/satellite",
		Compression: AlgorithmZstd,
	}
}

// record is the stored metadata of one entry.
type record struct {
	Created   time.Time `json:"created"`
	Expiry    time.Time `json:"expiry"`
	Key       string    `json:"key"`
	OriginURL string    `json:"originUrl"`
	Codec     Algorithm `json:"codec"`
	Size      int64     `json:"size"`
}

// Snapshotter writes and reads cache snapshots.
type Snapshotter struct {
	db     *badger.DB
	codec  Codec
	codecs map[Algorithm]Codec
}

// Open opens or creates the snapshot database in cfg.Dir.
func Open(cfg Config) (*Snapshotter, error) {
	codec, err := NewCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Snapshotter{
		db:     db,
		codec:  codec,
		codecs: map[Algorithm]Codec{codec.Algorithm(): codec},
	}, nil
}

// Close closes the database.
func (s *Snapshotter) Close() error {
	return s.db.Close()
}

func genPrefix(gen string) []byte { return []byte("gen/" + gen + "/") }

func metaKey(gen string, key cache.Key) []byte { return []byte("gen/" + gen + "/m/" + key.String()) }

func dataKey(gen string, key cache.Key) []byte { return []byte("gen/" + gen + "/d/" + key.String()) }

// Save writes every live entry of store as a new generation and drops the
// previous one. It returns the number of entries written.
func (s *Snapshotter) Save(ctx context.Context, store *cache.Store) (int, error) {
	old, err := s.generation()
	if err != nil {
		return 0, err
	}

	gen := uuid.NewString()

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	n := 0
	err = store.Range(func(info cache.Info, data []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		payload, err := s.codec.Compress(data)
		if err != nil {
			return fmt.Errorf("compress %s: %w", info.Key, err)
		}

		meta, err := json.Marshal(record{
			Created:   info.Created,
			Expiry:    info.Expiry,
			Key:       info.Key.String(),
			OriginURL: info.OriginURL,
			Codec:     s.codec.Algorithm(),
			Size:      info.Size,
		})
		if err != nil {
			return err
		}

		if err := wb.Set(dataKey(gen, info.Key), payload); err != nil {
			return fmt.Errorf("write %s: %w", info.Key, err)
		}
		if err := wb.Set(metaKey(gen, info.Key), meta); err != nil {
			return fmt.Errorf("write %s: %w", info.Key, err)
		}

		n++

		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := wb.Set(generationKey, []byte(gen)); err != nil {
		return 0, err
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to write snapshot: %w", err)
	}

	if old != "" {
		if err := s.db.DropPrefix(genPrefix(old)); err != nil {
			log.Warn().Err(err).Str("generation", old).Msg("Failed to drop previous snapshot")
		}
	}

	metrics.AddSnapshotEntries("save", n)
	log.Info().Int("entries", n).Str("generation", gen).Msg("Cache snapshot saved")

	return n, nil
}

// Restore inserts the unexpired entries of the current generation into store.
// Corrupt records are logged and skipped. It returns the number restored.
func (s *Snapshotter) Restore(ctx context.Context, store *cache.Store) (int, error) {
	gen, err := s.generation()
	if err != nil || gen == "" {
		return 0, err
	}

	now := store.Now()
	n, expired, skipped := 0, 0, 0

	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("gen/" + gen + "/m/")
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			meta, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			err = s.restoreOne(txn, gen, meta, store, now)
			switch {
			case errors.Is(err, errExpired):
				expired++
			case err != nil:
				skipped++
				log.Warn().Err(err).Str("record", string(it.Item().Key())).Msg("Skipping snapshot record")
			default:
				n++
			}
		}

		return nil
	})
	if err != nil {
		return n, fmt.Errorf("failed to read snapshot: %w", err)
	}

	metrics.AddSnapshotEntries("restore", n)
	log.Info().Int("entries", n).Int("expired", expired).Int("skipped", skipped).Str("generation", gen).Msg("Cache snapshot restored")

	return n, nil
}

// errExpired marks records that are silently left out of a restore.
var errExpired = errors.New("expired")

func (s *Snapshotter) restoreOne(txn *badger.Txn, gen string, meta []byte, store *cache.Store, now time.Time) error {
	var rec record
	if err := json.Unmarshal(meta, &rec); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}

	key, err := cache.NewKey(rec.Key)
	if err != nil {
		return err
	}

	ttl := rec.Expiry.Sub(now)
	if ttl <= 0 {
		return errExpired
	}

	codec, err := s.codecFor(rec.Codec)
	if err != nil {
		return err
	}

	item, err := txn.Get(dataKey(gen, key))
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}

	stored, err := item.ValueCopy(nil)
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}

	data, err := codec.Decompress(stored)
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	if int64(len(data)) != rec.Size {
		return fmt.Errorf("payload is %d bytes, expected %d", len(data), rec.Size)
	}

	return store.Insert(key, rec.OriginURL, data, ttl)
}

func (s *Snapshotter) codecFor(alg Algorithm) (Codec, error) {
	if c, ok := s.codecs[alg]; ok {
		return c, nil
	}

	c, err := NewCodec(alg)
	if err != nil {
		return nil, err
	}
	s.codecs[alg] = c

	return c, nil
}

// generation returns the current snapshot generation, "" when none exists.
func (s *Snapshotter) generation() (string, error) {
	var gen string

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(generationKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		v, err := item.ValueCopy(nil)
		gen = string(v)

		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to read snapshot generation: %w", err)
	}

	return gen, nil
}
