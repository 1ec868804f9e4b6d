package chain

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Checkpoint remembers which chain events were already settled so a
// reconnect or restart does not settle the same event twice.
//
// keys: lb (last block), rb (lowest block awaiting retry),
// p:<32-byte tx hash><4-byte log index>
type Checkpoint struct {
	db *pebble.DB
}

// OpenCheckpoint opens or creates a checkpoint store in dir
func OpenCheckpoint(dir string) (*Checkpoint, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	return &Checkpoint{db: db}, nil
}

// Close flushes and closes the underlying store
func (c *Checkpoint) Close() error { return c.db.Close() }

func kLastBlock() []byte  { return []byte("lb") }
func kRetryBlock() []byte { return []byte("rb") }

func kProcessed(tx common.Hash, index uint) []byte {
	key := make([]byte, 0, 2+common.HashLength+4)
	key = append(key, "p:"...)
	key = append(key, tx[:]...)
	return binary.BigEndian.AppendUint32(key, uint32(index))
}

// LastBlock returns the highest block with a processed event
func (c *Checkpoint) LastBlock() (uint64, bool, error) {
	return c.block(kLastBlock())
}

// ResumeBlock returns where a backfill starts: the lowest block holding an
// event that still needs a retry, otherwise the last processed block.
func (c *Checkpoint) ResumeBlock() (uint64, bool, error) {
	last, ok, err := c.LastBlock()
	if err != nil {
		return 0, false, err
	}
	retry, pending, err := c.block(kRetryBlock())
	if err != nil {
		return 0, false, err
	}
	if pending && (!ok || retry < last) {
		return retry, true, nil
	}
	return last, ok, nil
}

// MarkRetry records that an event in block was left unsettled and must be
// picked up again by the next backfill.
func (c *Checkpoint) MarkRetry(block uint64) error {
	retry, pending, err := c.block(kRetryBlock())
	if err != nil {
		return err
	}
	if pending && retry <= block {
		return nil
	}
	if err := c.db.Set(kRetryBlock(), binary.BigEndian.AppendUint64(nil, block), pebble.Sync); err != nil {
		return fmt.Errorf("failed to write retry block: %w", err)
	}
	return nil
}

// ClearRetry drops the retry block once a backfill has covered it
func (c *Checkpoint) ClearRetry() error {
	if err := c.db.Delete(kRetryBlock(), pebble.Sync); err != nil {
		return fmt.Errorf("failed to clear retry block: %w", err)
	}
	return nil
}

func (c *Checkpoint) block(key []byte) (uint64, bool, error) {
	val, closer, err := c.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer func() { _ = closer.Close() }()
	if len(val) != 8 {
		return 0, false, fmt.Errorf("corrupt %s value of %d bytes", key, len(val))
	}
	return binary.BigEndian.Uint64(val), true, nil
}

// Processed reports whether the event at (tx, index) was already handled
func (c *Checkpoint) Processed(tx common.Hash, index uint) (bool, error) {
	_, closer, err := c.db.Get(kProcessed(tx, index))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read marker: %w", err)
	}
	_ = closer.Close()
	return true, nil
}

// MarkProcessed records the event and advances the last block, atomically
func (c *Checkpoint) MarkProcessed(tx common.Hash, index uint, block uint64) error {
	last, ok, err := c.LastBlock()
	if err != nil {
		return err
	}

	batch := c.db.NewBatch()
	defer func() { _ = batch.Close() }()

	if err := batch.Set(kProcessed(tx, index), nil, nil); err != nil {
		return fmt.Errorf("failed to stage marker: %w", err)
	}
	if !ok || block > last {
		if err := batch.Set(kLastBlock(), binary.BigEndian.AppendUint64(nil, block), nil); err != nil {
			return fmt.Errorf("failed to stage last block: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}
