package idgen

import (
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Snowflake ids
// ============================================================================
//
// Layout (64 bits):
//
//   0 - 41 bit timestamp - 10 bit worker id - 12 bit sequence
//
// Business numbers (AFF..., COM..., PYO...) embed the wall clock for
// readability and the low digits of the snowflake id for uniqueness.
//
// ============================================================================

const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
}

var (
	defaultGenerator *Snowflake
	once             sync.Once
)

// NewSnowflake returns a generator for workerID in [0, 1023].
func NewSnowflake(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("workerID must be within 0-%d, got %d", maxWorkerID, workerID)
	}
	return &Snowflake{workerID: workerID}, nil
}

// Init installs the default generator. Only the first call has an effect.
func Init(workerID int64) error {
	var err error
	once.Do(func() {
		defaultGenerator, err = NewSnowflake(workerID)
	})
	return err
}

func NextID() int64 {
	if defaultGenerator == nil {
		_ = Init(1)
	}
	return defaultGenerator.Generate()
}

func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// sequence exhausted for this millisecond
			for now <= s.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}

	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

// generateNo formats PREFIX + yyyyMMddHHmmss + the low 10 digits of a snowflake id.
func generateNo(prefix string) string {
	id := NextID()
	timestamp := time.Now().UTC().Format("20060102150405")
	return fmt.Sprintf("%s%s%010d", prefix, timestamp, id%10000000000)
}

func GenerateAffiliateNo() string {
	return generateNo("AFF")
}

func GenerateReferralNo() string {
	return generateNo("RFL")
}

func GenerateEntryNo() string {
	return generateNo("COM")
}

func GeneratePayoutNo() string {
	return generateNo("PYO")
}

func GenerateAdjustmentNo() string {
	return generateNo("ADJ")
}
