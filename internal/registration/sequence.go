package registration

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/roboclub/oprec/backend/internal/docstore"
)

// DefaultPrefix is used when the recruitment settings carry no prefix.
const DefaultPrefix = "CAANG"

// FormatRegistrationID renders PREFIX-OR{period}-{year}-NNN with a zero padded sequence.
func FormatRegistrationID(prefix, period, year string, sequence int) string {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s-OR%s-%s-%03d", prefix, period, year, sequence)
}

// ParseSequence extracts the trailing numeric segment of a registration id.
func ParseSequence(registrationID string) (int, bool) {
	index := strings.LastIndex(registrationID, "-")
	if index < 0 || index == len(registrationID)-1 {
		return 0, false
	}
	value, err := strconv.Atoi(registrationID[index+1:])
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}

// SequenceCounter hands out the next registration sequence of a recruitment period.
// Implementations receive the surrounding transaction so the number and the registration commit together.
type SequenceCounter interface {
	Next(ctx context.Context, tx docstore.Transaction, period, year string) (int, error)
}

type counterDocument struct {
	Period    string    `json:"period"`
	Year      string    `json:"year"`
	Value     int       `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func counterKey(period, year string) string {
	return fmt.Sprintf("%s-%s", period, year)
}

// highestSequence scans existing registrations of the period and returns the largest sequence in use.
func highestSequence(tx docstore.Transaction, period, year string) (int, error) {
	documents, err := tx.Query(CollectionRegistrations, docstore.Query{
		Filters: []docstore.Filter{
			{Field: "orPeriod", Operator: docstore.OpEqual, Value: period},
			{Field: "orYear", Operator: docstore.OpEqual, Value: year},
		},
		OrderBy:    docstore.FieldCreateTime,
		Descending: true,
	})
	if err != nil {
		return 0, err
	}
	highest := 0
	for _, document := range documents {
		raw, _ := document.Data["registrationId"].(string)
		if sequence, ok := ParseSequence(raw); ok && sequence > highest {
			highest = sequence
		}
	}
	return highest, nil
}

// StoreSequenceCounter keeps one counter document per period in counters/{period}-{year}.
// A missing counter is seeded from the highest sequence already assigned in the period.
type StoreSequenceCounter struct {
	Clock func() time.Time
}

// Next increments the period counter inside tx.
func (c StoreSequenceCounter) Next(_ context.Context, tx docstore.Transaction, period, year string) (int, error) {
	key := counterKey(period, year)
	current := 0
	document, err := tx.Get(CollectionCounters, key)
	switch {
	case err == nil:
		var counter counterDocument
		if err := document.Decode(&counter); err != nil {
			return 0, fmt.Errorf("decode counter %s: %w", key, err)
		}
		current = counter.Value
	case errors.Is(err, docstore.ErrNotFound):
		current, err = highestSequence(tx, period, year)
		if err != nil {
			return 0, err
		}
	default:
		return 0, err
	}

	clock := c.Clock
	if clock == nil {
		clock = time.Now
	}
	next := current + 1
	data, err := docstore.ToData(counterDocument{Period: period, Year: year, Value: next, UpdatedAt: clock().UTC()})
	if err != nil {
		return 0, err
	}
	if err := tx.Set(CollectionCounters, key, data, docstore.SetOptions{}); err != nil {
		return 0, err
	}
	return next, nil
}

// RedisSequenceCounter increments an atomic Redis counter per period. The key is seeded from the
// store on first use so ids continue where earlier registrations stopped.
type RedisSequenceCounter struct {
	Client    redis.UniversalClient
	KeyPrefix string
}

// Next returns the incremented Redis counter for the period.
func (c RedisSequenceCounter) Next(ctx context.Context, tx docstore.Transaction, period, year string) (int, error) {
	if c.Client == nil {
		return 0, errMissingCounter
	}
	prefix := c.KeyPrefix
	if prefix == "" {
		prefix = "oprec:counter:"
	}
	key := prefix + counterKey(period, year)

	exists, err := c.Client.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: redis exists %s: %w", docstore.ErrUnavailable, key, err)
	}
	if exists == 0 {
		seed, err := highestSequence(tx, period, year)
		if err != nil {
			return 0, err
		}
		if err := c.Client.SetNX(ctx, key, seed, 0).Err(); err != nil {
			return 0, fmt.Errorf("%w: redis seed %s: %w", docstore.ErrUnavailable, key, err)
		}
	}
	value, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: redis incr %s: %w", docstore.ErrUnavailable, key, err)
	}
	return int(value), nil
}
