package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Warning levels consumed by the external relay.
const (
	warnInvalidTransaction = "invalid_transaction"
	warnInvalidAccount     = "invalid_account"
)

// Notifier pushes integrity warnings onto a Redis list. Delivery is best
// effort and never blocks a request: the push runs detached and a failure
// is only logged.
type Notifier struct {
	rdb *redis.Client
	key string
}

func NewNotifier(rdb *redis.Client, key string) *Notifier {
	return &Notifier{rdb: rdb, key: key}
}

// Warn enqueues one warning for the relay.
func (n *Notifier) Warn(level, message string) {
	if n == nil || n.rdb == nil {
		return
	}
	payload := fmt.Sprintf("**%s**\n%s", level, message)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.rdb.LPush(ctx, n.key, payload).Err(); err != nil {
			log.Printf("Warning: failed to enqueue %s notification: %v", level, err)
		}
	}()
}
