package outbox

import (
	"crypto/sha256"
	"fmt"
)

// Journal entry kinds.
const (
	KindOrder   = "order"
	KindFill    = "fill"
	KindBreaker = "breaker"
	KindSession = "session"
)

// IdempotencyKey ties an order intent to the decision it came from.
func IdempotencyKey(instrument, decisionID, intent string) string {
	data := fmt.Sprintf("%s-%s-%s", instrument, decisionID, intent)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8])
}
