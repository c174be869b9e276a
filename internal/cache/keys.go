package cache

// Redis keys used by the settlement fast path.
const (
	// PrefixSettleResult caches the first successful settle result per payment.
	PrefixSettleResult = "settle:idem:result:"
	// PrefixSettleLock marks a payment as being settled right now (SETNX + TTL).
	PrefixSettleLock = "settle:idem:lock:"
	// PrefixWinners caches the winner list of a drawn competition.
	PrefixWinners = "draw:winners:"
)

// SettleResultKey: settle:idem:result:{paymentId}
func SettleResultKey(paymentID string) string { return PrefixSettleResult + paymentID }

// SettleLockKey: settle:idem:lock:{paymentId}
func SettleLockKey(paymentID string) string { return PrefixSettleLock + paymentID }

// WinnersKey: draw:winners:{slug}
func WinnersKey(slug string) string { return PrefixWinners + slug }
