package pebblestore

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
)

// Pebble key schema
// 1. Prefix-based for range scans (all trades of an instrument, one book side)
// 2. Fixed-width numbers so lexicographic order is numeric order
// 3. Book keys sort best price first, then oldest, then lowest id

// Key prefixes
const (
	prefixAccount       = "acc:"    // Account record
	prefixAccountNumber = "accnum:" // account number -> account id
	prefixInstrument    = "ins:"    // Instrument record
	prefixOrder         = "ord:"    // Order record
	prefixBook          = "book:"   // resting order index
	prefixPosition      = "pos:"    // Position record
	prefixDaily         = "day:"    // daily OHLC
	prefixTrade         = "trade:"  // Trade record
	prefixTradeIndex    = "itrade:" // instrument -> trade ids
)

func pad(n int64) string { return fmt.Sprintf("%020d", n) }

// accountKey returns the key for an account
// Format: "acc:{id}"
func accountKey(id int64) []byte { return []byte(prefixAccount + pad(id)) }

// accountNumberKey returns the lookup key of an external account number
// Format: "accnum:{number}"
func accountNumberKey(number int64) []byte {
	return []byte(prefixAccountNumber + strconv.FormatInt(number, 10))
}

// instrumentKey returns the key for an instrument
// Format: "ins:{id}"
func instrumentKey(id int64) []byte { return []byte(prefixInstrument + pad(id)) }

// orderKey returns the key for an order
// Format: "ord:{id}"
func orderKey(id int64) []byte { return []byte(prefixOrder + pad(id)) }

func sideTag(s core.Side) string {
	if s == core.Buy {
		return "b"
	}
	return "s"
}

// bookPrefix returns the prefix of one side of an instrument's book
// Format: "book:{instrument}:{b|s}:"
func bookPrefix(instrument int64, side core.Side) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", prefixBook, pad(instrument), sideTag(side)))
}

// priceRank orders prices best first within a side: ascending for asks,
// descending for bids.
func priceRank(side core.Side, price int64) int64 {
	if side == core.Buy {
		return math.MaxInt64 - price
	}
	return price
}

// bookKey returns the index key of a resting order
// Format: "book:{instrument}:{b|s}:{rank}:{createdAtNanos}:{id}"
func bookKey(o *core.Order) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s",
		bookPrefix(o.InstrumentID, o.Side),
		pad(priceRank(o.Side, o.Price)),
		pad(o.CreatedAt.UnixNano()),
		pad(o.ID)))
}

// orderIDFromBookKey extracts the trailing order id of a book key.
func orderIDFromBookKey(key []byte) (int64, error) {
	s := string(key)
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return 0, errors.Newf("malformed book key %q", s)
	}
	return strconv.ParseInt(s[i+1:], 10, 64)
}

// positionKey returns the key for a position
// Format: "pos:{account}:{instrument}"
func positionKey(account, instrument int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixPosition, pad(account), pad(instrument)))
}

// dailyKey returns the key for a daily OHLC record
// Format: "day:{instrument}:{YYYY-MM-DD}"
func dailyKey(instrument int64, day string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixDaily, pad(instrument), day))
}

// tradeKey returns the key for a trade
// Format: "trade:{id}"
func tradeKey(id int64) []byte { return []byte(prefixTrade + pad(id)) }

// tradeIndexPrefix returns the prefix of an instrument's trade index
// Format: "itrade:{instrument}:"
func tradeIndexPrefix(instrument int64) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTradeIndex, pad(instrument)))
}

// tradeIndexKey returns the index key of a trade
// Format: "itrade:{instrument}:{id}"
func tradeIndexKey(instrument, id int64) []byte {
	return append(tradeIndexPrefix(instrument), pad(id)...)
}

// keyUpperBound returns the smallest key greater than every key with prefix
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // no upper bound
}

// idSuffix parses the fixed-width id at the end of a key.
func idSuffix(key []byte) (int64, error) {
	if len(key) < 20 {
		return 0, errors.Newf("key %q too short", key)
	}
	return strconv.ParseInt(string(key[len(key)-20:]), 10, 64)
}
