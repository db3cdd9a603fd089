// Package accounts maps external account numbers to internal account ids.
package accounts

import (
	"context"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/uhyunpark/stockmatch/pkg/storage"
)

const DefaultCacheSize = 4096

// Resolver caches number -> id lookups. Accounts are never renumbered or
// deleted, so a cached entry never goes stale. Misses are not cached.
type Resolver struct {
	cache *lru.Cache[int64, int64]
}

func NewResolver(size int) (*Resolver, error) {
	c, err := lru.New[int64, int64](size)
	if err != nil {
		return nil, errors.Wrap(err, "account cache")
	}
	return &Resolver{cache: c}, nil
}

// MustNewResolver is NewResolver for sizes known to be valid. It panics on
// a non-positive size.
func MustNewResolver(size int) *Resolver {
	r, err := NewResolver(size)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the id of the account with the given number, reading
// through tx on a cache miss.
func (r *Resolver) Resolve(ctx context.Context, tx storage.Tx, number int64) (int64, error) {
	if id, ok := r.cache.Get(number); ok {
		return id, nil
	}
	acct, err := tx.ResolveAccount(ctx, number)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve account %d", number)
	}
	r.cache.Add(number, acct.ID)
	return acct.ID, nil
}

// Len returns the number of cached accounts.
func (r *Resolver) Len() int { return r.cache.Len() }
