// Package journal records the escrow contracts this operator has deployed
// or loaded, so any session can list them and pick one up again.
package journal

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/ethescrow/internal/pagination"
)

var ErrNotFound = errors.New("journal: contract not found")

// DefaultListLimit caps a page when the caller passes a non-positive limit.
const DefaultListLimit = 100

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor restricts results to records after the given cursor position.
// An undecodable cursor is ignored.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}

// admits reports whether r sorts after the cursor in newest-first order.
func (o listOpts) admits(r *Record) bool {
	if o.cursor == nil {
		return true
	}
	if r.CreatedAt.Equal(o.cursor.CreatedAt) {
		return r.Address < o.cursor.Key
	}
	return r.CreatedAt.Before(o.cursor.CreatedAt)
}

// Record is one known escrow contract. Addresses are lowercase hex.
type Record struct {
	Address     string    `json:"address"`
	Buyer       string    `json:"buyer"`
	Arbiter     string    `json:"arbiter"`
	Beneficiary string    `json:"beneficiary"`
	ValueWei    string    `json:"valueWei"`
	Phase       string    `json:"phase"`
	DeployTx    string    `json:"deployTx,omitempty"`
	ApproveTx   string    `json:"approveTx,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Involves reports whether account is one of the three parties.
func (r *Record) Involves(account string) bool {
	account = strings.ToLower(account)
	return r.Buyer == account || r.Arbiter == account || r.Beneficiary == account
}

// Store persists records.
type Store interface {
	// Upsert inserts r or updates the phase and approval tx of an existing
	// record at the same address. Parties, value and CreatedAt never change.
	Upsert(ctx context.Context, r *Record) error
	Get(ctx context.Context, address string) (*Record, error)
	// List returns the newest records first, ties broken by address. A
	// non-empty account restricts the result to escrows where it is a party.
	List(ctx context.Context, account string, limit int, opts ...ListOption) ([]*Record, error)
}

// Page is one page of List results.
type Page struct {
	Records    []*Record `json:"escrows"`
	Count      int       `json:"count"`
	NextCursor string    `json:"next_cursor,omitempty"`
	HasMore    bool      `json:"has_more"`
}

// ListPage fetches one page of at most limit records starting after cursor.
func ListPage(ctx context.Context, s Store, account string, limit int, cursor string) (*Page, error) {
	limit = clampLimit(limit)
	recs, err := s.List(ctx, account, limit+1, WithCursor(cursor))
	if err != nil {
		return nil, err
	}
	recs, next, more := pagination.ComputePage(recs, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.Address
	})
	if recs == nil {
		recs = []*Record{}
	}
	return &Page{Records: recs, Count: len(recs), NextCursor: next, HasMore: more}, nil
}

func normalize(r *Record) {
	r.Address = strings.ToLower(r.Address)
	r.Buyer = strings.ToLower(r.Buyer)
	r.Arbiter = strings.ToLower(r.Arbiter)
	r.Beneficiary = strings.ToLower(r.Beneficiary)
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit {
		return DefaultListLimit
	}
	return limit
}

// fetchLimit is clampLimit for stores, which may be asked for one extra
// record so ListPage can tell whether another page exists.
func fetchLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > DefaultListLimit+1 {
		return DefaultListLimit + 1
	}
	return limit
}
