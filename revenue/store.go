/*
store.go - Persistence interfaces for wallets, conversions and payouts

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  never traverses relations implicitly; it asks repositories for exactly
  what it needs. Storage technology is an implementation detail.

KEY INTERFACES:
  WalletRepository:     Wallet and log reads
  ConversionRepository: Conversion reads
  PayoutRepository:     Payout reads
  Store:                All of the above plus WithTx
  Tx:                   Writes, only available inside WithTx
  CourseCatalog:        Course lookups for mentor shares

ATOMIC UNITS:
  Every balance change runs inside Store.WithTx. Within a unit the wallet
  row is locked by LockWallet, so two units touching the same wallet
  serialize, while units on different wallets do not contend (store
  permitting). If fn returns an error nothing fn wrote survives.

APPEND-ONLY CONTRACT:
  Tx exposes AppendTransaction and nothing else for the wallet log.
  There is no Update or Delete for transactions. Ever.

UNIQUENESS:
  Stores enforce, at the storage layer:
  - (AffiliateID, SaleID) on conversions  -> ErrDuplicateConversion
  - IdempotencyKey on wallet transactions -> ErrDuplicateIdempotencyKey

IMPLEMENTATIONS:
  - revenue/store/memory.go: In-memory for tests and development
  - store/sqlite: SQLite
  - store/postgres: PostgreSQL with row-level locks
*/
package revenue

import (
	"context"
	"time"
)

// =============================================================================
// READ REPOSITORIES
// =============================================================================

type WalletRepository interface {
	// FindByOwner returns ErrWalletNotFound if owner never earned anything.
	FindByOwner(ctx context.Context, owner OwnerID) (*Wallet, error)

	// Wallets returns every wallet, ordered by owner.
	Wallets(ctx context.Context) ([]Wallet, error)

	// Transactions returns the owner's log in append order.
	Transactions(ctx context.Context, owner OwnerID) ([]WalletTransaction, error)
}

type ConversionRepository interface {
	// FindConversion returns ErrConversionNotFound if none exists.
	FindConversion(ctx context.Context, affiliate OwnerID, sale SaleID) (*Conversion, error)

	// FindConversionByID returns ErrConversionNotFound if none exists.
	FindConversionByID(ctx context.Context, id ConversionID) (*Conversion, error)

	// ConversionsByAffiliate returns conversions oldest first.
	ConversionsByAffiliate(ctx context.Context, affiliate OwnerID) ([]Conversion, error)
}

type PayoutRepository interface {
	// FindPayout returns ErrPayoutNotFound if none exists.
	FindPayout(ctx context.Context, id PayoutID) (*Payout, error)

	// PayoutsByOwner returns payouts newest first.
	PayoutsByOwner(ctx context.Context, owner OwnerID) ([]Payout, error)

	// PendingPayouts returns PENDING payouts oldest first.
	PendingPayouts(ctx context.Context) ([]Payout, error)
}

// =============================================================================
// STORE - Read side plus atomic units
// =============================================================================

type Store interface {
	WalletRepository
	ConversionRepository
	PayoutRepository

	// WithTx executes fn within one atomic unit.
	// If fn returns error, everything fn wrote is rolled back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write side of a store, scoped to one atomic unit.
type Tx interface {
	// LockWallet loads owner's wallet and holds it against concurrent
	// writers until the unit ends. With create set, a missing wallet is
	// created with zero balance; otherwise ErrWalletNotFound is returned.
	LockWallet(ctx context.Context, owner OwnerID, create bool) (*Wallet, error)

	// SaveWallet writes the aggregate of a wallet locked in this unit.
	SaveWallet(ctx context.Context, w *Wallet) error

	// AppendTransaction adds an entry to the log.
	AppendTransaction(ctx context.Context, t WalletTransaction) error

	InsertConversion(ctx context.Context, c Conversion) error
	GetConversion(ctx context.Context, id ConversionID) (*Conversion, error)
	AffiliateConversions(ctx context.Context, affiliate OwnerID) ([]Conversion, error)
	MarkConversionPaid(ctx context.Context, id ConversionID, at time.Time) error

	InsertPayout(ctx context.Context, p Payout) error

	// LockPayout loads a payout and holds it against concurrent
	// transitions until the unit ends.
	LockPayout(ctx context.Context, id PayoutID) (*Payout, error)
	UpdatePayout(ctx context.Context, p Payout) error
}

// =============================================================================
// COURSE CATALOG
// =============================================================================

type CourseCatalog interface {
	// Course returns ErrCourseNotFound for unknown courses.
	Course(ctx context.Context, id CourseID) (*Course, error)
}

// CourseWriter is implemented by stores that persist the catalog.
type CourseWriter interface {
	SaveCourse(ctx context.Context, c Course) error
}

// StaticCatalog is a fixed, in-process catalog.
type StaticCatalog map[CourseID]Course

func (c StaticCatalog) Course(_ context.Context, id CourseID) (*Course, error) {
	course, ok := c[id]
	if !ok {
		return nil, ErrCourseNotFound
	}
	return &course, nil
}
