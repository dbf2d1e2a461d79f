package revenue

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SALE - Confirmed purchase handed in by checkout (read-only input)
// =============================================================================

type SaleKind string

const (
	SaleMembership SaleKind = "membership"
	SaleCourse     SaleKind = "course"
	SaleProduct    SaleKind = "product"
)

// Sale is one of MembershipSale, CourseSale or ProductSale.
// The set is closed: only types in this package implement it.
type Sale interface {
	Kind() SaleKind
	Base() SaleBase
	sale()
}

// Coupon is the discount context a sale was paid with.
type Coupon struct {
	Code              string
	AffiliateDisabled bool // no affiliate commission when set
}

// SaleBase carries the fields shared by every sale variant.
type SaleBase struct {
	ID            SaleID
	Amount        decimal.Decimal // final amount paid, after discount
	ListPrice     decimal.Decimal // informational; never a commission base
	BuyerID       OwnerID
	AffiliateID   OwnerID // empty when nobody referred the buyer
	AffiliateTier string
	Coupon        *Coupon
	ConfirmedAt   time.Time
}

func (b SaleBase) Base() SaleBase { return b }
func (SaleBase) sale()            {}

// HasAffiliate reports whether somebody referred the buyer.
func (b SaleBase) HasAffiliate() bool { return b.AffiliateID != "" }

type MembershipSale struct {
	SaleBase
	Plan string
}

func (MembershipSale) Kind() SaleKind { return SaleMembership }

type CourseSale struct {
	SaleBase
	CourseID CourseID
}

func (CourseSale) Kind() SaleKind { return SaleCourse }

type ProductSale struct {
	SaleBase
	ProductID string
}

func (ProductSale) Kind() SaleKind { return SaleProduct }
