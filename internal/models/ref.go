package models

import "errors"

type RefKind string

const (
	RefPurchase    RefKind = "purchase"
	RefTransaction RefKind = "transaction"
)

var ErrInvalidRef = errors.New("models: meetup ref must carry exactly one of purchase id or transaction id")

// MeetupRef is the tagged link from a session to the hold it releases: either
// a purchase or a rental transaction, never both. The store enforces the same
// rule with a CHECK constraint.
type MeetupRef struct {
	Kind RefKind
	ID   string
}

func PurchaseRef(id string) MeetupRef {
	return MeetupRef{Kind: RefPurchase, ID: id}
}

func TransactionRef(id string) MeetupRef {
	return MeetupRef{Kind: RefTransaction, ID: id}
}

// NewRef builds a ref from the nullable column pair.
func NewRef(purchaseID, transactionID *string) (MeetupRef, error) {
	switch {
	case purchaseID != nil && transactionID == nil:
		return PurchaseRef(*purchaseID), nil
	case purchaseID == nil && transactionID != nil:
		return TransactionRef(*transactionID), nil
	}
	return MeetupRef{}, ErrInvalidRef
}

func (r MeetupRef) Valid() bool {
	return (r.Kind == RefPurchase || r.Kind == RefTransaction) && r.ID != ""
}

// Columns splits the ref back into the nullable column pair.
func (r MeetupRef) Columns() (purchaseID, transactionID *string) {
	switch r.Kind {
	case RefPurchase:
		return &r.ID, nil
	case RefTransaction:
		return nil, &r.ID
	}
	return nil, nil
}
