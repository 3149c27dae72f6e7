package model

import "time"

// BorrowerRef identifies who holds a loan: a regular borrower or the library itself.
// The zero value is InternalUse.
type BorrowerRef struct {
	id int64
}

// InternalUse marks on-premises consultation records.
var InternalUse = BorrowerRef{}

// RegularBorrower references a borrower by directory id. Ids must be positive.
func RegularBorrower(id int64) BorrowerRef { return BorrowerRef{id: id} }

// IsInternal reports whether the reference is the internal-use marker.
func (b BorrowerRef) IsInternal() bool { return b.id == 0 }

// ID returns the borrower id and false for internal use.
func (b BorrowerRef) ID() (int64, bool) { return b.id, b.id != 0 }

// Is reports whether b is the regular borrower id.
func (b BorrowerRef) Is(id int64) bool { return b.id != 0 && b.id == id }

// Borrower is an account in the borrower directory.
type Borrower struct {
	ID            int64
	CredentialKey string // card number or login, unique
	SecretHash    []byte // Argon2id(secret, Salt)
	Salt          []byte
	IsStaff       bool
	CreatedAt     time.Time
}

// Credential is a borrower-supplied key/secret pair checked at the desk.
type Credential struct {
	Key    string
	Secret string
}
