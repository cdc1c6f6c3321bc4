// Package records reads encrypted patient submissions and decrypts them on demand.
//
// Decryption failures are handled differently per call site. A listing skips
// records that cannot be decrypted and logs them, so one corrupted row cannot hide
// the rest. A single-record fetch fails with a *DecryptionError instead.
//
// Authorization is not done here. Callers look a record up with Find, authorize
// against its TenantID, and only then call Open.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Record statuses
const (
	StatusNew        = "new"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusArchived   = "archived"
)

var (
	// ErrRecordNotFound is returned for unknown record ids
	ErrRecordNotFound = errors.New("record not found")

	// ErrDecryption is wrapped by every DecryptionError
	ErrDecryption = errors.New("record could not be decrypted")

	// ErrInvalidStatus is returned by UpdateStatus for unknown statuses
	ErrInvalidStatus = errors.New("invalid record status")
)

// ValidStatus reports whether status is one of the known record statuses
func ValidStatus(status string) bool {
	switch status {
	case StatusNew, StatusInProgress, StatusDone, StatusArchived:
		return true
	}
	return false
}

// Record is an encrypted submission as stored
type Record struct {
	ID         int64
	TenantID   int64
	Ciphertext []byte
	Status     string
	CreatedAt  time.Time
}

// Decrypted is a record with its plaintext payload. It must not outlive the request.
type Decrypted struct {
	ID        int64
	TenantID  int64
	Status    string
	CreatedAt time.Time
	Payload   []byte
}

// DecryptionError reports a record whose ciphertext could not be opened
type DecryptionError struct {
	RecordID int64
	Cause    error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("record %d could not be decrypted", e.RecordID)
}

func (e *DecryptionError) Unwrap() error {
	return ErrDecryption
}

// Source is the record storage collaborator
type Source interface {
	// List returns records of tenantID, or of every tenant when tenantID is nil
	List(ctx context.Context, tenantID *int64) ([]Record, error)
	Get(ctx context.Context, id int64) (*Record, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	Delete(ctx context.Context, id int64) error
}

// Decrypter is the encryption collaborator
type Decrypter interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// DecrypterFunc adapts a function, such as (*security.Encryptor).Open, to Decrypter
type DecrypterFunc func(ciphertext []byte) ([]byte, error)

func (f DecrypterFunc) Decrypt(ciphertext []byte) ([]byte, error) {
	return f(ciphertext)
}
