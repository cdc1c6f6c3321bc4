package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/giantswarm/portal-auth/instrumentation"
)

// Service applies the decryption policy on top of a Source
type Service struct {
	source    Source
	decrypter Decrypter
	logger    *slog.Logger
	metrics   *instrumentation.Metrics
}

// NewService creates a record service
func NewService(source Source, decrypter Decrypter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{source: source, decrypter: decrypter, logger: logger}
}

// SetInstrumentation enables decrypt failure metrics
func (s *Service) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		s.metrics = inst.Metrics()
	}
}

// List returns the decrypted records of tenantID (nil = all tenants).
// Records that fail to decrypt are skipped and logged.
func (s *Service) List(ctx context.Context, tenantID *int64) ([]Decrypted, error) {
	recs, err := s.source.List(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	out := make([]Decrypted, 0, len(recs))
	for i := range recs {
		d, err := s.decrypt(&recs[i])
		if err != nil {
			s.metrics.RecordDecryptFailure(ctx, "list")
			s.logger.WarnContext(ctx, "Skipping record that failed to decrypt",
				"record_id", recs[i].ID,
				"tenant_id", recs[i].TenantID,
				"error", err)
			continue
		}
		out = append(out, *d)
	}
	return out, nil
}

// Find returns the stored record without decrypting it
func (s *Service) Find(ctx context.Context, id int64) (*Record, error) {
	rec, err := s.source.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return rec, nil
}

// Open decrypts one record. Failure is returned as *DecryptionError.
func (s *Service) Open(ctx context.Context, rec *Record) (*Decrypted, error) {
	d, err := s.decrypt(rec)
	if err != nil {
		s.metrics.RecordDecryptFailure(ctx, "single")
		s.logger.ErrorContext(ctx, "Record failed to decrypt",
			"record_id", rec.ID,
			"error", err)
		return nil, &DecryptionError{RecordID: rec.ID, Cause: err}
	}
	return d, nil
}

// Get is Find followed by Open
func (s *Service) Get(ctx context.Context, id int64) (*Decrypted, error) {
	rec, err := s.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Open(ctx, rec)
}

// UpdateStatus changes a record's workflow status
func (s *Service) UpdateStatus(ctx context.Context, id int64, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return s.source.UpdateStatus(ctx, id, status)
}

// Delete removes a record
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.source.Delete(ctx, id)
}

func (s *Service) decrypt(rec *Record) (*Decrypted, error) {
	plaintext, err := s.decrypter.Decrypt(rec.Ciphertext)
	if err != nil {
		return nil, err
	}
	return &Decrypted{
		ID:        rec.ID,
		TenantID:  rec.TenantID,
		Status:    rec.Status,
		CreatedAt: rec.CreatedAt,
		Payload:   plaintext,
	}, nil
}
