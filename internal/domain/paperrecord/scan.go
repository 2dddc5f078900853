package paperrecord

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// SendByIdentifier marks the pending request for a scanned folder as SENT.
// identifier may be the folder's identifier or the patient's primary one.
func (s *Service) SendByIdentifier(ctx context.Context, identifier string) (*Request, error) {
	if identifier == "" {
		return nil, invalidInput("identifier is required")
	}
	var out *Request
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		q, err := s.GetPendingRequestByIdentifier(ctx, identifier)
		if err != nil {
			return err
		}
		if q == nil {
			sent, err := s.GetSentRequestsByIdentifier(ctx, identifier)
			if err != nil {
				return err
			}
			if len(sent) > 0 {
				last := latestStatusChange(sent)
				return &AlreadySentError{Identifier: last.Identifier, RequestLocationID: last.RequestLocationID}
			}
			return fmt.Errorf("%w %s", ErrNotRequested, identifier)
		}
		if q, err = s.store.LockRequest(ctx, q.ID); err != nil {
			return err
		}
		if err := s.markAsSent(ctx, q); err != nil {
			return err
		}
		out = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReturnByIdentifier marks every SENT request for a folder brought back to
// the archives room as RETURNED. Scanning a known folder with nothing out is
// not an error, so double scans are harmless.
func (s *Service) ReturnByIdentifier(ctx context.Context, identifier string, locationID uuid.UUID) ([]*Request, error) {
	if identifier == "" {
		return nil, invalidInput("identifier is required")
	}
	if locationID == uuid.Nil {
		return nil, invalidInput("location is required")
	}
	var out []*Request
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		sent, err := s.GetSentRequestsByIdentifier(ctx, identifier)
		if err != nil {
			return err
		}
		if len(sent) == 0 {
			exists, err := s.RecordExistsWithIdentifier(ctx, identifier, locationID)
			if err != nil {
				return err
			}
			if !exists {
				exists, err = s.RecordExistsForPatientWithPrimaryIdentifier(ctx, identifier, locationID)
				if err != nil {
					return err
				}
			}
			if !exists {
				return fmt.Errorf("%w %s", ErrNoRecord, identifier)
			}
			return nil
		}
		for _, q := range sent {
			if err := s.markAsReturned(ctx, q); err != nil {
				return err
			}
		}
		out = sent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
