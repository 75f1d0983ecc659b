// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

const selectModelSQL = `
SELECT id, human_id, first_seen_at, last_seen, provider_identifiers,
       model_identifiers, combined_inference_parameters
FROM foundation_models`

// GetFoundationModel fetches one model record by id.
func (s *Store) GetFoundationModel(ctx context.Context, id int64) (*datatypes.FoundationModel, error) {
	return scanModel(s.db.QueryRowContext(ctx, selectModelSQL+` WHERE id = ?`, id))
}

// LookupFoundationModelDetailed finds the record matching the candidate's
// full identity: human id, providers, model identifiers, and combined
// inference parameters, with NULL matching NULL.
func (s *Store) LookupFoundationModelDetailed(ctx context.Context, cand *datatypes.FoundationModel) (*datatypes.FoundationModel, error) {
	return scanModel(s.db.QueryRowContext(ctx, selectModelSQL+`
WHERE human_id = ? AND provider_identifiers = ?
  AND model_identifiers IS ? AND combined_inference_parameters IS ?
ORDER BY id LIMIT 1`,
		cand.HumanID, cand.ProviderIdentifiers,
		nullString(cand.ModelIdentifiers), nullString(cand.CombinedInferenceParameters)))
}

// LookupFoundationModelTagsOnly finds a record that a bare /api/tags pass
// created: same human id, providers, and model identifiers, but with the
// inference parameters still unknown. Such a record can be upgraded in
// place once /api/show details arrive.
func (s *Store) LookupFoundationModelTagsOnly(ctx context.Context, humanID, providerIdents string, modelIdents *string) (*datatypes.FoundationModel, error) {
	return scanModel(s.db.QueryRowContext(ctx, selectModelSQL+`
WHERE human_id = ? AND provider_identifiers = ?
  AND model_identifiers IS ? AND combined_inference_parameters IS NULL
ORDER BY id LIMIT 1`,
		humanID, providerIdents, nullString(modelIdents)))
}

// InsertFoundationModel creates a new model record and returns its id.
func (s *Store) InsertFoundationModel(ctx context.Context, fm *datatypes.FoundationModel) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO foundation_models
    (human_id, first_seen_at, last_seen, provider_identifiers,
     model_identifiers, combined_inference_parameters)
VALUES (?, ?, ?, ?, ?, ?)`,
		fm.HumanID, nullTime(fm.FirstSeenAt), nullTime(fm.LastSeen),
		fm.ProviderIdentifiers, nullString(fm.ModelIdentifiers),
		nullString(fm.CombinedInferenceParameters))
	if err != nil {
		return 0, &CommitError{Op: "insert foundation model", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &CommitError{Op: "insert foundation model", Err: err}
	}
	return id, nil
}

// UpsertFoundationModel reconciles a freshly observed model against the
// stored records.
//
// # Description
//
// Resolution order:
//  1. Exact identity match: widen the seen window and fill any null
//     observation fields. Non-null stored JSON is never overwritten.
//  2. Tags-only match (stored row has null parameters, candidate carries
//     them): upgrade the stored row in place.
//  3. Otherwise insert a new record. Parameter drift on the upstream side
//     therefore yields a new identity rather than silently mutating the
//     history attached to the old one.
//
// # Outputs
//
//   - *FoundationModel: the stored record after reconciliation
func (s *Store) UpsertFoundationModel(ctx context.Context, cand *datatypes.FoundationModel) (*datatypes.FoundationModel, error) {
	existing, err := s.LookupFoundationModelDetailed(ctx, cand)
	if err == nil {
		return s.mergeObservation(ctx, existing, cand)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if cand.CombinedInferenceParameters != nil {
		tagsOnly, err := s.LookupFoundationModelTagsOnly(ctx, cand.HumanID, cand.ProviderIdentifiers, cand.ModelIdentifiers)
		if err == nil {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE foundation_models SET combined_inference_parameters = ? WHERE id = ?`,
				*cand.CombinedInferenceParameters, tagsOnly.ID); err != nil {
				return nil, &CommitError{Op: "upgrade foundation model", Err: err}
			}
			tagsOnly.CombinedInferenceParameters = cand.CombinedInferenceParameters
			return s.mergeObservation(ctx, tagsOnly, cand)
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	id, err := s.InsertFoundationModel(ctx, cand)
	if err != nil {
		return nil, err
	}
	return s.GetFoundationModel(ctx, id)
}

// mergeObservation widens [first_seen_at, last_seen] and fills null
// observation fields from the candidate.
func (s *Store) mergeObservation(ctx context.Context, stored, cand *datatypes.FoundationModel) (*datatypes.FoundationModel, error) {
	first := earlierOf(stored.FirstSeenAt, cand.FirstSeenAt)
	last := laterOf(stored.LastSeen, cand.LastSeen)
	modelIdents := stored.ModelIdentifiers
	if modelIdents == nil {
		modelIdents = cand.ModelIdentifiers
	}
	if _, err := s.db.ExecContext(ctx, `
UPDATE foundation_models
SET first_seen_at = ?, last_seen = ?, model_identifiers = ?
WHERE id = ?`,
		nullTime(first), nullTime(last), nullString(modelIdents), stored.ID); err != nil {
		return nil, &CommitError{Op: "merge foundation model", Err: err}
	}
	return s.GetFoundationModel(ctx, stored.ID)
}

func earlierOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}

func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}

// ListFoundationModels returns every stored model record.
func (s *Store) ListFoundationModels(ctx context.Context) ([]datatypes.FoundationModel, error) {
	rows, err := s.db.QueryContext(ctx, selectModelSQL+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list foundation models: %w", err)
	}
	defer rows.Close()

	var out []datatypes.FoundationModel
	for rows.Next() {
		fm, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *fm)
	}
	return out, rows.Err()
}

// LatestModelForHumanID resolves a bare model name to the most recently
// seen record carrying it.
func (s *Store) LatestModelForHumanID(ctx context.Context, humanID string) (*datatypes.FoundationModel, error) {
	return scanModel(s.db.QueryRowContext(ctx, selectModelSQL+`
WHERE human_id = ?
ORDER BY last_seen DESC, id DESC LIMIT 1`, humanID))
}

func scanModel(row rowScanner) (*datatypes.FoundationModel, error) {
	var fm datatypes.FoundationModel
	var first, last sql.NullTime
	var modelIdents, params sql.NullString
	err := row.Scan(&fm.ID, &fm.HumanID, &first, &last,
		&fm.ProviderIdentifiers, &modelIdents, &params)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan foundation model: %w", err)
	}
	if first.Valid {
		t := first.Time
		fm.FirstSeenAt = &t
	}
	if last.Valid {
		t := last.Time
		fm.LastSeen = &t
	}
	if modelIdents.Valid {
		fm.ModelIdentifiers = &modelIdents.String
	}
	if params.Valid {
		fm.CombinedInferenceParameters = &params.String
	}
	return &fm, nil
}

// EnsureProviderRecord inserts the provider row if it does not exist.
// Identifiers must already be canonical JSON.
func (s *Store) EnsureProviderRecord(ctx context.Context, rec *datatypes.ProviderRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO providers (identifiers, created_at, machine_info, human_info)
VALUES (?, ?, ?, ?)
ON CONFLICT(identifiers) DO NOTHING`,
		rec.Identifiers, rec.CreatedAt, nullString(rec.MachineInfo), nullString(rec.HumanInfo))
	if err != nil {
		return &CommitError{Op: "ensure provider", Err: err}
	}
	return nil
}
