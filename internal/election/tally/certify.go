package tally

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"quorum/internal/election/lifecycle"
	"quorum/internal/election/models"
	"quorum/internal/election/ports"
	id "quorum/pkg/domain"
	dErrors "quorum/pkg/domain-errors"
	"quorum/pkg/platform/audit"
	"quorum/pkg/platform/sentinel"
	"quorum/pkg/requestcontext"
)

const certifyConcurrency = 4

// CertifyRequest finalizes one position. ResolvedWinner is required when the
// tally is tied at the top and must name one of the tied candidates.
type CertifyRequest struct {
	ElectionID     id.ElectionID
	PositionID     id.PositionID
	Actor          id.MemberID
	ResolvedWinner *id.CandidateID
}

// RecertifyRequest replaces an existing certification. Reason is required.
type RecertifyRequest struct {
	CertifyRequest
	Reason string
}

// Certify freezes the position's live tally as its official results.
func (s *Service) Certify(ctx context.Context, req CertifyRequest) (*models.Report, error) {
	ctx, span := s.tracer.Start(ctx, "tally.Certify", trace.WithAttributes(
		attribute.String("election_id", req.ElectionID.String()),
		attribute.String("position_id", req.PositionID.String()),
	))
	defer span.End()

	e, err := s.certifiable(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetCertification(ctx, req.ElectionID, req.PositionID); err == nil {
		return nil, dErrors.New(dErrors.CodeConflict, "position is already certified; recertify with a reason to change it")
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load certification")
	}
	report, err := s.certify(ctx, e, req, 1, "")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return report, nil
}

// Recertify recomputes and overwrites a certified position, recording why.
func (s *Service) Recertify(ctx context.Context, req RecertifyRequest) (*models.Report, error) {
	ctx, span := s.tracer.Start(ctx, "tally.Recertify", trace.WithAttributes(
		attribute.String("election_id", req.ElectionID.String()),
		attribute.String("position_id", req.PositionID.String()),
	))
	defer span.End()

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "recertification requires a reason")
	}
	e, err := s.certifiable(ctx, req.CertifyRequest)
	if err != nil {
		return nil, err
	}
	current, err := s.store.GetCertification(ctx, req.ElectionID, req.PositionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeConflict, "position has not been certified yet")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load certification")
	}
	report, err := s.certify(ctx, e, req.CertifyRequest, current.Revision+1, reason)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return report, nil
}

func (s *Service) certifiable(ctx context.Context, req CertifyRequest) (*models.Election, error) {
	e, err := s.election(ctx, req.ElectionID)
	if err != nil {
		return nil, err
	}
	if err := ports.RequireAdmin(ctx, s.directory, req.Actor, e.UnitID); err != nil {
		return nil, err
	}
	if err := e.CheckTallying(); err != nil {
		return nil, err
	}
	ep, err := s.store.GetElectionPosition(ctx, req.ElectionID, req.PositionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "position is not on this election")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load position")
	}
	if err := ep.CheckVotable(); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) certify(ctx context.Context, e *models.Election, req CertifyRequest, revision int, reason string) (*models.Report, error) {
	report, err := s.liveReport(ctx, req.ElectionID, req.PositionID)
	if err != nil {
		return nil, err
	}
	if err := resolve(report, req.ResolvedWinner); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	cert := &models.Certification{
		ElectionID:     req.ElectionID,
		PositionID:     req.PositionID,
		Revision:       revision,
		CertifiedAt:    now,
		CertifiedBy:    req.Actor,
		Reason:         reason,
		ResolvedWinner: req.ResolvedWinner,
	}
	results := make([]*models.ElectionResult, 0, len(report.Rows))
	for _, row := range report.Rows {
		results = append(results, &models.ElectionResult{
			ID:            id.NewResultID(),
			ElectionID:    req.ElectionID,
			PositionID:    req.PositionID,
			CandidateID:   row.CandidateID,
			TotalVotes:    row.Votes,
			Percentage:    row.Percentage,
			Rank:          row.Rank,
			IsWinner:      row.IsWinner,
			MarginOfVotes: row.Margin,
			CertifiedAt:   now,
			CertifiedBy:   req.Actor,
		})
	}

	if err := s.store.SaveCertification(ctx, cert, results); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil, dErrors.New(dErrors.CodeConflict, "certification changed concurrently; reload and retry")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save certification")
	}
	report.Certified = true
	report.Certification = cert

	if s.metrics != nil {
		s.metrics.IncrementCertifications()
	}
	event := audit.EventResultsCertified
	if revision > 1 {
		event = audit.EventResultsRecertified
	}
	winner := ""
	if w, ok := report.Winner(); ok {
		winner = w.CandidateID.String()
	}
	s.logAudit(ctx, event, e.ID,
		"subject", req.PositionID.String(),
		"decision", winner,
		"reason", reason,
		"actor_id", req.Actor.String(),
		"revision", revision)
	return report, nil
}

// resolve applies a manual winner. A tied report needs one of its leaders; a
// decided report accepts only its own winner.
func resolve(report *models.Report, winner *id.CandidateID) error {
	switch report.Status {
	case models.TallyTieUnresolved:
		if winner == nil {
			return dErrors.New(dErrors.CodeTieUnresolved,
				fmt.Sprintf("%d candidates tie for first place; certification must name the winner", len(report.TiedLeaders())))
		}
		for _, leader := range report.TiedLeaders() {
			if leader == *winner {
				markWinner(report, *winner)
				return nil
			}
		}
		return dErrors.New(dErrors.CodeTieUnresolved, "resolved winner is not one of the tied candidates")
	case models.TallyDecided:
		if winner != nil {
			if w, _ := report.Winner(); w.CandidateID != *winner {
				return dErrors.New(dErrors.CodeValidation, "resolved winner contradicts the tally")
			}
		}
		return nil
	case models.TallyNoVotes:
		if winner != nil {
			return dErrors.New(dErrors.CodeValidation, "no votes were cast; there is no winner to resolve")
		}
		return nil
	default:
		return dErrors.New(dErrors.CodeInternal, "unknown tally status")
	}
}

func markWinner(report *models.Report, winner id.CandidateID) {
	for i := range report.Rows {
		report.Rows[i].IsWinner = report.Rows[i].CandidateID == winner
	}
	report.Status = models.TallyDecided
}

// CertifyElection certifies every ready position not yet certified, then
// moves the election to results_certified. resolutions names winners for tied
// positions.
func (s *Service) CertifyElection(ctx context.Context, electionID id.ElectionID, actor id.MemberID,
	resolutions map[id.PositionID]id.CandidateID) (*models.Election, error) {
	ctx, span := s.tracer.Start(ctx, "tally.CertifyElection", trace.WithAttributes(
		attribute.String("election_id", electionID.String()),
	))
	defer span.End()

	if s.lifecycle == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "election certification is not configured")
	}
	e, err := s.election(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if err := ports.RequireAdmin(ctx, s.directory, actor, e.UnitID); err != nil {
		return nil, err
	}
	if err := e.CheckTallying(); err != nil {
		return nil, err
	}
	attached, err := s.store.ListElectionPositions(ctx, electionID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list positions")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(certifyConcurrency)
	for _, ep := range attached {
		if ep.BallotStatus != models.BallotReady {
			continue
		}
		g.Go(func() error {
			_, err := s.store.GetCertification(gctx, electionID, ep.PositionID)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load certification")
			}
			req := CertifyRequest{ElectionID: electionID, PositionID: ep.PositionID, Actor: actor}
			if w, ok := resolutions[ep.PositionID]; ok {
				req.ResolvedWinner = &w
			}
			if _, err := s.certify(gctx, e, req, 1, ""); err != nil {
				return fmt.Errorf("position %s: %w", ep.PositionID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	return s.lifecycle.Transition(ctx, lifecycle.TransitionRequest{
		ElectionID: electionID,
		Target:     models.PhaseResultsCertified,
		Actor:      actor,
	})
}
