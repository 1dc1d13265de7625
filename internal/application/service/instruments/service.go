package instruments

import (
	"context"
	"errors"
	"fmt"

	domain "marketsim/internal/domain/entity/instruments"
	interfaces "marketsim/internal/domain/interfaces"

	"github.com/sirupsen/logrus"
)

var ErrNilInstrument = errors.New("instrument is nil")

// SeedReport counts what Seed did.
type SeedReport struct {
	Created  int
	Existing int
	Invalid  int
}

type Service struct {
	repo   interfaces.InstrumentsRepository
	logger *logrus.Entry
}

func NewService(repo interfaces.InstrumentsRepository, logger *logrus.Logger) *Service {
	return &Service{repo: repo, logger: logger.WithField("component", "instruments")}
}

func (s *Service) CreateInstrument(ctx context.Context, instrument *domain.Instrument) error {
	if instrument == nil {
		return ErrNilInstrument
	}
	return s.repo.CreateInstrument(ctx, instrument)
}

// Seed creates every instrument that does not exist yet. Existing symbols
// are left untouched so seeding is repeatable.
func (s *Service) Seed(ctx context.Context, list []domain.Instrument) (SeedReport, error) {
	var (
		report SeedReport
		errs   []error
	)
	for i := range list {
		inst := list[i]
		err := s.repo.CreateInstrument(ctx, &inst)
		switch {
		case err == nil:
			report.Created++
			s.logger.WithFields(logrus.Fields{"symbol": inst.Symbol, "uid": inst.UID}).Info("instrument created")
		case errors.Is(err, domain.ErrDuplicateSymbol):
			report.Existing++
		case ctx.Err() != nil:
			return report, ctx.Err()
		default:
			report.Invalid++
			errs = append(errs, fmt.Errorf("instrument %q: %w", inst.Symbol, err))
		}
	}
	return report, errors.Join(errs...)
}
