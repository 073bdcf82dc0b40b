package journal

import (
	"context"

	"codeberg.org/mutker/vibrationmon/internal/errors"
	"codeberg.org/mutker/vibrationmon/internal/logger"
)

type service struct {
	repo Repository
	cfg  Config
}

type noopJournal struct{}

// NewService opens the journal described by cfg. A disabled journal is a
// no-op that records nothing.
func NewService(cfg Config, log logger.Logger) (Journal, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Configuration journal disabled, using no-op journal")
		return &noopJournal{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create journal repository")
		return nil, err
	}

	return newService(repo, cfg), nil
}

func newService(repo Repository, cfg Config) *service {
	return &service{
		repo: repo,
		cfg:  cfg,
	}
}

func (s *service) Record(ctx context.Context, entry *Entry) error {
	errFactory := errors.New()

	if entry == nil {
		return errFactory.New(ErrInvalidEntry)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
	}

	return s.repo.Insert(ctx, entry)
}

func (s *service) Latest(ctx context.Context, key string) (*Entry, error) {
	return s.repo.Latest(ctx, key)
}

func (s *service) Close() error {
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}
	return nil
}

func (*noopJournal) Record(_ context.Context, _ *Entry) error {
	return nil
}

func (*noopJournal) Latest(_ context.Context, key string) (*Entry, error) {
	return nil, errors.New().WithMessage(ErrNotFound, key)
}

func (*noopJournal) Close() error {
	return nil
}
