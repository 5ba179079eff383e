package application

import (
	"context"

	"github.com/satsvault/custodiad/internal/core/domain"
	"github.com/satsvault/custodiad/internal/core/ports"
)

// SpentLedger is the append-only record of consumed outpoints and the sole
// strong guard against double-spending: of all concurrent inserts touching
// the same outpoint exactly one succeeds, the others fail with a
// concurrency-conflict error.
type SpentLedger interface {
	InsertSpentOutputs(
		ctx context.Context, transactionId string, outpoints []domain.Outpoint,
	) error
	GetUnspentOutputs(
		ctx context.Context, candidates []domain.Outpoint,
	) ([]domain.Outpoint, error)
	RemoveSpentOutputs(ctx context.Context, outpoints []domain.Outpoint) error
}

type spentLedger struct {
	repoManager ports.RepoManager
}

func NewSpentLedger(repoManager ports.RepoManager) SpentLedger {
	return &spentLedger{repoManager}
}

func (l *spentLedger) InsertSpentOutputs(
	ctx context.Context, transactionId string, outpoints []domain.Outpoint,
) error {
	return l.repoManager.SpentOutputs().Insert(ctx, transactionId, outpoints)
}

func (l *spentLedger) GetUnspentOutputs(
	ctx context.Context, candidates []domain.Outpoint,
) ([]domain.Outpoint, error) {
	return l.repoManager.SpentOutputs().FilterUnspent(ctx, candidates)
}

func (l *spentLedger) RemoveSpentOutputs(
	ctx context.Context, outpoints []domain.Outpoint,
) error {
	return l.repoManager.SpentOutputs().Remove(ctx, outpoints)
}
