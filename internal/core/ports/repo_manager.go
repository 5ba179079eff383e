package ports

import "github.com/satsvault/custodiad/internal/core/domain"

type RepoManager interface {
	CoinPool() domain.CoinPoolRepository
	SpentOutputs() domain.SpentOutputRepository
	Channels() domain.ChannelRepository
	Commitments() domain.CommitmentRepository
	RevokeKeys() domain.RevokeKeyRepository
	BroadcastedTxs() domain.BroadcastedTransactionRepository
	CommitmentBroadcasts() domain.CommitmentBroadcastRepository
	Settings() domain.SettingsRepository
	Close()
}
