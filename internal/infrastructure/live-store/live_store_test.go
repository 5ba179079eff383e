package livestore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	inmemorylivestore "github.com/satsvault/custodiad/internal/infrastructure/live-store/inmemory"
	"github.com/stretchr/testify/require"
)

const multisigAddress = "2N7YB4nPpzcVDHJkCSbnQmJbNPsAQcnPdXn"

func TestChannelSetupStore(t *testing.T) {
	ctx := context.Background()
	store := inmemorylivestore.NewLiveStore()

	t.Run("acquire and release", func(t *testing.T) {
		acquired, err := store.ChannelSetups().Acquire(ctx, multisigAddress, time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		pending, err := store.ChannelSetups().Pending(ctx, multisigAddress)
		require.NoError(t, err)
		require.True(t, pending)

		acquired, err = store.ChannelSetups().Acquire(ctx, multisigAddress, time.Minute)
		require.NoError(t, err)
		require.False(t, acquired)

		err = store.ChannelSetups().Release(ctx, multisigAddress)
		require.NoError(t, err)

		pending, err = store.ChannelSetups().Pending(ctx, multisigAddress)
		require.NoError(t, err)
		require.False(t, pending)

		acquired, err = store.ChannelSetups().Acquire(ctx, multisigAddress, time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		err = store.ChannelSetups().Release(ctx, multisigAddress)
		require.NoError(t, err)
	})

	t.Run("expired lease can be reacquired", func(t *testing.T) {
		acquired, err := store.ChannelSetups().Acquire(ctx, multisigAddress, 20*time.Millisecond)
		require.NoError(t, err)
		require.True(t, acquired)

		time.Sleep(50 * time.Millisecond)

		pending, err := store.ChannelSetups().Pending(ctx, multisigAddress)
		require.NoError(t, err)
		require.False(t, pending)

		acquired, err = store.ChannelSetups().Acquire(ctx, multisigAddress, time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		err = store.ChannelSetups().Release(ctx, multisigAddress)
		require.NoError(t, err)
	})

	t.Run("only one concurrent acquire wins", func(t *testing.T) {
		const workers = 16

		var wg sync.WaitGroup
		wg.Add(workers)
		wins := make(chan struct{}, workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				acquired, err := store.ChannelSetups().Acquire(ctx, multisigAddress, time.Minute)
				require.NoError(t, err)
				if acquired {
					wins <- struct{}{}
				}
			}()
		}
		wg.Wait()
		close(wins)

		require.Len(t, wins, 1)

		err := store.ChannelSetups().Release(ctx, multisigAddress)
		require.NoError(t, err)
	})
}
