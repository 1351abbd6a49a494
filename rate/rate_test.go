package rate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	valkeymock "github.com/valkey-io/valkey-go/mock"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"
)

func TestDisablerCanProceed(t *testing.T) {
	t.Run("opens a window when not disabled", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockClient := valkeymock.NewClient(ctrl)
		d := NewDisabler(mockClient, zaptest.NewLogger(t).Sugar())
		ctx := context.Background()

		mockResponse := valkeymock.Result(valkeymock.ValkeyArray(valkeymock.ValkeyInt64(1)))
		mockClient.EXPECT().
			Do(ctx, valkeymock.MatchFn(func(cmd []string) bool {
				return cmd[0] == "EVAL" &&
					cmd[len(cmd)-2] == "scheduler:disabled:primary-analyzer" &&
					cmd[len(cmd)-1] == "100"
			}, "EVAL script with correct key and interval")).
			Return(mockResponse)

		allowed, wait, err := d.CanProceed(ctx, "primary-analyzer", 100*time.Millisecond)

		assert.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, time.Duration(0), wait)
	})

	t.Run("reports remaining wait when already disabled", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockClient := valkeymock.NewClient(ctrl)
		d := NewDisabler(mockClient, zaptest.NewLogger(t).Sugar())
		ctx := context.Background()

		mockResponse := valkeymock.Result(valkeymock.ValkeyArray(
			valkeymock.ValkeyInt64(0),
			valkeymock.ValkeyInt64(50000),
		))
		mockClient.EXPECT().
			Do(ctx, valkeymock.MatchFn(func(cmd []string) bool {
				return cmd[0] == "EVAL" &&
					cmd[len(cmd)-2] == "scheduler:disabled:primary-analyzer" &&
					cmd[len(cmd)-1] == "100"
			}, "EVAL script with correct key and interval")).
			Return(mockResponse)

		allowed, wait, err := d.CanProceed(ctx, "primary-analyzer", 100*time.Millisecond)

		assert.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, 50*time.Millisecond, wait)
	})
}

func TestDisablerDisableTemporarily(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockClient := valkeymock.NewClient(ctrl)
	d := NewDisabler(mockClient, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	mockResponse := valkeymock.Result(valkeymock.ValkeyInt64(123456))
	mockClient.EXPECT().
		Do(ctx, valkeymock.MatchFn(func(cmd []string) bool {
			return cmd[0] == "EVAL" &&
				cmd[len(cmd)-2] == "scheduler:disabled:secondary-analyzer" &&
				cmd[len(cmd)-1] == "5000"
		}, "EVAL script with correct key and duration")).
		Return(mockResponse)

	err := d.DisableTemporarily(ctx, "secondary-analyzer", 5*time.Second)
	assert.NoError(t, err)
}
