package channel

import (
	"fmt"

	"github.com/relaysignal/signalman/internal/errs"
)

func errChannelValidation(channelName string) error {
	return fmt.Errorf("channel %q: %w", channelName, errs.ErrChannelValidation)
}

func errAuthorizationDenied(channelName string) error {
	return fmt.Errorf("channel %q: %w", channelName, errs.ErrAuthorizationDenied)
}
