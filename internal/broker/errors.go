package broker

import "github.com/relaysignal/signalman/internal/errs"

var errBrokerUnavailable = errs.ErrBrokerUnavailable
