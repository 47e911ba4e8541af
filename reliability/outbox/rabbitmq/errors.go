package rabbitmq

import "errors"

var (
	ErrChannelRequired        = errors.New("rabbitmq: channel is required")
	ErrSinkRequired           = errors.New("rabbitmq: sink is required")
	ErrConfirmModeUnavailable = errors.New("rabbitmq: channel does not support confirm mode")
	ErrPublishNacked          = errors.New("rabbitmq: message was nacked by broker")
	ErrConfirmTimeout         = errors.New("rabbitmq: confirmation timed out")
	ErrSinkClosed             = errors.New("rabbitmq: sink is closed")
	ErrReconnectAfterClose    = errors.New("rabbitmq: cannot reconnect a sink that was closed")
	ErrReconnectWhileOpen     = errors.New("rabbitmq: cannot reconnect while the channel is open")
)
