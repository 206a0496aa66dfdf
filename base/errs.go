package base

import "errors"

var ErrClosed = errors.New("serial port already closed")
var ErrCommunicationTimeout = errors.New("communication timeout")
