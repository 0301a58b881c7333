// Package errs defines the error taxonomy of the core transport: one typed
// error per category, each wrapping an underlying cause, rather than bare
// errors.New strings threaded through every layer.
package errs

import "fmt"

// AuthError denotes a packet or handshake message that failed to
// authenticate: bad MAC, cookie decrypt failure, vouch failure. Per the
// propagation policy, these are never surfaced to the application; they are
// silently dropped at the frame/packet boundary and counted.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("sss: authentication failure: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

func NewAuthError(format string, a ...interface{}) error {
	return &AuthError{Err: fmt.Errorf(format, a...)}
}

// ProtocolError denotes a fatal violation of the wire protocol on one
// channel: unknown frame type, USID collision, LSID reuse, ACK beyond
// transmitted sequence. Fatal to the offending channel only.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("sss: protocol error: %v", e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

func NewProtocolError(format string, a ...interface{}) error {
	return &ProtocolError{Err: fmt.Errorf(format, a...)}
}

// ConnectionError denotes failure to establish or maintain any channel to a
// peer within the retry budget. Surfaced to the application as
// on_channel_failed.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("sss: connection error: %v", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

func NewConnectionError(format string, a ...interface{}) error {
	return &ConnectionError{Err: fmt.Errorf(format, a...)}
}

// ConfigError denotes a synchronous, caller-visible misuse: duplicate
// listener registration, invalid key material, etc.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("sss: configuration error: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

func NewConfigError(format string, a ...interface{}) error {
	return &ConfigError{Err: fmt.Errorf(format, a...)}
}

// ErrStreamReset is returned by writes on a stream that was reset, whether
// torn down locally via Shutdown(ShutdownReset) or by a RESET frame
// received from the peer.
var ErrStreamReset = fmt.Errorf("sss: stream reset")

// ErrNoRoute is wrapped into the ConnectionError returned by connect_to when
// no primary channel ever came up within the caller's deadline, so the
// requested stream never got to attach to anything.
var ErrNoRoute = fmt.Errorf("sss: no route to peer")

// ErrStreamClosed is returned by Read/Write after Close/Shutdown.
var ErrStreamClosed = fmt.Errorf("sss: stream closed")
