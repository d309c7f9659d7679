package collab

import (
	"fmt"
)

// socket open failure or open timeout
type ConnectionError struct {
	Message string
	Cause   error
}

func (self *ConnectionError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("connection error: %s: %s", self.Message, self.Cause)
	}
	return fmt.Sprintf("connection error: %s", self.Message)
}

func (self *ConnectionError) Unwrap() error {
	return self.Cause
}

// missing or invalid token, or server-rejected auth
type AuthenticationError struct {
	Message string
}

func (self *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication error: %s", self.Message)
}

// malformed or unrecognized wire message. logged and dropped, never fatal.
type ProtocolError struct {
	Message string
	Cause   error
}

func (self *ProtocolError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("protocol error: %s: %s", self.Message, self.Cause)
	}
	return fmt.Sprintf("protocol error: %s", self.Message)
}

func (self *ProtocolError) Unwrap() error {
	return self.Cause
}

// application-level rejection from the server, e.g. a non-2xx response
// from the durable store. non-fatal.
type ApplicationError struct {
	Message string
}

func (self *ApplicationError) Error() string {
	return fmt.Sprintf("application error: %s", self.Message)
}
