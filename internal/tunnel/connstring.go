package tunnel

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"grimm.is/tunnelboard/internal/validation"
)

// ConnString is a parsed client key: hs://<4 flag chars><secret>[@host:port].
// The first flag character is 's' for secure endpoints and '0' otherwise;
// the other three are reserved.
type ConnString struct {
	Secure bool
	Secret string
	Addr   string
}

const flagLen = 4

var errNoPeer = errors.New("connection key has no peer address")

// ParseConnString parses a client key.
func ParseConnString(s string) (ConnString, error) {
	rest, ok := strings.CutPrefix(s, validation.ClientKeyScheme)
	if !ok {
		return ConnString{}, fmt.Errorf("connection key must start with %s", validation.ClientKeyScheme)
	}
	body, addr, _ := strings.Cut(rest, "@")
	if len(body) <= flagLen {
		return ConnString{}, fmt.Errorf("connection key too short")
	}
	cs := ConnString{
		Secure: body[0] == 's',
		Secret: body[flagLen:],
		Addr:   addr,
	}
	if addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return ConnString{}, fmt.Errorf("connection key peer address: %w", err)
		}
	}
	return cs, nil
}

// String renders the connection string.
func (c ConnString) String() string {
	flags := "0000"
	if c.Secure {
		flags = "s000"
	}
	s := validation.ClientKeyScheme + flags + c.Secret
	if c.Addr != "" {
		s += "@" + c.Addr
	}
	return s
}
