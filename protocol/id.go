package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/blang/semver/v4"
	libprotocol "github.com/libp2p/go-libp2p/core/protocol"
)

// DefaultID is the protocol identity used when none is configured.
// Bumping the version is a breaking change: peers only match on exact equality.
const DefaultID libprotocol.ID = "/reqresp/1.0.0"

// NewID builds a "/<name>/<version>" identity. The version must be a semantic
// version; "1.0" is accepted and kept as written.
func NewID(name, version string) (libprotocol.ID, error) {
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("protocol: invalid service name %q", name)
	}
	if _, err := semver.ParseTolerant(version); err != nil {
		return "", fmt.Errorf("protocol: invalid version %q: %w", version, err)
	}
	id := libprotocol.ID("/" + name + "/" + version)
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return id, nil
}

// ValidateID checks that id is a non-empty, slash-prefixed, printable ASCII string.
func ValidateID(id libprotocol.ID) error {
	s := string(id)
	if s == "" {
		return errors.New("protocol: empty protocol id")
	}
	if s[0] != '/' {
		return fmt.Errorf("protocol: id %q must start with '/'", s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return fmt.Errorf("protocol: id %q contains non-printable or non-ASCII byte at %d", s, i)
		}
	}
	return nil
}
