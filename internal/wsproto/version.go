package wsproto

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed MAJOR.MINOR.PATCH.
type Version struct {
	Major, Minor, Patch int
}

func ParseVersion(s string) (Version, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("malformed version %q", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, fmt.Errorf("malformed version %q: %w", s, err)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// server is the parsed ServerVersion, computed once.
var server = mustParse(ServerVersion)

func mustParse(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Compatible reports whether a client-advertised version may be served:
// requestMajor == serverMajor && requestMinor <= serverMinor.
func Compatible(clientVersion string) bool {
	v, err := ParseVersion(clientVersion)
	if err != nil {
		return false
	}
	return v.Major == server.Major && v.Minor <= server.Minor
}
