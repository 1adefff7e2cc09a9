// SPDX-License-Identifier: MIT

package message

import (
	"fmt"
	"regexp"
	"strings"
)

var identifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateAPIName checks that name is a dotted sequence of identifiers
// ("a.b.c"). Single-segment names are allowed.
func ValidateAPIName(name string) error {
	if name == "" {
		return fmt.Errorf("api name is empty")
	}
	for _, part := range strings.Split(name, ".") {
		if !identifierRe.MatchString(part) {
			return fmt.Errorf("invalid api name %q: segment %q is not an identifier", name, part)
		}
	}
	return nil
}

// ValidateMemberName checks that name is a bare identifier, valid as a
// procedure or event name within an API.
func ValidateMemberName(name string) error {
	if !identifierRe.MatchString(name) {
		return fmt.Errorf("invalid member name %q", name)
	}
	return nil
}

// SplitAddress splits a canonical "api.name.member" address into the API
// name and the member name (the last segment).
func SplitAddress(address string) (apiName, member string, err error) {
	idx := strings.LastIndex(address, ".")
	if idx <= 0 || idx == len(address)-1 {
		return "", "", fmt.Errorf("invalid address %q: want api_name.member", address)
	}
	apiName, member = address[:idx], address[idx+1:]
	if err := ValidateAPIName(apiName); err != nil {
		return "", "", err
	}
	if err := ValidateMemberName(member); err != nil {
		return "", "", err
	}
	return apiName, member, nil
}
