// Copyright 2016 Canonical Ltd.
// Licensed under the LGPLv3, see LICENCE file for details.

// Note: this code was copied from github.com/juju/utils.

// Package httputil holds utility functions related to HTTP
// that are not specific to macaroon handling.
package httputil

import (
	"fmt"
	"path"
	"strings"
)

// RelativeURLPath returns a relative URL path that is equivalent
// to target when resolved relative to base. Both base and target
// must be absolute paths (that is, they must start with a "/").
//
// If base and target are the same path ending in a slash,
// RelativeURLPath returns "."; if they are the same path not ending in
// a slash, it returns the last element of that path.
func RelativeURLPath(base, target string) (string, error) {
	if !strings.HasPrefix(base, "/") {
		return "", fmt.Errorf("non-absolute base URL")
	}
	if !strings.HasPrefix(target, "/") {
		return "", fmt.Errorf("non-absolute target URL")
	}
	baseParts := strings.Split(base, "/")
	targetParts := strings.Split(target, "/")

	// For the purposes of this algorithm, the last element of
	// the path is ignored for base, because it does not form
	// part of the directory that base is relative to. When
	// base ends in a slash, that last element is empty, so
	// the whole of base is the directory.
	if len(baseParts) > 0 {
		baseParts = baseParts[:len(baseParts)-1]
	}

	// Find the common prefix of directory elements.
	i := 0
	for ; i < len(baseParts) && i < len(targetParts)-1; i++ {
		if baseParts[i] != targetParts[i] {
			break
		}
	}
	// The number of ".." elements needed is the number of
	// remaining directory elements in base.
	var parts []string
	for j := i; j < len(baseParts); j++ {
		parts = append(parts, "..")
	}
	parts = append(parts, targetParts[i:]...)
	result := path.Join(parts...)
	if result == "" {
		return ".", nil
	}
	// path.Join cleans away a trailing slash, so restore it
	// if the target itself ends in one.
	if strings.HasSuffix(target, "/") && !strings.HasSuffix(result, "/") {
		result += "/"
	}
	return result, nil
}
