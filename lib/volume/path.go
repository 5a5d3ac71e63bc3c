// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package volume

import (
	"fmt"
	"strings"
)

// SplitPath splits a rooted, forward-slash separated path into its
// components. Empty components (repeated or trailing slashes) are
// dropped, so "/", "", and "//" all name the root and return an
// empty slice. Relative components ("." and "..") are rejected: the
// drivers resolve absolute paths only.
func SplitPath(path string) ([]string, error) {
	parts := strings.Split(path, "/")
	components := parts[:0]
	for _, p := range parts {
		switch p {
		case "":
			continue
		case ".", "..":
			return nil, fmt.Errorf("relative component %q in path %q", p, path)
		}
		components = append(components, p)
	}
	return components, nil
}

// SplitParent splits a path into its parent's components and the
// final name. It fails on the root path, which has no parent.
func SplitParent(path string) (parent []string, name string, err error) {
	components, err := SplitPath(path)
	if err != nil {
		return nil, "", err
	}
	if len(components) == 0 {
		return nil, "", fmt.Errorf("path %q has no final component", path)
	}
	return components[:len(components)-1], components[len(components)-1], nil
}
