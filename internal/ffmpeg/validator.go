// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// TranscodeSupervisor - FFmpeg 转码任务监管工具

package ffmpeg

import (
	"fmt"
	"regexp"
	"strings"
)

// Validator decides whether a path may be used as input or output.
type Validator interface {
	IsValid(path string) bool
}

type validator struct {
	allow []*regexp.Regexp
	block []*regexp.Regexp
}

// NewValidator compiles allow and block expressions. Empty expressions are
// ignored. Blank paths are never valid; with no allow list every path that
// is not blocked is valid.
func NewValidator(allow, block []string) (Validator, error) {
	v := &validator{}

	var err error
	if v.allow, err = compileAll("allow", allow); err != nil {
		return nil, err
	}
	if v.block, err = compileAll("block", block); err != nil {
		return nil, err
	}
	return v, nil
}

func compileAll(kind string, exps []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, exp := range exps {
		exp = strings.TrimSpace(exp)
		if exp == "" {
			continue
		}
		re, err := regexp.Compile(exp)
		if err != nil {
			return nil, fmt.Errorf("invalid %s expression '%s': %w", kind, exp, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (v *validator) IsValid(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	for _, e := range v.block {
		if e.MatchString(path) {
			return false
		}
	}
	if len(v.allow) == 0 {
		return true
	}
	for _, e := range v.allow {
		if e.MatchString(path) {
			return true
		}
	}
	return false
}
