// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// The imagehoster-sign tool produces a Mode A upload signature for a
// given image file and posting/active WIF key, for manual curl-based
// smoke testing of the upload endpoint.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ecency/imagehoster/internal/signature"
)

var signingKey = flag.String("key", "@/etc/imagehoster.key", "posting or active WIF key, or file containing it prefixed with '@'")

func main() {
	flag.Parse()
	path := flag.Arg(0)

	sig, err := sign(*signingKey, path)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	fmt.Printf("signature: %v\n", sig)
}

func sign(key, path string) (string, error) {
	if path == "" {
		return "", errors.New("imagehoster-sign image-file [-key=wif-or-@file]")
	}

	img, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading image file: %w", err)
	}

	k, err := parseKey(key)
	if err != nil {
		return "", fmt.Errorf("error parsing key: %w", err)
	}

	return signature.SignDirect(k, img)
}

func parseKey(s string) (string, error) {
	if len(s) > 0 && s[0] == '@' {
		b, err := os.ReadFile(s[1:])
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return s, nil
}
