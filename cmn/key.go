// Package cmn holds the gateway's core data model: the archive key and its
// hex/base32 codecs, shared by the resolver, registry, and front ends.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeySize is the length, in bytes, of a Dat/Hypercore public key.
const KeySize = 32

// b32enc is the unpadded base32 encoding used for subdomain labels;
// "dat://<key>" and ".well-known/dat" records carry the key in hex.
var b32enc = base32.StdEncoding.WithPadding(base32.NoPadding)

// ArchiveKey identifies a single Dat archive by its 32-byte Ed25519 public
// key. The zero value is never a valid key.
type ArchiveKey [KeySize]byte

func (k ArchiveKey) IsZero() bool { return k == ArchiveKey{} }

func (k ArchiveKey) Hex() string { return hex.EncodeToString(k[:]) }

// Base32 renders the key as an unpadded, lowercase base32 string, the form
// used for subdomain labels (DNS labels are case-insensitive and
// conventionally lowercase).
func (k ArchiveKey) Base32() string {
	return strings.ToLower(b32enc.EncodeToString(k[:]))
}

// String renders the key the way it appears in logs and in the registry's
// storage-directory layout: lowercase hex.
func (k ArchiveKey) String() string { return k.Hex() }

// KeyFromHex parses a 64-character hex string into an ArchiveKey.
func KeyFromHex(s string) (ArchiveKey, error) {
	var k ArchiveKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("key: invalid hex %q: %w", s, err)
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("key: invalid hex %q: want %d bytes, got %d", s, KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// KeyFromBase32 parses an unpadded base32 string, of either case, into an
// ArchiveKey.
func KeyFromBase32(s string) (ArchiveKey, error) {
	var k ArchiveKey
	b, err := b32enc.DecodeString(strings.ToUpper(s))
	if err != nil {
		return k, fmt.Errorf("key: invalid base32 %q: %w", s, err)
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("key: invalid base32 %q: want %d bytes, got %d", s, KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// LooksLikeHexKey reports whether s has the shape of a hex-encoded archive
// key (64 hex digits, either case), without decoding it.
func LooksLikeHexKey(s string) bool {
	if len(s) != KeySize*2 {
		return false
	}
	for _, c := range s {
		if !isHexDigit(c) {
			return false
		}
	}
	return true
}

// LooksLikeBase32Key reports whether s has the shape of a base32-encoded
// archive key (52 characters, unpadded).
func LooksLikeBase32Key(s string) bool {
	if len(s) != 52 {
		return false
	}
	for _, c := range s {
		if !isBase32Digit(c) {
			return false
		}
	}
	return true
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isBase32Digit(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '2' && c <= '7')
}
