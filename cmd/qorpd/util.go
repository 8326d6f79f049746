package main

import (
	"encoding/hex"
	"fmt"
)

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

func hexDecodeInto(dst []byte, s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}
