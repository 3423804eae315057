// Command keygen generates credentials for the telemetry pipeline: a
// random API key with its SHA-256 hash, or a 32-byte at-rest encryption
// key.
package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
)

func main() {
	mode := "api-key"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "api-key":
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err != nil {
			fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
			os.Exit(1)
		}
		key := "fdt_" + base64.RawURLEncoding.EncodeToString(raw)
		hash := sha256.Sum256([]byte(key))

		fmt.Printf("API key:      %s\n", key)
		fmt.Printf("SHA-256 hash: %s\n", hex.EncodeToString(hash[:]))
		fmt.Println("\nAdd the key to config.yaml:")
		fmt.Println("  auth:")
		fmt.Println("    api_keys:")
		fmt.Printf("      - \"%s\"\n", key)

	case "encryption-key":
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Encryption key (hex): %s\n", hex.EncodeToString(raw))
		fmt.Println("\nSet it via environment:")
		fmt.Printf("  export FDT_ENCRYPTION__KEY=%s\n", hex.EncodeToString(raw))

	default:
		fmt.Println("Usage: keygen [api-key|encryption-key]")
		os.Exit(1)
	}
}
