// Command verify checks a disclosure proof offline against a notary
// public key and prints the disclosed transcript ranges.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"tlsnotary/shared"
	"tlsnotary/verifier"
)

func main() {
	var (
		proofPath = flag.String("proof", "", "path to the proof file (required)")
		pubKeyHex = flag.String("pubkey", "", "notary public key, uncompressed hex (required)")
		showBytes = flag.Bool("show", true, "print disclosed plaintext")
	)
	flag.Parse()

	if *proofPath == "" || *pubKeyHex == "" {
		fmt.Fprintln(os.Stderr, "error: -proof and -pubkey are required")
		flag.Usage()
		os.Exit(1)
	}

	publicKey, err := hex.DecodeString(strings.TrimPrefix(*pubKeyHex, "0x"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid public key: %v\n", err)
		os.Exit(1)
	}

	proof, err := shared.ReadProofFile(*proofPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read proof: %v\n", err)
		os.Exit(1)
	}

	result := verifier.Verify(proof, publicKey)
	if !result.Valid {
		fmt.Printf("INVALID: %s\n", result.Reason)
		os.Exit(1)
	}

	fmt.Println("VALID")
	fmt.Printf("  target host:  %s\n", result.TargetHost)
	fmt.Printf("  cipher suite: 0x%04x\n", result.CipherSuite)
	fmt.Printf("  notarized at: %s\n", time.Unix(result.Timestamp, 0).UTC().Format(time.RFC3339))
	fmt.Printf("  disclosed:    %d of %d ranges\n", len(result.DisclosedRanges), len(proof.Entries))

	if *showBytes {
		for _, r := range result.DisclosedRanges {
			fmt.Printf("\n--- %s ---\n", r)
			fmt.Println(printable(result.Disclosed[r.String()]))
		}
	}
}

// printable renders disclosed bytes, escaping anything non-printable.
func printable(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		switch {
		case c == '\n' || c == '\r' || c == '\t':
			sb.WriteByte(c)
		case c >= 0x20 && c < 0x7f:
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, "\\x%02x", c)
		}
	}
	return sb.String()
}
