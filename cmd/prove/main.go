// Command prove notarizes a single HTTPS exchange and writes the
// disclosure proof artifact.
//
// Disclosure ranges select which transcript bytes the proof reveals,
// as dir:start-end spans with an exclusive end, for example:
//
//	prove -host example.com -disclose sent:0-40,recv:0-200 -out example.proof
//
// With no -disclose flag the whole transcript is revealed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tlsnotary/prover"
	"tlsnotary/shared"
)

func main() {
	var (
		notaryURL = flag.String("notary", "ws://localhost:7047/notarize", "notary side-channel URL")
		host      = flag.String("host", "", "target host to notarize against (required)")
		port      = flag.Int("port", 443, "target port")
		request   = flag.String("request", "", "raw request bytes; defaults to a GET / with Connection: close")
		reqFile   = flag.String("request-file", "", "read the request from a file instead")
		disclose  = flag.String("disclose", "", "comma-separated disclosure ranges, dir:start-end")
		out       = flag.String("out", "transcript.proof", "output proof file")
		maxSent   = flag.Uint64("max-sent", 0, "requested sent-data cap (0 = default)")
		maxRecv   = flag.Uint64("max-recv", 0, "requested received-data cap (0 = default)")
		authToken = flag.String("token", "", "bearer token for notaries with authorization enabled")
		timeout   = flag.Duration("timeout", 60*time.Second, "overall notarization timeout")
	)
	flag.Parse()

	if *host == "" {
		fmt.Fprintln(os.Stderr, "error: -host is required")
		flag.Usage()
		os.Exit(1)
	}

	requestBytes, err := buildRequest(*host, *request, *reqFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ranges, err := parseRanges(*disclose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger, err := shared.NewLoggerFromEnv("prover")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	p, err := prover.New(prover.Config{
		NotaryURL:   *notaryURL,
		TargetHost:  *host,
		TargetPort:  *port,
		MaxSentData: *maxSent,
		MaxRecvData: *maxRecv,
		AuthToken:   *authToken,
		Timeout:     *timeout,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	proof, err := p.Prove(context.Background(), requestBytes, ranges)
	if err != nil {
		fmt.Fprintf(os.Stderr, "notarization failed: %v\n", err)
		os.Exit(1)
	}

	if err := proof.WriteFile(*out); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write proof: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("notarized %s (session %s)\n", proof.Attestation.TargetHost, proof.Attestation.SessionID)
	fmt.Printf("proof written to %s (%d committed ranges)\n", *out, len(proof.Entries))
}

func buildRequest(host, inline, file string) ([]byte, error) {
	if inline != "" && file != "" {
		return nil, fmt.Errorf("-request and -request-file are mutually exclusive")
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read request file: %w", err)
		}
		return data, nil
	}
	if inline != "" {
		// Allow \r\n escapes so full HTTP requests fit on a command line.
		s := strings.ReplaceAll(inline, `\r`, "\r")
		s = strings.ReplaceAll(s, `\n`, "\n")
		return []byte(s), nil
	}
	req := fmt.Sprintf("GET / HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", host)
	return []byte(req), nil
}

// parseRanges parses "sent:0-40,recv:100-250" into disclosure ranges.
func parseRanges(s string) ([]shared.Range, error) {
	if s == "" {
		return nil, nil
	}
	var ranges []shared.Range
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dirSpan := strings.SplitN(part, ":", 2)
		if len(dirSpan) != 2 {
			return nil, fmt.Errorf("invalid range %q, want dir:start-end", part)
		}

		var dir shared.Direction
		switch dirSpan[0] {
		case "sent":
			dir = shared.DirectionSent
		case "recv", "received":
			dir = shared.DirectionReceived
		default:
			return nil, fmt.Errorf("invalid direction %q, want sent or recv", dirSpan[0])
		}

		bounds := strings.SplitN(dirSpan[1], "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("invalid span %q, want start-end", dirSpan[1])
		}
		start, err := strconv.ParseUint(bounds[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid range start %q: %v", bounds[0], err)
		}
		end, err := strconv.ParseUint(bounds[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid range end %q: %v", bounds[1], err)
		}
		ranges = append(ranges, shared.Range{Direction: dir, Start: start, End: end})
	}
	if len(ranges) == 0 {
		return nil, fmt.Errorf("no ranges in %q", s)
	}
	return ranges, nil
}
