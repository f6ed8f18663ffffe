package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/alejoamiras/tee-rex-sub002/pkg/client"
	"github.com/alejoamiras/tee-rex-sub002/pkg/config"
	"github.com/alejoamiras/tee-rex-sub002/pkg/logger"
	"github.com/alejoamiras/tee-rex-sub002/pkg/types"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "prover-client",
		Usage:   "Submit proving payloads to an attested proving server",
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "api-url",
				Aliases:  []string{"u"},
				Usage:    "Proving server base URL",
				EnvVars:  []string{config.EnvAPIURL},
				Required: true,
			},
			&cli.BoolFlag{
				Name:    "require-attestation",
				Usage:   "Refuse servers that run outside a TEE",
				EnvVars: []string{config.EnvRequireAttest},
			},
			&cli.StringSliceFlag{
				Name:  "expect-measurement",
				Usage: "Expected measurement as index:hexdigest (repeatable, nitro backend)",
			},
			&cli.StringFlag{
				Name:  "expect-mr-td",
				Usage: "Expected mr_td hex digest (tdx backend)",
			},
			&cli.StringFlag{
				Name:  "expect-mr-signer-seam",
				Usage: "Expected mr_signer_seam hex digest (tdx backend)",
			},
			&cli.StringFlag{
				Name:    "verifier-endpoint",
				Usage:   "Third-party quote verification service URL (tdx backend)",
				EnvVars: []string{config.EnvVerifierEndpoint},
			},
			&cli.StringFlag{
				Name:    "verifier-jwks-url",
				Usage:   "URL of the verification service's token signing keys",
				EnvVars: []string{config.EnvVerifierJWKSURL},
			},
			&cli.DurationFlag{
				Name:    "attestation-max-age",
				Value:   types.DefaultMaxAge,
				Usage:   "Maximum accepted attestation age",
				EnvVars: []string{config.EnvAttestationMaxAge},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvVerbose},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "attest",
				Usage:  "Verify the server's attestation and print the result",
				Action: runAttest,
			},
			{
				Name:  "prove",
				Usage: "Encrypt a payload file and submit it for proving",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "payload",
						Aliases:  []string{"f"},
						Usage:    "Path to the execution steps JSON file",
						Required: true,
					},
				},
				Action: runProve,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func buildClient(c *cli.Context) (*client.Client, error) {
	measurements, err := parseMeasurements(c.StringSlice("expect-measurement"))
	if err != nil {
		return nil, err
	}

	cfg := &config.ClientConfig{
		APIURL: c.String("api-url"),
		Attestation: types.AttestationConfig{
			RequireAttestation:   c.Bool("require-attestation"),
			ExpectedMeasurements: measurements,
			ExpectedMrTd:         c.String("expect-mr-td"),
			ExpectedMrSignerSeam: c.String("expect-mr-signer-seam"),
			VerifierEndpoint:     c.String("verifier-endpoint"),
			VerifierJWKSURL:      c.String("verifier-jwks-url"),
			MaxAge:               c.Duration("attestation-max-age"),
		},
	}

	zapLogger, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("verbose")})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return client.New(c.Context, cfg, zapLogger)
}

// parseMeasurements turns repeated index:hexdigest flags into the policy
// map.
func parseMeasurements(raw []string) (map[int]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[int]string, len(raw))
	for _, entry := range raw {
		var idx int
		var digest string
		if _, err := fmt.Sscanf(entry, "%d:%s", &idx, &digest); err != nil {
			return nil, fmt.Errorf("invalid measurement %q, want index:hexdigest", entry)
		}
		out[idx] = digest
	}
	return out, nil
}

func runAttest(c *cli.Context) error {
	cl, err := buildClient(c)
	if err != nil {
		return err
	}

	channel, err := cl.EstablishChannel(c.Context)
	if err != nil {
		return fmt.Errorf("attestation failed: %w", err)
	}

	fmt.Printf("Backend: %s\n", channel.Backend)
	if channel.Result == nil {
		fmt.Println("Attestation: none (server runs unattested)")
		return nil
	}
	fmt.Printf("Attestation: verified, issued %s\n", channel.Result.IssuedAt.Format(time.RFC3339))
	for idx, digest := range channel.Result.Measurements {
		fmt.Printf("  measurement[%d] = %s\n", idx, digest)
	}
	return nil
}

func runProve(c *cli.Context) error {
	raw, err := os.ReadFile(c.String("payload"))
	if err != nil {
		return fmt.Errorf("failed to read payload file: %w", err)
	}
	var payload types.ExecutionStepsPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("invalid payload file: %w", err)
	}

	cl, err := buildClient(c)
	if err != nil {
		return err
	}

	resp, err := cl.Prove(c.Context, &payload)
	if err != nil {
		return fmt.Errorf("proving failed: %w", err)
	}

	fmt.Printf("Request ID: %s\n", resp.RequestID)
	fmt.Println(resp.Proof)
	return nil
}
