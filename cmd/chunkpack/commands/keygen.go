// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/chunkpack/cmd/chunkpack/cli"
	"github.com/bureau-foundation/chunkpack/lib/blockcrypt"
	"github.com/bureau-foundation/chunkpack/lib/sealed"
	"github.com/bureau-foundation/chunkpack/lib/secret"
)

type keygenParams struct {
	cli.Output

	Recipients   []string
	OutputPath   string
	IdentityPath string
}

type keygenResult struct {
	KeyPath      string   `json:"key_path"`
	Recipients   []string `json:"recipients"`
	IdentityPath string   `json:"identity_path,omitempty"`
}

func keygenCommand() *cli.Command {
	var params keygenParams
	return &cli.Command{
		Name:    "keygen",
		Summary: "Generate a sealed container encryption key",
		Description: `Generate a random container master key and seal it to one or more age
recipients. The plaintext key never touches disk. Builds of encrypted
containers open it with --key and the matching --identity.

With --new-identity and no --recipient, a fresh age identity is written
(mode 0600) and the key is sealed to it.`,
		Usage: "chunkpack keygen --out <sealed key> (--recipient age1... | --new-identity <file>)",
		Examples: []cli.Example{
			{
				Description: "Seal a key to the build farm's identity",
				Command:     "chunkpack keygen --recipient age1ql3z7hjy54pw3hyww5ayyfg7zqgvc7w3j2elw8zmrj2kg5sfn9aqmcac8p --out game.key.age",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			flagSet.StringSliceVar(&params.Recipients, "recipient", nil, "age recipient public key (repeatable)")
			flagSet.StringVar(&params.OutputPath, "out", "", "sealed key output file")
			flagSet.StringVar(&params.IdentityPath, "new-identity", "", "write a new age identity here and seal to it")
			params.Output.AddFlags(flagSet)
			return flagSet
		},
		Run: func(_ context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return cli.Validation("unexpected argument: %s", args[0])
			}
			if params.OutputPath == "" {
				return cli.Validation("--out is required")
			}
			if len(params.Recipients) == 0 && params.IdentityPath == "" {
				return cli.Validation("--recipient or --new-identity is required")
			}
			for _, recipient := range params.Recipients {
				if err := sealed.ParseRecipient(recipient); err != nil {
					return cli.Validation("%v", err)
				}
			}

			recipients := params.Recipients
			if params.IdentityPath != "" {
				publicKey, err := writeIdentity(params.IdentityPath)
				if err != nil {
					return err
				}
				recipients = append(recipients, publicKey)
			}

			key, err := secret.Random(blockcrypt.KeySize)
			if err != nil {
				return fmt.Errorf("generating container key: %w", err)
			}
			defer key.Close()
			if err := sealed.WriteKeyFile(params.OutputPath, key, recipients); err != nil {
				return err
			}
			logger.Info("container key written", "path", params.OutputPath, "recipients", len(recipients))

			return params.Output.Write(keygenResult{
				KeyPath:      params.OutputPath,
				Recipients:   recipients,
				IdentityPath: params.IdentityPath,
			})
		},
	}
}

// writeIdentity creates an age identity file and returns its public key.
func writeIdentity(path string) (string, error) {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return "", err
	}
	defer keypair.Close()

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating identity file: %w", err)
	}
	_, err = fmt.Fprintf(file, "# public key: %s\n", keypair.PublicKey)
	if err == nil {
		_, err = file.Write(keypair.PrivateKey.Bytes())
	}
	if err == nil {
		_, err = file.WriteString("\n")
	}
	if err != nil {
		file.Close()
		return "", fmt.Errorf("writing identity file: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("writing identity file: %w", err)
	}
	return keypair.PublicKey, nil
}
