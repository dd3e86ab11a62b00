// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gatewarden/gatewarden/pkg/keys"
)

var generateKeyCmd = &cobra.Command{
	Use:   "generate-key",
	Short: "Generate an RSA signing keypair",
	Long: `Generate a PEM-encoded RSA private key suitable for the signing_key_file
configuration setting. The key is written to stdout unless --output is given.`,
	RunE: runGenerateKey,
}

func init() {
	generateKeyCmd.Flags().StringP("output", "o", "", "Write the key to this file instead of stdout")
	generateKeyCmd.Flags().Int("bits", 2048, "RSA key size in bits")
}

func runGenerateKey(cmd *cobra.Command, _ []string) error {
	bits, _ := cmd.Flags().GetInt("bits")
	output, _ := cmd.Flags().GetString("output")

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	encoded, err := keys.EncodePrivateKeyPEM(key)
	if err != nil {
		return err
	}

	if output == "" {
		_, err = cmd.OutOrStdout().Write(encoded)
		return err
	}
	// Private key material gets owner-only permissions.
	return os.WriteFile(output, encoded, 0o600)
}
