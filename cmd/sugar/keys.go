package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sugar-network/sugar/internal/auth"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the owner key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = filepath.Join(defaultRoot(), "owner.key")
		}
		if _, err := os.Stat(out); err == nil {
			return fmt.Errorf("%s already exists", out)
		}
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}

		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return err
		}
		private := pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		})
		if err := os.WriteFile(out, private, 0o600); err != nil {
			return err
		}
		public := auth.EncodePublicKey(&key.PublicKey)
		if err := os.WriteFile(out+".pub", []byte(public), 0o644); err != nil {
			return err
		}

		fmt.Printf("Key written to %s\n", out)
		fmt.Printf("GUID: %s\n", auth.UserGUID(public))
		return nil
	},
}

func init() {
	keygenCmd.Flags().String("out", "", "Private key path")
	rootCmd.AddCommand(keygenCmd)
}
