package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

func main() {
	outDir := flag.String("out", "keys", "Directory to write private.pem and public.pem into")
	bits := flag.Int("bits", 2048, "RSA key size in bits")
	force := flag.Bool("force", false, "Overwrite existing key files")
	flag.Parse()

	privatePath := filepath.Join(*outDir, "private.pem")
	publicPath := filepath.Join(*outDir, "public.pem")

	if err := generate(privatePath, publicPath, *bits, *force); err != nil {
		logrus.WithError(err).Fatal("Key generation failed")
	}

	logrus.WithFields(logrus.Fields{
		"private_key": privatePath,
		"public_key":  publicPath,
		"bits":        *bits,
	}).Info("Signing key pair written")
}

func generate(privatePath, publicPath string, bits int, force bool) error {
	if bits < 2048 {
		return fmt.Errorf("key size %d is too small, use at least 2048 bits", bits)
	}
	if !force {
		for _, p := range []string{privatePath, publicPath} {
			if _, err := os.Stat(p); err == nil {
				return fmt.Errorf("%s already exists, pass -force to overwrite", p)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(privatePath), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to encode public key: %w", err)
	}

	if err := os.WriteFile(privatePath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}
