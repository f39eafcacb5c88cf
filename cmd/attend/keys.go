package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidahmann/attend/core/fsx"
	"github.com/davidahmann/attend/core/sign"
)

type keysInitOutput struct {
	OK             bool   `json:"ok"`
	Prefix         string `json:"prefix,omitempty"`
	KeyID          string `json:"key_id,omitempty"`
	PublicKeyPath  string `json:"public_key_path,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	SecretPath     string `json:"secret_path,omitempty"`
	SecretKeyID    string `json:"secret_key_id,omitempty"`
	errorFields
}

func runKeys(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Manage local ed25519 signing keys and the shared HMAC secret used for certification records.")
	}
	if len(arguments) == 0 {
		printKeysUsage()
		return exitInvalidInput
	}
	if arguments[0] == "--help" || arguments[0] == "-h" {
		printKeysUsage()
		return exitOK
	}
	switch arguments[0] {
	case "init":
		return runKeysInit(arguments[1:])
	default:
		printKeysUsage()
		return exitInvalidInput
	}
}

func runKeysInit(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Generate a new ed25519 keypair, and optionally a shared secret, as base64 files on disk.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"out-dir": true,
		"prefix":  true,
	})

	flagSet := flag.NewFlagSet("keys-init", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var outDir string
	var prefix string
	var withSecret bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&outDir, "out-dir", filepath.Join(".attend", "keys"), "directory for generated key files")
	flagSet.StringVar(&prefix, "prefix", "attend", "key file prefix")
	flagSet.BoolVar(&withSecret, "secret", false, "also generate a shared HMAC secret")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeKeysInitOutput(jsonOutput, keysInitOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printKeysUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeKeysInitOutput(jsonOutput, keysInitOutput{errorFields: errorFields{Error: "unexpected positional arguments"}}, exitInvalidInput)
	}

	result, err := createKeyMaterial(outDir, prefix, withSecret)
	if err != nil {
		return writeKeysInitOutput(jsonOutput, keysInitOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	return writeKeysInitOutput(jsonOutput, result, exitOK)
}

func createKeyMaterial(outDir, prefix string, withSecret bool) (keysInitOutput, error) {
	trimmedOutDir := strings.TrimSpace(outDir)
	if trimmedOutDir == "" {
		return keysInitOutput{}, fmt.Errorf("out-dir must not be empty")
	}
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		return keysInitOutput{}, fmt.Errorf("prefix must not be empty")
	}

	secretPath := filepath.Join(trimmedOutDir, trimmedPrefix+".secret")
	if withSecret {
		if _, err := os.Stat(secretPath); err == nil {
			return keysInitOutput{}, fmt.Errorf("refusing to overwrite existing secret %s", secretPath)
		}
	}

	kp, err := sign.GenerateKeyPair()
	if err != nil {
		return keysInitOutput{}, fmt.Errorf("generate keypair: %w", err)
	}
	privatePath, publicPath, err := sign.WriteKeyPair(trimmedOutDir, trimmedPrefix, kp)
	if err != nil {
		return keysInitOutput{}, err
	}
	output := keysInitOutput{
		OK:             true,
		Prefix:         trimmedPrefix,
		KeyID:          sign.KeyID(kp.Public),
		PublicKeyPath:  publicPath,
		PrivateKeyPath: privatePath,
	}
	if withSecret {
		secret := make([]byte, sign.MinSecretBytes)
		if _, err := rand.Read(secret); err != nil {
			return keysInitOutput{}, fmt.Errorf("generate secret: %w", err)
		}
		if err := fsx.WriteFileAtomic(secretPath, []byte(base64.StdEncoding.EncodeToString(secret)+"\n"), 0o600); err != nil {
			return keysInitOutput{}, fmt.Errorf("write secret: %w", err)
		}
		output.SecretPath = secretPath
		output.SecretKeyID = sign.SecretKeyID(secret)
	}
	return output, nil
}

func writeKeysInitOutput(jsonOutput bool, output keysInitOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("keys init ok: key_id=%s public=%s private=%s\n", output.KeyID, output.PublicKeyPath, output.PrivateKeyPath)
		if output.SecretPath != "" {
			fmt.Printf("shared secret: key_id=%s path=%s\n", output.SecretKeyID, output.SecretPath)
		}
		return exitCode
	}
	fmt.Printf("keys init error: %s\n", output.Error)
	return exitCode
}

func printKeysUsage() {
	fmt.Println("Usage:")
	fmt.Println("  attend keys init [--out-dir <dir>] [--prefix <name>] [--secret] [--json] [--explain]")
}
