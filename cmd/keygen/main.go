package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/veilchat/messenger/config"
	"github.com/veilchat/messenger/internal/crypto"
	"github.com/veilchat/messenger/internal/directory"
	"github.com/veilchat/messenger/internal/identity"
	"github.com/veilchat/messenger/internal/observability"
	"github.com/veilchat/messenger/internal/transport"
)

const uploadTimeout = 15 * time.Second

var (
	// Global flags
	keystorePath string
	noPassphrase bool
	force        bool
	relayURL     string
	userID       string
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "generate":
		generateCmd(args)
	case "show":
		showCmd(args)
	case "upload":
		uploadCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("keygen - VeilChat Identity Key Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  keygen generate [flags]  - Generate a new identity keypair")
	fmt.Println("  keygen show [flags]      - Display public key information")
	fmt.Println("  keygen upload [flags]    - Publish the public key to the relay directory")
	fmt.Println()
	fmt.Println("Run 'keygen <command> -h' for command-specific help")
}

func generateCmd(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	fs.StringVar(&keystorePath, "keystore", config.DefaultKeystorePath(), "Keystore database path")
	fs.BoolVar(&noPassphrase, "no-passphrase", false, "Store the keypair without passphrase protection")
	fs.BoolVar(&force, "force", false, "Overwrite an existing identity")
	fs.Parse(args)

	backend, err := identity.OpenBolt(keystorePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening keystore: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	_, found, err := backend.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading keystore: %v\n", err)
		os.Exit(1)
	}
	if found && !force {
		fmt.Println("An identity already exists in this keystore.")
		fmt.Println("Messages encrypted to the old key become undecryptable if you replace it.")
		fmt.Print("Overwrite existing identity? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	var passphrase string
	if !noPassphrase {
		passphrase, err = promptPassphrase("Enter passphrase (leave empty for no encryption): ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read passphrase: %v\n", err)
			os.Exit(1)
		}
		if passphrase != "" {
			confirm, err := promptPassphrase("Confirm passphrase: ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to read passphrase: %v\n", err)
				os.Exit(1)
			}
			if passphrase != confirm {
				fmt.Fprintln(os.Stderr, "Passphrases do not match.")
				os.Exit(1)
			}
		}
	}

	fmt.Println("Generating new identity keypair...")
	fmt.Println()

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate keypair: %v\n", err)
		os.Exit(1)
	}

	blob, err := identity.Seal(kp, passphrase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to seal keypair: %v\n", err)
		os.Exit(1)
	}
	if err := backend.Save(blob); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save keypair: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Identity keypair generated successfully!")
	fmt.Println()
	fmt.Println("Public Key:")
	fmt.Printf("  %s\n", crypto.EncodeKey(kp.PublicKey))
	fmt.Println()
	fmt.Println("Fingerprint:")
	fmt.Printf("  %s\n", crypto.Fingerprint(kp.PublicKey))
	fmt.Println()
	fmt.Println("Keystore:")
	fmt.Printf("  %s\n", keystorePath)

	if passphrase == "" {
		fmt.Println()
		fmt.Println("WARNING: Keypair stored WITHOUT encryption (insecure)")
	}
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	fs.StringVar(&keystorePath, "keystore", config.DefaultKeystorePath(), "Keystore database path")
	fs.Parse(args)

	kp, sealed := loadKeypair()

	fmt.Println("Identity Public Key:")
	fmt.Printf("  %s\n", crypto.EncodeKey(kp.PublicKey))
	fmt.Println()
	fmt.Println("Fingerprint:")
	fmt.Printf("  %s\n", crypto.Fingerprint(kp.PublicKey))
	fmt.Println()
	fmt.Println("Key Type: X25519")
	if sealed {
		fmt.Println("Protection: passphrase (argon2id)")
	} else {
		fmt.Println("Protection: none")
	}
}

func uploadCmd(args []string) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	fs.StringVar(&keystorePath, "keystore", config.DefaultKeystorePath(), "Keystore database path")
	fs.StringVar(&relayURL, "relay", "http://127.0.0.1:8080", "Relay base URL")
	fs.StringVar(&userID, "user", "", "User id to register the key under")
	fs.Parse(args)

	if userID == "" {
		fmt.Fprintln(os.Stderr, "The -user flag is required.")
		os.Exit(1)
	}

	kp, _ := loadKeypair()

	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	token, err := transport.MintToken(ctx, relayURL, userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to authenticate with relay: %v\n", err)
		os.Exit(1)
	}

	log := observability.NewConsoleLogger("veilchat-keygen", "dev", os.Stderr)
	dir := directory.NewClient(relayURL, token, log)
	if err := dir.PublishKey(ctx, kp.PublicKey); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to publish public key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Published key %s for user %s\n", crypto.ShortFingerprint(kp.PublicKey), userID)
}

// loadKeypair opens the keystore and unseals the stored keypair, prompting
// for a passphrase when the blob is sealed.
func loadKeypair() (*crypto.KeyPair, bool) {
	backend, err := identity.OpenBolt(keystorePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening keystore: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	blob, found, err := backend.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading keystore: %v\n", err)
		os.Exit(1)
	}
	if !found {
		fmt.Fprintln(os.Stderr, "No identity found.")
		fmt.Fprintln(os.Stderr, "Run 'keygen generate' first to create one")
		os.Exit(1)
	}

	var passphrase string
	sealed := identity.IsSealed(blob)
	if sealed {
		passphrase, err = promptPassphrase("Enter passphrase: ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read passphrase: %v\n", err)
			os.Exit(1)
		}
	}

	kp, err := identity.Unseal(blob, passphrase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open keystore: %v\n", err)
		os.Exit(1)
	}
	return kp, sealed
}

func promptPassphrase(prompt string) (string, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
