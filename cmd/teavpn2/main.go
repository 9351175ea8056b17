package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Zxce3/teavpn2/application"
	"github.com/Zxce3/teavpn2/internal/config"
	"github.com/Zxce3/teavpn2/internal/crypto"
	"github.com/Zxce3/teavpn2/internal/lifecycle"
	"github.com/Zxce3/teavpn2/internal/logging"
	"github.com/Zxce3/teavpn2/internal/routing"
	"github.com/Zxce3/teavpn2/internal/sessiontable"
	"github.com/Zxce3/teavpn2/internal/tundevice"
)

const (
	packageName = "teavpn2"
	serverMode  = "server"
	clientMode  = "client"
)

func main() {
	var mode string
	if len(os.Args) > 1 {
		mode = strings.ToLower(strings.TrimSpace(os.Args[1]))
	} else {
		mode = strings.ToLower(strings.TrimSpace(promptForMode()))
	}

	var err error
	switch mode {
	case serverMode:
		err = runServer()
	case clientMode:
		err = runClient()
	default:
		fmt.Printf("unknown mode: %s\n", mode)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", packageName, err)
		os.Exit(1)
	}
}

func promptForMode() string {
	fmt.Printf("%s\n", packageName)
	fmt.Println("select mode:")
	fmt.Printf("\t%s - run as server\n", serverMode)
	fmt.Printf("\t%s - run as client\n", clientMode)
	fmt.Print("> ")

	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		return scanner.Text()
	}
	return ""
}

func printUsage() {
	fmt.Printf("usage: %s <%s|%s>\n", packageName, serverMode, clientMode)
}

func runServer() error {
	logger := logging.NewLogger()

	reader := config.NewReader(config.NewServerResolver())
	cfg, err := reader.Read()
	if err != nil {
		return fmt.Errorf("loading server config: %w", err)
	}

	device, err := tundevice.Open(cfg.IfaceName, logger)
	if err != nil {
		return fmt.Errorf("opening tun device: %w", err)
	}
	defer device.Close()

	cryptoSvc, err := cryptographyService(cfg, logger)
	if err != nil {
		return err
	}

	table := sessiontable.New(cfg.MaxConn)
	server := routing.NewServer(cfg, logger, table, device, cryptoSvc)
	ctrl := lifecycle.NewController(cfg, logger, device, routing.NewServerSession(server))

	logger.Infof("teavpn2 server listening on %s %s:%d", cfg.Socket, cfg.BindAddress, cfg.BindPort)
	return ctrl.Run(context.Background())
}

func runClient() error {
	logger := logging.NewLogger()

	reader := config.NewReader(config.NewClientResolver())
	cfg, err := reader.Read()
	if err != nil {
		return fmt.Errorf("loading client config: %w", err)
	}

	device, err := tundevice.Open(cfg.IfaceName, logger)
	if err != nil {
		return fmt.Errorf("opening tun device: %w", err)
	}
	defer device.Close()

	cryptoSvc, err := cryptographyService(cfg, logger)
	if err != nil {
		return err
	}

	client := routing.NewClient(cfg, logger, device, cryptoSvc)
	ctrl := lifecycle.NewController(cfg, logger, device, routing.NewClientSession(client))

	logger.Infof("teavpn2 client connecting to %s %s:%d", cfg.Socket, cfg.ConnectAddress, cfg.ConnectPort)
	return ctrl.Run(context.Background())
}

// cryptographyService selects NoOp unless the loaded configuration opts
// into encryption; a real deployment would provision the key out of
// band (the cryptographic transform is a stub, key
// exchange is explicitly out of scope).
func cryptographyService(cfg *config.Config, logger application.Logger) (application.CryptographyService, error) {
	if !cfg.NeedEncryption {
		return crypto.NewNoOp(), nil
	}
	key := []byte(os.Getenv("TEAVPN2_ENCRYPTION_KEY"))
	if len(key) != 32 {
		return nil, fmt.Errorf("need_encryption is set but TEAVPN2_ENCRYPTION_KEY is not a 32-byte key")
	}
	logger.Infof("encryption enabled (chacha20poly1305)")
	return crypto.NewChaCha20Poly1305(key)
}
